package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ChatGateway/logger"
	"ChatGateway/tools/errs"
	"ChatGateway/tools/ids"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS serves the general endpoint: the client lands in its per-user
// default group only and joins conversations explicitly.
func (s *Server) HandleWS(c *gin.Context) {
	s.serveWS(c, "")
}

// HandleConversationWS serves /ws/conversations/:id — the conversation is
// joined during the handshake, so the first inbound frame can already be a
// message.
func (s *Server) HandleConversationWS(c *gin.Context) {
	s.serveWS(c, c.Param("id"))
}

func (s *Server) serveWS(c *gin.Context, convID string) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// not a websocket request, or the handshake died mid-flight
		logger.Infof("[WS] upgrade error: %v", err)
		return
	}

	wc, ok := s.accept(c.Request, ws, convID)
	if !ok {
		return
	}
	s.runSession(wc)
}

// accept runs the authentication handshake: extract token, verify bounded by
// handshake_timeout, bind identity, register the connection and its default
// per-user group. On failure the transport is closed with the reason's close
// code and no registry state is created.
func (s *Server) accept(r *http.Request, ws *websocket.Conn, convID string) (*WsConn, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandshakeTimeout())
	defer cancel()

	token := ExtractToken(r)
	identity, err := s.deps.Verifier.Verify(ctx, token)
	if err != nil {
		code := CloseCodeFor(err)
		logger.Infof("[WS] handshake rejected code=%d err=%v", code, err)
		closeWith(ws, code, err.Error())
		return nil, false
	}

	// conversation endpoint: membership is part of the handshake
	group := ""
	if convID != "" {
		group = ConvGroup(convID)
		if aerr := s.Authorize(ctx, identity, group); aerr != nil {
			logger.Infof("[WS] handshake forbidden user=%s group=%s", identity.UserID, group)
			closeWith(ws, CloseProtocolViolation, "forbidden")
			return nil, false
		}
	}

	now := s.mgr.Clock()()
	wc := newWsConn(ids.GenerateString(), ws, s.cfg.SendBuffer, now)
	wc.Identity = identity
	wc.setState(StateAuthenticated)
	wc.closeFn = func(code int, reason string) { s.teardownConn(wc, code, reason) }

	if err := s.mgr.Add(wc); err != nil {
		logger.Errorf("[WS] register conn failed: %v", err)
		closeWith(ws, websocket.CloseInternalServerErr, "register failed")
		return nil, false
	}

	// implicit per-user group before control returns (direct delivery)
	s.JoinGroup(wc, UserGroup(identity.UserID))
	if group != "" {
		s.JoinGroup(wc, group)
	}
	wc.setState(StateActive)

	if p := s.deps.Presence; p != nil {
		if perr := p.Online(ctx, identity.UserID, wc.ConnID); perr != nil {
			logger.Warnf("[Presence] online failed user=%s: %v", identity.UserID, perr)
		}
	}
	if group != "" {
		status := BuildUserStatus(group, identity.UserID, "online")
		if perr := s.PublishToGroup(ctx, group, wc.ConnID, false, status); perr != nil {
			logger.Warnf("[WS] status broadcast failed group=%s: %v", group, perr)
		}
	}

	logger.Infof("[WS] accepted conn=%s user=%s remote=%v conv=%q",
		wc.ConnID, identity.UserID, wc.Remote, convID)
	return wc, true
}

// HandleStats reports instance counters, including the degraded-mode flag for
// the broker.
func (s *Server) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}

// HandleNotify pushes a notification event to every device of a user through
// their per-user group, on any instance. The response reports whether the user
// is online: cluster-wide when presence is wired, this instance otherwise.
func (s *Server) HandleNotify(c *gin.Context) {
	userID := c.Param("id")

	var body struct {
		Title string         `json:"title"`
		Body  string         `json:"body"`
		Data  map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrBadPayload.WithDetail(err.Error()))
		return
	}
	if body.Title == "" && body.Body == "" {
		c.JSON(http.StatusBadRequest, errs.ErrBadPayload.WithDetail("empty notification"))
		return
	}

	f := BuildNotification(userID, body.Title, body.Body, body.Data)
	if err := s.NotifyUser(c.Request.Context(), userID, f); err != nil {
		logger.Errorf("[Notify] publish failed user=%s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, errs.ErrBrokerUnavailable)
		return
	}

	online := s.reg.MemberCount(UserGroup(userID)) > 0
	if p := s.deps.Presence; p != nil {
		if o, err := p.IsOnline(c.Request.Context(), userID); err == nil {
			online = o
		} else {
			logger.Warnf("[Presence] lookup failed user=%s: %v", userID, err)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"user_id": userID, "online": online})
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	// control frame reasons are capped at 123 bytes
	if len(reason) > 100 {
		reason = reason[:100]
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
