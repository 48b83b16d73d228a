package chat

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ChatGateway/logger"
	"ChatGateway/tools/errs"
	"ChatGateway/tools/safe"
)

const writeWait = 10 * time.Second

// runSession drives one accepted connection: the writer goroutine owns every
// socket write, the calling goroutine becomes the reader and processes frames
// strictly in arrival order. Returns when the connection is fully torn down.
func (s *Server) runSession(wc *WsConn) {
	safe.Go("ws-writer", func() { s.writePump(wc) })

	// client protocol pings count as inbound activity
	wc.Conn.SetPingHandler(func(appData string) error {
		wc.TouchHeartbeat(s.mgr.Clock()())
		return wc.Conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	s.readLoop(wc)
}

func (s *Server) readLoop(wc *WsConn) {
	for {
		mt, data, rerr := wc.Conn.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed conn=%s err=%v", wc.ConnID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout conn=%s err=%v", wc.ConnID, rerr)
			} else {
				logger.Infof("[WS] read err conn=%s err=%v", wc.ConnID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		wc.TouchHeartbeat(s.mgr.Clock()())

		f, perr := ParseFrame(data)
		if perr != nil {
			// malformed single frame never terminates the session
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[WS] parse err conn=%s err=%v sample=%q", wc.ConnID, perr, sample)
			wc.SendError(errs.ErrMalformedFrame)
			continue
		}
		s.handleFrame(wc, f)
	}

	s.teardownConn(wc, CloseNormal, "peer_disconnect")
}

// handleFrame dispatches one inbound frame. Recoverable failures (protocol,
// authorization) come back as CodeErrors and turn into error events; the
// connection stays active.
func (s *Server) handleFrame(wc *WsConn, f *Frame) {
	h := s.disp.GetHandler(f.Type)
	if h == nil {
		logger.Infof("[WS] unknown type conn=%s type=%q", wc.ConnID, f.Type)
		wc.SendError(errs.ErrUnknownType.WithDetail(f.Type))
		return
	}
	if err := h.Handle(&Context{S: s}, f, wc); err != nil {
		if ce := errs.AsCodeError(err); ce != nil {
			wc.SendError(ce)
			return
		}
		logger.Errorf("[WS] handler err conn=%s type=%s: %v", wc.ConnID, f.Type, err)
	}
}

// writePump serializes outbound traffic and keeps the peer alive with
// protocol pings. On closing it drains what is already queued, writes the
// close frame and releases the socket.
func (s *Server) writePump(wc *WsConn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer func() {
		ticker.Stop()
		close(wc.done)
	}()

	for {
		select {
		case payload := <-wc.SendChan:
			if err := writeText(wc.Conn, payload); err != nil {
				logger.Infof("[WS] write err conn=%s user=%s err=%v", wc.ConnID, wc.userID(), err)
				// teardown waits on done, so it must not run on this goroutine
				go s.teardownConn(wc, CloseNormal, "write_failed")
				return
			}
		case <-ticker.C:
			if err := wc.Conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				logger.Infof("[WS] ping err conn=%s user=%s err=%v", wc.ConnID, wc.userID(), err)
				go s.teardownConn(wc, CloseNormal, "ping_failed")
				return
			}
		case <-wc.closing:
			s.drainAndClose(wc)
			return
		}
	}
}

func (s *Server) drainAndClose(wc *WsConn) {
	for {
		select {
		case payload := <-wc.SendChan:
			if err := writeText(wc.Conn, payload); err != nil {
				return
			}
		default:
			code := int(wc.closeCode.Load())
			_ = wc.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// teardownConn is the single teardown path for every error site: idempotent,
// and always runs the full sequence — membership purge, presence offline,
// status broadcast, index removal, socket close.
func (s *Server) teardownConn(wc *WsConn, code int, reason string) {
	wc.teardown.Do(func() {
		wc.closeCode.Store(int32(code))
		wc.setState(StateClosing)
		close(wc.closing)

		logger.Infof("[WS] closing conn=%s user=%s code=%d reason=%s",
			wc.ConnID, wc.userID(), code, reason)

		// give the writer a bounded window to drain and send the close frame
		select {
		case <-wc.done:
		case <-time.After(writeWait + time.Second):
		}
		_ = wc.Conn.Close()

		// purge every membership; the bus subscription for a group follows
		// its local member count
		purged := s.reg.PurgeConnection(wc.ConnID)
		for _, g := range purged {
			wc.dropJoin(g)
			s.syncGroupSub(g)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		last := true
		if p := s.deps.Presence; p != nil && wc.Identity != nil {
			var perr error
			last, perr = p.Offline(ctx, wc.Identity.UserID, wc.ConnID)
			if perr != nil {
				logger.Warnf("[Presence] offline failed user=%s: %v", wc.userID(), perr)
			}
		}

		// tell conversation peers the user went offline, matching the online
		// broadcast at accept time
		if wc.Identity != nil && last {
			for _, g := range purged {
				if !strings.HasPrefix(g, ConvGroupPrefix) {
					continue
				}
				status := BuildUserStatus(g, wc.Identity.UserID, "offline")
				if perr := s.PublishToGroup(ctx, g, wc.ConnID, false, status); perr != nil {
					logger.Warnf("[WS] offline status failed group=%s: %v", g, perr)
				}
			}
		}

		s.mgr.Remove(wc.ConnID)
		wc.setState(StateClosed)
	})
}

func writeText(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
