package handlers

import (
	"context"
	"time"

	"ChatGateway/logger"
	"ChatGateway/service/chat"
)

// PingHandler answers application-level pings. The pong echoes the client's
// timestamp and is enqueued before any later response, since handlers run
// sequentially per connection.
type PingHandler struct{}

func NewPingHandler() chat.Handler { return &PingHandler{} }

func (h *PingHandler) Type() string { return chat.TypePing }

func (h *PingHandler) Handle(c *chat.Context, f *chat.Frame, wc *chat.WsConn) error {
	if !wc.Enqueue(chat.BuildPong(f.TS).Encode()) {
		logger.Warnf("[WS] drop pong conn=%s", wc.ConnID)
		return nil
	}

	if p := c.S.Presence(); p != nil && wc.Identity != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Touch(ctx, wc.Identity.UserID, wc.ConnID); err != nil {
			logger.Warnf("[Presence] touch failed user=%s: %v", wc.Identity.UserID, err)
		}
	}
	return nil
}
