package handlers

import (
	"context"
	"strings"
	"time"

	"ChatGateway/logger"
	"ChatGateway/service/chat"
	"ChatGateway/tools/decode"
	"ChatGateway/tools/errs"
)

const publishTimeout = 3 * time.Second

// requireMember is the shared gate for group-scoped events: the sending
// connection must have an active join to the target group.
func requireMember(f *chat.Frame, wc *chat.WsConn) (string, error) {
	group := f.GroupName()
	if group == "" {
		return "", errs.ErrBadPayload.WithDetail("missing group")
	}
	if !wc.IsJoined(group) {
		return "", errs.ErrNotAMember.WithDetail(group)
	}
	return group, nil
}

// TypingHandler relays typing indicators to the group, sender excluded.
type TypingHandler struct{}

func NewTypingHandler() chat.Handler { return &TypingHandler{} }

func (h *TypingHandler) Type() string { return chat.TypeTyping }

func (h *TypingHandler) Handle(c *chat.Context, f *chat.Frame, wc *chat.WsConn) error {
	group, err := requireMember(f, wc)
	if err != nil {
		return err
	}
	p, err := decode.Payload[chat.TypingPayload](f.Payload)
	if err != nil {
		return errs.ErrBadPayload.WithDetail(err.Error())
	}
	isTyping := true
	if p.IsTyping != nil {
		isTyping = *p.IsTyping
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	out := chat.BuildTyping(group, wc.Identity.UserID, isTyping)
	return c.S.PublishToGroup(ctx, group, wc.ConnID, f.Echo, out)
}

// ReadReceiptHandler marks the message read in the store, then relays the
// receipt to the group.
type ReadReceiptHandler struct{}

func NewReadReceiptHandler() chat.Handler { return &ReadReceiptHandler{} }

func (h *ReadReceiptHandler) Type() string { return chat.TypeReadReceipt }

func (h *ReadReceiptHandler) Handle(c *chat.Context, f *chat.Frame, wc *chat.WsConn) error {
	group, err := requireMember(f, wc)
	if err != nil {
		return err
	}
	p, err := decode.Payload[chat.ReadReceiptPayload](f.Payload)
	if err != nil {
		return errs.ErrBadPayload.WithDetail(err.Error())
	}
	if p.MessageID == "" {
		return errs.ErrBadPayload.WithDetail("missing message_id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if store := c.S.Store(); store != nil {
		if serr := store.MarkRead(ctx, p.MessageID, wc.Identity.UserID); serr != nil {
			// relay anyway; the receipt is best-effort UI state
			logger.Warnf("[Store] mark read failed msg=%s user=%s: %v", p.MessageID, wc.Identity.UserID, serr)
		}
	}

	out := chat.BuildReadReceipt(group, p.MessageID, wc.Identity.UserID)
	return c.S.PublishToGroup(ctx, group, wc.ConnID, f.Echo, out)
}

// MessageHandler persists a chat message, archives it, and fans it out to the
// group, sender excluded.
type MessageHandler struct{}

func NewMessageHandler() chat.Handler { return &MessageHandler{} }

func (h *MessageHandler) Type() string { return chat.TypeMessage }

func (h *MessageHandler) Handle(c *chat.Context, f *chat.Frame, wc *chat.WsConn) error {
	group, err := requireMember(f, wc)
	if err != nil {
		return err
	}
	p, err := decode.Payload[chat.MessagePayload](f.Payload)
	if err != nil {
		return errs.ErrBadPayload.WithDetail(err.Error())
	}
	if p.Content == "" {
		return errs.ErrBadPayload.WithDetail("missing content")
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	msgID := ""
	createdAt := time.Now().UTC()
	if store := c.S.Store(); store != nil {
		convID := strings.TrimPrefix(group, chat.ConvGroupPrefix)
		m, serr := store.SaveMessage(ctx, convID, wc.Identity.UserID, p.Content, p.Attachment)
		if serr != nil {
			logger.Errorf("[Store] save message failed group=%s user=%s: %v", group, wc.Identity.UserID, serr)
			return errs.ErrStoreFailed
		}
		msgID = m.ID
		createdAt = m.CreatedAt
		c.S.Archive().Publish(m)
	}

	out := chat.BuildMessage(group, msgID, wc.Identity.UserID, p.Content, p.Attachment, createdAt)
	return c.S.PublishToGroup(ctx, group, wc.ConnID, f.Echo, out)
}
