package handlers

import (
	"context"
	"time"

	"ChatGateway/logger"
	"ChatGateway/service/chat"
	"ChatGateway/tools/errs"
)

// JoinHandler adds the connection to a named group after authorization.
// Joining a group twice is a success, not an error.
type JoinHandler struct{}

func NewJoinHandler() chat.Handler { return &JoinHandler{} }

func (h *JoinHandler) Type() string { return chat.TypeJoin }

func (h *JoinHandler) Handle(c *chat.Context, f *chat.Frame, wc *chat.WsConn) error {
	group := f.GroupName()
	if group == "" {
		return errs.ErrBadPayload.WithDetail("missing group")
	}

	if !wc.IsJoined(group) && wc.JoinedCount() >= c.S.Conf().MaxGroupsPerConn {
		return errs.ErrTooManyGroups
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.S.Authorize(ctx, wc.Identity, group); err != nil {
		return err
	}

	c.S.JoinGroup(wc, group)
	if !wc.Enqueue(chat.BuildGroupJoined(group).Encode()) {
		logger.Warnf("[WS] drop group_joined conn=%s group=%s", wc.ConnID, group)
	}
	return nil
}

// LeaveHandler removes the connection from a group; leaving a group it never
// joined is a no-op.
type LeaveHandler struct{}

func NewLeaveHandler() chat.Handler { return &LeaveHandler{} }

func (h *LeaveHandler) Type() string { return chat.TypeLeave }

func (h *LeaveHandler) Handle(c *chat.Context, f *chat.Frame, wc *chat.WsConn) error {
	group := f.GroupName()
	if group == "" {
		return errs.ErrBadPayload.WithDetail("missing group")
	}

	c.S.LeaveGroup(wc, group)
	if !wc.Enqueue(chat.BuildGroupLeft(group).Encode()) {
		logger.Warnf("[WS] drop group_left conn=%s group=%s", wc.ConnID, group)
	}
	return nil
}
