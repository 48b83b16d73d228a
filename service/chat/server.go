package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"ChatGateway/global"
	"ChatGateway/logger"
	"ChatGateway/service/bus"
	"ChatGateway/service/storage"
	"ChatGateway/tools/errs"
)

// Group-name prefixes. user_<id> is the implicit per-user default group for
// direct delivery; conv_<id> maps onto a conversation and is authorized;
// anything else is an open channel for any authenticated user.
const (
	UserGroupPrefix = "user_"
	ConvGroupPrefix = "conv_"
)

func UserGroup(userID string) string { return UserGroupPrefix + userID }
func ConvGroup(convID string) string { return ConvGroupPrefix + convID }

// Deps are the collaborators the gateway core consumes but does not own.
// Store, Presence and Archive are optional; Bus and Verifier are not.
type Deps struct {
	Bus      bus.Bus
	Verifier TokenVerifier
	Store    storage.MessageStore
	Presence *storage.Presence
	Archive  *storage.Archive
}

// Server owns the shared per-instance state: the connection manager, the
// group registry, the handler dispatcher and one bus subscription per group
// with local members.
type Server struct {
	gwID string
	cfg  *global.AppConfig

	mgr  *ConnManager
	reg  *GroupRegistry
	disp *Dispatcher
	deps Deps

	subMu   sync.Mutex
	busSubs map[string]*bus.Subscription
}

func NewServer(cfg *global.AppConfig, deps Deps) (*Server, error) {
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	s := &Server{
		gwID:    cfg.GatewayID,
		cfg:     cfg,
		reg:     NewGroupRegistry(),
		disp:    NewDispatcher(),
		deps:    deps,
		busSubs: make(map[string]*bus.Subscription),
	}
	s.mgr = NewConnManager(ManagerConf{IdleTTL: cfg.IdleTimeout()}, cfg.GatewayID)
	return s, nil
}

func (s *Server) GwID() string                { return s.gwID }
func (s *Server) Conf() *global.AppConfig     { return s.cfg }
func (s *Server) ConnMgr() *ConnManager       { return s.mgr }
func (s *Server) Groups() *GroupRegistry      { return s.reg }
func (s *Server) Disp() *Dispatcher           { return s.disp }
func (s *Server) Bus() bus.Bus                { return s.deps.Bus }
func (s *Server) Store() storage.MessageStore { return s.deps.Store }
func (s *Server) Presence() *storage.Presence { return s.deps.Presence }
func (s *Server) Archive() *storage.Archive   { return s.deps.Archive }

// Authorize decides whether identity may join group. Per-user groups belong
// to their user alone; conversation groups need a token grant or, when a
// store is wired, a participant row; open channels only need authentication.
func (s *Server) Authorize(ctx context.Context, id *Identity, group string) error {
	if id == nil {
		return errs.ErrForbidden
	}
	switch {
	case strings.HasPrefix(group, UserGroupPrefix):
		if group != UserGroup(id.UserID) {
			return errs.ErrForbidden.WithDetail("not your user group")
		}
		return nil
	case strings.HasPrefix(group, ConvGroupPrefix):
		convID := strings.TrimPrefix(group, ConvGroupPrefix)
		for _, grant := range id.Conversations {
			if grant == "*" || grant == convID || grant == group {
				return nil
			}
		}
		if s.deps.Store != nil {
			ok, err := s.deps.Store.IsParticipant(ctx, convID, id.UserID)
			if err != nil {
				logger.Warnf("[Auth] participant lookup failed conv=%s user=%s: %v", convID, id.UserID, err)
				return errs.ErrForbidden.WithDetail("membership check failed")
			}
			if ok {
				return nil
			}
		}
		return errs.ErrForbidden
	default:
		return nil
	}
}

// JoinGroup adds the connection to group: registry first, then the shared
// per-instance bus subscription, then the session's own bookkeeping.
// Idempotent.
func (s *Server) JoinGroup(wc *WsConn, group string) {
	s.reg.Join(group, wc.ConnID)
	wc.trackJoin(group)
	// teardown sets closing before it purges, so a join that lost the race
	// lands after PurgeConnection and would stay forever; undo it here
	if wc.State() >= StateClosing {
		s.reg.Leave(group, wc.ConnID)
		wc.dropJoin(group)
	}
	s.syncGroupSub(group)
}

// LeaveGroup is the inverse; a leave of a non-joined group is a no-op.
func (s *Server) LeaveGroup(wc *WsConn, group string) {
	s.reg.Leave(group, wc.ConnID)
	wc.dropJoin(group)
	s.syncGroupSub(group)
}

// syncGroupSub reconciles the instance's broker subscription for group with
// the registry: subscribed iff the group has local members. Serialized so
// racing join/leave/purge on the same group cannot strand a subscription.
func (s *Server) syncGroupSub(group string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	n := s.reg.MemberCount(group)
	cur := s.busSubs[group]
	switch {
	case n > 0 && cur == nil:
		sub, err := s.deps.Bus.Subscribe(group, s.deliverGroup)
		if err != nil {
			logger.Errorf("[Bus] subscribe group=%s: %v", group, err)
			return
		}
		s.busSubs[group] = sub
	case n == 0 && cur != nil:
		if err := s.deps.Bus.Unsubscribe(cur); err != nil {
			logger.Warnf("[Bus] unsubscribe group=%s: %v", group, err)
		}
		delete(s.busSubs, group)
	}
}

// deliverGroup is the bus delivery path: fan the frame out to every local
// member, skipping the sender's own copy unless it asked for the echo.
func (s *Server) deliverGroup(group string, data []byte) {
	var ev groupEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Warnf("[Bus] drop malformed group event group=%s: %v", group, err)
		return
	}
	for _, connID := range s.reg.MembersOf(group) {
		if connID == ev.Sender && !ev.Echo {
			continue
		}
		wc, ok := s.mgr.GetByConn(connID)
		if !ok {
			continue // purged between snapshot and lookup
		}
		if !wc.Enqueue(ev.Frame) {
			logger.Warnf("[WS] drop event conn=%s group=%s (backpressure or closing)", connID, group)
		}
	}
}

// PublishToGroup wraps the frame in a group event and hands it to the bus.
// sender is excluded from its own delivery unless echo is set.
func (s *Server) PublishToGroup(ctx context.Context, group, sender string, echo bool, f *Frame) error {
	ev, err := json.Marshal(groupEvent{Sender: sender, Echo: echo, Frame: f.Encode()})
	if err != nil {
		return errors.Wrap(err, "encode group event")
	}
	return s.deps.Bus.Publish(ctx, group, ev)
}

// NotifyUser publishes a frame to a user's default group (direct delivery to
// every device, on any instance).
func (s *Server) NotifyUser(ctx context.Context, userID string, f *Frame) error {
	return s.PublishToGroup(ctx, UserGroup(userID), "", false, f)
}

// Stats for the operational endpoint.
type Stats struct {
	GatewayID   string `json:"gateway_id"`
	Connections int    `json:"connections"`
	Groups      int    `json:"groups"`
	BusDegraded bool   `json:"bus_degraded"`
}

func (s *Server) Stats() Stats {
	return Stats{
		GatewayID:   s.gwID,
		Connections: s.mgr.Count(),
		Groups:      s.reg.GroupCount(),
		BusDegraded: s.deps.Bus.Degraded(),
	}
}

// Shutdown closes every connection with the going-away code and stops the
// sweeper. The bus and stores are closed by main, which owns them.
func (s *Server) Shutdown() {
	s.mgr.CloseAll(CloseShutdown, "server_shutdown")
	s.mgr.Stop()
}
