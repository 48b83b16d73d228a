package chat

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"ChatGateway/logger"
	"ChatGateway/tools/errs"
)

// Connection lifecycle states. Only connecting may skip ahead to closing (on
// handshake failure); every state may move to closing on transport error or
// explicit close.
const (
	StateConnecting int32 = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

type ManagerConf struct {
	IdleTTL    time.Duration // close after this much inbound silence
	SweepEvery time.Duration
	Clock      func() time.Time // injectable clock for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 300 * time.Second
	}
}

// WsConn is one live client connection. Owned exclusively by its session: the
// reader goroutine mutates per-frame state, the writer goroutine owns every
// socket write, the manager holds it only for lookup and idle sweeping.
type WsConn struct {
	ConnID   string
	Identity *Identity
	Conn     *websocket.Conn
	Remote   net.Addr

	CreatedAt time.Time
	SendChan  chan []byte

	state     atomic.Int32
	heartbeat atomic.Int64 // unix nano of last inbound activity

	closing   chan struct{} // closed when teardown starts
	done      chan struct{} // closed when the writer exits
	closeCode atomic.Int32
	closeFn   func(code int, reason string)
	teardown  sync.Once

	mu     sync.Mutex
	joined map[string]struct{}
}

func newWsConn(connID string, ws *websocket.Conn, sendBuffer int, now time.Time) *WsConn {
	wc := &WsConn{
		ConnID:    connID,
		Conn:      ws,
		CreatedAt: now,
		SendChan:  make(chan []byte, sendBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		joined:    make(map[string]struct{}),
	}
	if ra := ws.RemoteAddr(); ra != nil {
		wc.Remote = ra
	}
	wc.state.Store(StateConnecting)
	wc.heartbeat.Store(now.UnixNano())
	wc.closeCode.Store(CloseNormal)
	return wc
}

func (wc *WsConn) State() int32     { return wc.state.Load() }
func (wc *WsConn) setState(s int32) { wc.state.Store(s) }

func (wc *WsConn) TouchHeartbeat(t time.Time) { wc.heartbeat.Store(t.UnixNano()) }
func (wc *WsConn) LastActivity() time.Time    { return time.Unix(0, wc.heartbeat.Load()) }

// Enqueue hands a payload to the writer without blocking. Returns false when
// the connection is tearing down or the client cannot keep up; the caller
// decides whether the drop is worth a log line.
func (wc *WsConn) Enqueue(data []byte) bool {
	if wc.State() >= StateClosing {
		return false
	}
	select {
	case <-wc.closing:
		return false
	case wc.SendChan <- data:
		return true
	default:
		return false
	}
}

// SendError enqueues an error event; protocol and authorization failures are
// surfaced this way, never by closing the connection.
func (wc *WsConn) SendError(ce *errs.CodeError) bool {
	return wc.Enqueue(BuildError(ce).Encode())
}

// Close asks the owning session to tear the connection down. Safe from any
// goroutine, idempotent.
func (wc *WsConn) Close(code int, reason string) {
	if fn := wc.closeFn; fn != nil {
		fn(code, reason)
	}
}

func (wc *WsConn) trackJoin(group string) {
	wc.mu.Lock()
	wc.joined[group] = struct{}{}
	wc.mu.Unlock()
}

func (wc *WsConn) dropJoin(group string) {
	wc.mu.Lock()
	delete(wc.joined, group)
	wc.mu.Unlock()
}

func (wc *WsConn) IsJoined(group string) bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	_, ok := wc.joined[group]
	return ok
}

func (wc *WsConn) JoinedCount() int {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return len(wc.joined)
}

func (wc *WsConn) JoinedGroups() []string {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	out := make([]string, 0, len(wc.joined))
	for g := range wc.joined {
		out = append(out, g)
	}
	return out
}

// ConnManager indexes live connections by conn id and user id and sweeps idle
// ones. It never owns teardown; it asks the session via WsConn.Close.
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*WsConn
	byUser map[string]map[string]*WsConn

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
	gwID     string
}

func NewConnManager(conf ManagerConf, gwID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byConn: make(map[string]*WsConn),
		byUser: make(map[string]map[string]*WsConn),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

func (m *ConnManager) Clock() func() time.Time { return m.conf.Clock }

// Add registers an authenticated connection.
func (m *ConnManager) Add(wc *WsConn) error {
	if wc == nil || wc.Identity == nil {
		return errors.New("conn without identity")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byConn[wc.ConnID]; exists {
		return errors.Errorf("conn id exists: %s", wc.ConnID)
	}
	m.byConn[wc.ConnID] = wc
	user := wc.Identity.UserID
	mm := m.byUser[user]
	if mm == nil {
		mm = make(map[string]*WsConn)
		m.byUser[user] = mm
	}
	mm[wc.ConnID] = wc
	return nil
}

func (m *ConnManager) GetByConn(connID string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wc, ok := m.byConn[connID]
	return wc, ok
}

// ListUserConns returns all of a user's connections (multi-device).
func (m *ConnManager) ListUserConns(user string) []*WsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[user]
	out := make([]*WsConn, 0, len(mm))
	for _, wc := range mm {
		out = append(out, wc)
	}
	return out
}

// Remove drops the indexes only; the id is free for an unrelated future
// connection once this returns.
func (m *ConnManager) Remove(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc, ok := m.byConn[connID]
	if !ok {
		return
	}
	delete(m.byConn, connID)
	if wc.Identity != nil {
		user := wc.Identity.UserID
		if mm := m.byUser[user]; mm != nil {
			delete(mm, connID)
			if len(mm) == 0 {
				delete(m.byUser, user)
			}
		}
	}
}

func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

// CloseAll initiates teardown of every connection (server shutdown).
func (m *ConnManager) CloseAll(code int, reason string) {
	m.mu.RLock()
	conns := make([]*WsConn, 0, len(m.byConn))
	for _, wc := range m.byConn {
		conns = append(conns, wc)
	}
	m.mu.RUnlock()

	for _, wc := range conns {
		wc.Close(code, reason)
	}
}

func (m *ConnManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) {
	var idle []*WsConn
	m.mu.RLock()
	for _, wc := range m.byConn {
		if wc.State() >= StateClosing {
			continue
		}
		if now.Sub(wc.LastActivity()) > m.conf.IdleTTL {
			idle = append(idle, wc)
		}
	}
	m.mu.RUnlock()

	// close outside the lock; teardown re-enters the manager via Remove
	for _, wc := range idle {
		logger.Infof("[WS] idle sweep conn=%s user=%s last=%s",
			wc.ConnID, wc.userID(), wc.LastActivity().Format(time.RFC3339))
		wc.Close(CloseIdleTimeout, "idle_timeout")
	}
}

func (wc *WsConn) userID() string {
	if wc.Identity == nil {
		return ""
	}
	return wc.Identity.UserID
}
