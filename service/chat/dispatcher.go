package chat

import (
	"sync"
)

// Context is handed to every handler invocation.
type Context struct {
	S *Server
}

// Handler processes one inbound frame type. Handlers run on the connection's
// reader goroutine, so per-connection processing is strictly sequential.
type Handler interface {
	Type() string
	Handle(c *Context, f *Frame, wc *WsConn) error
}

// Dispatcher is the total mapping from frame tag to handler; an unmatched tag
// is reported as unknown_type by the session, never silently dropped.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	d.handlers[h.Type()] = h
	d.mu.Unlock()
}

func (d *Dispatcher) GetHandler(t string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[t]
}
