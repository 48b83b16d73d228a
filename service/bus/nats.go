package bus

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"ChatGateway/logger"
)

const (
	natsReconnectWait = 500 * time.Millisecond
	natsTimeout       = 3 * time.Second
)

// NATSBus: networked backend over core NATS subjects. Same split as RedisBus:
// local fan-out at publish time through the embedded MemoryBus, broker leg for
// other instances only. nats.go owns reconnect and subscription restore; a
// ReconnectHandler just clears degraded mode.
type NATSBus struct {
	local  *MemoryBus
	nc     *nats.Conn
	origin string

	mu   sync.Mutex // guards refs/subs
	refs map[string]int
	subs map[string]*nats.Subscription
}

func NewNATSBus(cfg Config) (*NATSBus, error) {
	b := &NATSBus{
		local:  NewMemoryBus(),
		origin: cfg.Origin,
		refs:   make(map[string]int),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name("chat-gateway-" + cfg.Origin),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(natsTimeout),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[Bus] nats lost, degraded to local-only: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[Bus] nats reconnected to %s, cross-instance delivery restored", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(cfg.Endpoint, opts...)
	if err != nil {
		// RetryOnFailedConnect keeps dialing in the background for most
		// errors; anything else (bad URL) is a real construction failure.
		return nil, err
	}
	b.nc = nc
	if !nc.IsConnected() {
		logger.Warnf("[Bus] nats unreachable at startup, running degraded")
	}
	return b, nil
}

func (b *NATSBus) Publish(ctx context.Context, group string, data []byte) error {
	b.local.dispatch(group, data)

	env, err := encodeEnvelope(b.origin, group, data)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(topicOf(group), env); err != nil {
		logger.Warnf("[Bus] nats publish failed group=%s, local-only: %v", group, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(group string, fn DeliverFunc) (*Subscription, error) {
	sub, err := b.local.Subscribe(group, fn)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[group]++
	if b.refs[group] == 1 {
		ns, serr := b.nc.Subscribe(topicOf(group), func(msg *nats.Msg) {
			env, derr := decodeEnvelope(msg.Data)
			if derr != nil {
				logger.Warnf("[Bus] drop malformed broker frame subject=%s: %v", msg.Subject, derr)
				return
			}
			if env.Origin == b.origin {
				return
			}
			b.local.dispatch(env.Group, env.Data)
		})
		if serr != nil {
			logger.Warnf("[Bus] nats subscribe failed group=%s, local-only: %v", group, serr)
		} else {
			b.subs[group] = ns
		}
	}
	return sub, nil
}

func (b *NATSBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	if err := b.local.Unsubscribe(sub); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[sub.group]--
	if b.refs[sub.group] <= 0 {
		delete(b.refs, sub.group)
		if ns := b.subs[sub.group]; ns != nil {
			if err := ns.Unsubscribe(); err != nil {
				logger.Warnf("[Bus] nats unsubscribe failed group=%s: %v", sub.group, err)
			}
			delete(b.subs, sub.group)
		}
	}
	return nil
}

func (b *NATSBus) Degraded() bool {
	return !b.nc.IsConnected()
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	for g, ns := range b.subs {
		_ = ns.Drain()
		delete(b.subs, g)
	}
	b.mu.Unlock()
	_ = b.local.Close()
	b.nc.Close()
	return nil
}
