package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"ChatGateway/logger"
	"ChatGateway/tools/safe"
)

const (
	redisOpTimeout     = 3 * time.Second
	redisRetryBase     = 500 * time.Millisecond
	redisRetryMax      = 30 * time.Second
	redisHealthEvery   = 5 * time.Second
	redisDialTimeoutMS = 2000
)

// RedisBus: networked backend over Redis Pub/Sub. Local fan-out goes through
// the embedded MemoryBus at publish time; the broker leg only carries frames
// to other instances, so the receive loop drops frames tagged with this
// instance's origin. Broker loss degrades to local-only delivery.
type RedisBus struct {
	local  *MemoryBus
	rdb    *redis.Client
	pubsub *redis.PubSub
	origin string

	mu   sync.Mutex // guards refs
	refs map[string]int

	degraded atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRedisBus(cfg Config) (*RedisBus, error) {
	opt, err := parseRedisEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	opt.DialTimeout = redisDialTimeoutMS * time.Millisecond

	rdb := redis.NewClient(opt)
	b := &RedisBus{
		local:  NewMemoryBus(),
		rdb:    rdb,
		pubsub: rdb.Subscribe(context.Background()),
		origin: cfg.Origin,
		refs:   make(map[string]int),
		stop:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	if err := rdb.Ping(ctx).Err(); err != nil {
		b.degraded.Store(true)
		logger.Warnf("[Bus] redis unreachable at startup, running degraded: %v", err)
	}
	cancel()

	safe.Go("redis-bus-recv", b.receiveLoop)
	safe.Go("redis-bus-health", b.healthLoop)
	return b, nil
}

func parseRedisEndpoint(endpoint string) (*redis.Options, error) {
	if strings.Contains(endpoint, "://") {
		return redis.ParseURL(endpoint)
	}
	return &redis.Options{Addr: endpoint}, nil
}

func (b *RedisBus) Publish(ctx context.Context, group string, data []byte) error {
	// Local leg first: same-instance members never depend on the broker.
	b.local.dispatch(group, data)

	env, err := encodeEnvelope(b.origin, group, data)
	if err != nil {
		return err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
	}
	if err := b.rdb.Publish(ctx, topicOf(group), env).Err(); err != nil {
		b.degraded.Store(true)
		logger.Warnf("[Bus] redis publish failed group=%s, local-only: %v", group, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(group string, fn DeliverFunc) (*Subscription, error) {
	sub, err := b.local.Subscribe(group, fn)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.refs[group]++
	first := b.refs[group] == 1
	b.mu.Unlock()

	// one broker subscription per instance per group
	if first {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		if err := b.pubsub.Subscribe(ctx, topicOf(group)); err != nil {
			b.degraded.Store(true)
			logger.Warnf("[Bus] redis subscribe failed group=%s, local-only: %v", group, err)
		}
	}
	return sub, nil
}

func (b *RedisBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	if err := b.local.Unsubscribe(sub); err != nil {
		return err
	}

	b.mu.Lock()
	b.refs[sub.group]--
	last := b.refs[sub.group] <= 0
	if last {
		delete(b.refs, sub.group)
	}
	b.mu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		if err := b.pubsub.Unsubscribe(ctx, topicOf(sub.group)); err != nil {
			logger.Warnf("[Bus] redis unsubscribe failed group=%s: %v", sub.group, err)
		}
	}
	return nil
}

func (b *RedisBus) receiveLoop() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				logger.Warnf("[Bus] drop malformed broker frame topic=%s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == b.origin {
				continue // already fanned out at publish time
			}
			b.local.dispatch(env.Group, env.Data)
		}
	}
}

// healthLoop probes the broker, flipping degraded mode and re-establishing the
// topic subscriptions from the current refcounts after a reconnect.
func (b *RedisBus) healthLoop() {
	backoff := redisRetryBase
	for {
		select {
		case <-b.stop:
			return
		case <-time.After(b.nextProbe(backoff)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		err := b.rdb.Ping(ctx).Err()
		cancel()

		if err != nil {
			if !b.degraded.Swap(true) {
				logger.Warnf("[Bus] redis lost, degraded to local-only: %v", err)
			}
			backoff *= 2
			if backoff > redisRetryMax {
				backoff = redisRetryMax
			}
			continue
		}

		if b.degraded.Swap(false) {
			b.resubscribeAll()
			logger.Infof("[Bus] redis recovered, cross-instance delivery restored")
		}
		backoff = redisRetryBase
	}
}

func (b *RedisBus) nextProbe(backoff time.Duration) time.Duration {
	if b.degraded.Load() {
		return backoff
	}
	return redisHealthEvery
}

func (b *RedisBus) resubscribeAll() {
	b.mu.Lock()
	topics := make([]string, 0, len(b.refs))
	for g := range b.refs {
		topics = append(topics, topicOf(g))
	}
	b.mu.Unlock()

	if len(topics) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := b.pubsub.Subscribe(ctx, topics...); err != nil {
		logger.Warnf("[Bus] redis resubscribe failed: %v", err)
	}
}

func (b *RedisBus) Degraded() bool { return b.degraded.Load() }

func (b *RedisBus) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	_ = b.pubsub.Close()
	_ = b.local.Close()
	return b.rdb.Close()
}
