package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Presence tracks which users are online across gateway instances. Per
// connection one volatile session key (expires on its own if the gateway
// dies) plus a per-user set used to tell "last connection went away" from
// "one of several devices disconnected".
type Presence struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewPresence(rdb *redis.Client, nodeID string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Presence{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

func (p *Presence) sessionKey(userID, connID string) string {
	return fmt.Sprintf("gw:%s:u:%s:c:%s", p.nodeID, userID, connID)
}

func (p *Presence) userKey(userID string) string {
	return fmt.Sprintf("gw:online:u:%s", userID)
}

// Online registers a connection for userID.
func (p *Presence) Online(ctx context.Context, userID, connID string) error {
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, p.sessionKey(userID, connID), "1", p.ttl)
	pipe.SAdd(ctx, p.userKey(userID), connID)
	pipe.Expire(ctx, p.userKey(userID), p.ttl*2)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence online")
}

// Touch renews the session on heartbeat.
func (p *Presence) Touch(ctx context.Context, userID, connID string) error {
	pipe := p.rdb.TxPipeline()
	pipe.Expire(ctx, p.sessionKey(userID, connID), p.ttl)
	pipe.Expire(ctx, p.userKey(userID), p.ttl*2)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence touch")
}

// Offline removes the connection and reports whether it was the user's last
// one (the caller broadcasts user_status offline only then).
func (p *Presence) Offline(ctx context.Context, userID, connID string) (last bool, err error) {
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, p.sessionKey(userID, connID))
	pipe.SRem(ctx, p.userKey(userID), connID)
	card := pipe.SCard(ctx, p.userKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "presence offline")
	}
	return card.Val() == 0, nil
}

// IsOnline reports whether userID has any live connection on any instance.
func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := p.rdb.SCard(ctx, p.userKey(userID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "presence lookup")
	}
	return n > 0, nil
}
