package bus

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// DeliverFunc receives every payload published to the subscribed group,
// including payloads published on other gateway instances. It must not block;
// sessions enqueue into their send channel and drop on overflow.
type DeliverFunc func(group string, data []byte)

// Subscription is the handle returned by Subscribe; pass it back to
// Unsubscribe. Backends share the local subscription table, so the handle
// shape is common.
type Subscription struct {
	group string
	id    int64
	fn    DeliverFunc
}

func (s *Subscription) Group() string { return s.group }

// Bus is the broadcast layer: publish to a named group, deliver to every
// subscriber of that group on every instance. At-most-once, publish order
// preserved per publisher.
type Bus interface {
	Publish(ctx context.Context, group string, data []byte) error
	Subscribe(group string, fn DeliverFunc) (*Subscription, error)
	Unsubscribe(sub *Subscription) error
	// Degraded reports broker unavailability: local delivery keeps working,
	// cross-instance delivery is down.
	Degraded() bool
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Kind     string // "memory", "redis", "nats"
	Endpoint string // broker endpoint for networked backends
	Origin   string // this gateway's id, used to suppress echo of own publishes
}

// New builds the backend named by cfg.Kind. Networked backends that cannot
// reach the broker still construct successfully and run degraded until the
// broker comes back; only a misconfigured kind is an error.
func New(cfg Config) (Bus, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(cfg)
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, errors.Errorf("unknown bus kind: %s", cfg.Kind)
}

// envelope is the inter-instance wire frame. Origin lets an instance skip
// frames it already fanned out locally at publish time.
type envelope struct {
	Origin string          `json:"origin"`
	Group  string          `json:"group"`
	Data   json.RawMessage `json:"data"`
}

func encodeEnvelope(origin, group string, data []byte) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, Group: group, Data: data})
}

func decodeEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "decode bus envelope")
	}
	return &env, nil
}

const topicPrefix = "chat."

func topicOf(group string) string { return topicPrefix + group }
