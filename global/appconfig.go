package global

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// AppConfig is the full deployment configuration of one gateway instance.
// Durations are seconds in the file; zero values are normalized by norm().
type AppConfig struct {
	GatewayID string `toml:"gateway_id"`
	NodeID    int64  `toml:"node_id"` // snowflake node, 0~1023
	Port      int    `toml:"port"`

	// Broker selects the Broadcast Bus backend explicitly ("memory", "redis",
	// "nats"); when empty the endpoint decides: no endpoint means the
	// in-process backend, otherwise the scheme (redis:// or nats://).
	Broker         string `toml:"broker"`
	BrokerEndpoint string `toml:"broker_endpoint"`

	IdleTimeoutSec       int `toml:"idle_timeout"`
	HandshakeTimeoutSec  int `toml:"handshake_timeout"`
	HeartbeatIntervalSec int `toml:"heartbeat_interval"`
	MaxGroupsPerConn     int `toml:"max_groups_per_connection"`
	SendBuffer           int `toml:"send_buffer"`

	JWTSecret string `toml:"jwt_secret"`

	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Kafka    KafkaConfig    `toml:"kafka"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

type KafkaConfig struct {
	Brokers      []string `toml:"brokers"`
	ArchiveTopic string   `toml:"archive_topic"`
}

// Load reads the TOML file at path (empty path => defaults only) and applies
// env overrides before normalizing.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "load config %s", path)
		}
	}
	cfg.applyEnv()
	cfg.norm()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("GATEWAY_ID"); v != "" {
		c.GatewayID = v
	}
	if v := os.Getenv("BROKER"); v != "" {
		c.Broker = v
	}
	if v := os.Getenv("BROKER_ENDPOINT"); v != "" {
		c.BrokerEndpoint = v
	}
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
}

func (c *AppConfig) norm() {
	if c.GatewayID == "" {
		c.GatewayID = "msg_gw-1"
	}
	if c.NodeID <= 0 {
		c.NodeID = 1
	}
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.IdleTimeoutSec <= 0 {
		c.IdleTimeoutSec = 300
	}
	if c.HandshakeTimeoutSec <= 0 {
		c.HandshakeTimeoutSec = 10
	}
	if c.HeartbeatIntervalSec <= 0 {
		c.HeartbeatIntervalSec = 25
	}
	if c.MaxGroupsPerConn <= 0 {
		c.MaxGroupsPerConn = 128
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.JWTSecret == "" {
		// dev fallback, override via GATEWAY_JWT_SECRET in production
		c.JWTSecret = "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o="
	}
	if c.Kafka.ArchiveTopic == "" {
		c.Kafka.ArchiveTopic = "chat.messages.archive"
	}
}

func (c *AppConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

func (c *AppConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

func (c *AppConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// BrokerKind maps the explicit broker option, or failing that the endpoint
// scheme, onto a bus backend name.
func (c *AppConfig) BrokerKind() string {
	if k := strings.TrimSpace(c.Broker); k != "" {
		return k
	}
	ep := strings.TrimSpace(c.BrokerEndpoint)
	switch {
	case ep == "":
		return "memory"
	case strings.HasPrefix(ep, "nats://"):
		return "nats"
	default:
		return "redis"
	}
}
