package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the environment-driven configuration of a standalone relay.
// Embedders usually skip it and pass options to New directly.
type Config struct {
	// RedisAddr selects the Redis bus and patch index. Empty means in-memory.
	RedisAddr string `env:"RELAY_REDIS_ADDR"`
	// KeyPrefix prefixes every Redis key the relay writes.
	KeyPrefix string `env:"RELAY_KEY_PREFIX,default=relay:"`
	// LogDir holds recorded logs and their patch files.
	LogDir string `env:"RELAY_LOG_DIR,default=./domainSessions"`

	HeartbeatTimeout time.Duration `env:"RELAY_HEARTBEAT_TIMEOUT,default=10s"`
	RemovalGrace     time.Duration `env:"RELAY_REMOVAL_GRACE,default=5s"`
	GatewayTimeout   time.Duration `env:"RELAY_GATEWAY_TIMEOUT,default=30s"`
	KeepAlive        time.Duration `env:"RELAY_KEEPALIVE,default=1s"`
	EntityTimeout    time.Duration `env:"RELAY_ENTITY_TIMEOUT,default=30s"`
	DedupWindow      int           `env:"RELAY_DEDUP_WINDOW,default=4096"`

	LogLevel string `env:"RELAY_LOG_LEVEL,default=info"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPEnabled  bool   `env:"RELAY_OTEL_ENABLED,default=true"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode relay config: %w", err)
	}
	return cfg, nil
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Options turns the tunables into engine options.
func (c Config) Options() []Option {
	return []Option{
		WithHeartbeatTimeout(c.HeartbeatTimeout),
		WithRemovalGrace(c.RemovalGrace),
		WithGatewayTimeout(c.GatewayTimeout),
		WithKeepAlive(c.KeepAlive),
		WithEntityTimeout(c.EntityTimeout),
		WithDedupWindow(c.DedupWindow),
	}
}
