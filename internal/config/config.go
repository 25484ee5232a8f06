// Package config loads feedsim settings from the environment.
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

var (
	Providers = []string{"none", "ristretto", "bigcache", "redis"}
	Codecs    = []string{"json", "msgpack", "cbor", "protobuf"}
	Stales    = []string{"local", "redis"}
	Backends  = []string{"zap", "logrus", "slog", "zerolog"}
)

// Config is the simulator configuration. Flags of cmd/feedsim override it.
type Config struct {
	Namespace string `env:"FEEDSIM_NAMESPACE" envDefault:"feedsim"`
	UserID    string `env:"FEEDSIM_USER"      envDefault:"u-demo"`

	Provider  string        `env:"FEEDSIM_PROVIDER"   envDefault:"ristretto"`
	Codec     string        `env:"FEEDSIM_CODEC"      envDefault:"json"`
	Stale     string        `env:"FEEDSIM_STALE"      envDefault:"local"`
	RedisAddr string        `env:"FEEDSIM_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	MirrorTTL time.Duration `env:"FEEDSIM_MIRROR_TTL" envDefault:"1h"`

	// Gateway behavior.
	Latency  time.Duration `env:"FEEDSIM_LATENCY"   envDefault:"50ms"`
	FailRate float64       `env:"FEEDSIM_FAIL_RATE" envDefault:"0"`
	PageSize int           `env:"FEEDSIM_PAGE_SIZE" envDefault:"20"`

	GuardRestores bool `env:"FEEDSIM_GUARD_RESTORES"`
	Strict        bool `env:"FEEDSIM_STRICT"`

	Workers    int    `env:"FEEDSIM_WORKERS"     envDefault:"2"`
	LogLevel   string `env:"FEEDSIM_LOG_LEVEL"   envDefault:"info"`
	LogBackend string `env:"FEEDSIM_LOG_BACKEND" envDefault:"zap"`
	Metrics    bool   `env:"FEEDSIM_METRICS"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Namespace == "":
		return fmt.Errorf("namespace must not be empty")
	case !slices.Contains(Providers, c.Provider):
		return fmt.Errorf("invalid provider %q: must be one of %v", c.Provider, Providers)
	case !slices.Contains(Codecs, c.Codec):
		return fmt.Errorf("invalid codec %q: must be one of %v", c.Codec, Codecs)
	case !slices.Contains(Stales, c.Stale):
		return fmt.Errorf("invalid stale backend %q: must be one of %v", c.Stale, Stales)
	case !slices.Contains(Backends, c.LogBackend):
		return fmt.Errorf("invalid log backend %q: must be one of %v", c.LogBackend, Backends)
	case c.FailRate < 0 || c.FailRate > 1:
		return fmt.Errorf("fail rate %v out of [0,1]", c.FailRate)
	case c.PageSize <= 0:
		return fmt.Errorf("page size must be positive")
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive")
	}
	return nil
}

// NeedsRedis reports whether any component talks to Redis.
func (c Config) NeedsRedis() bool { return c.Provider == "redis" || c.Stale == "redis" }
