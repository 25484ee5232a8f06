package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "feedsim", cfg.Namespace)
	assert.Equal(t, "ristretto", cfg.Provider)
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, 50*time.Millisecond, cfg.Latency)
	assert.Equal(t, "zap", cfg.LogBackend)
	assert.False(t, cfg.NeedsRedis())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEEDSIM_PROVIDER", "bigcache")
	t.Setenv("FEEDSIM_CODEC", "cbor")
	t.Setenv("FEEDSIM_STALE", "redis")
	t.Setenv("FEEDSIM_FAIL_RATE", "0.25")
	t.Setenv("FEEDSIM_GUARD_RESTORES", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bigcache", cfg.Provider)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.InDelta(t, 0.25, cfg.FailRate, 1e-9)
	assert.True(t, cfg.GuardRestores)
	assert.True(t, cfg.NeedsRedis())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"FEEDSIM_PROVIDER":    "memcached",
		"FEEDSIM_CODEC":       "xml",
		"FEEDSIM_FAIL_RATE":   "2",
		"FEEDSIM_PAGE_SIZE":   "0",
		"FEEDSIM_LOG_BACKEND": "glog",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			_, err := Load()
			assert.Error(t, err)
		})
	}

	t.Run("unparseable duration", func(t *testing.T) {
		t.Setenv("FEEDSIM_LATENCY", "soon")
		_, err := Load()
		assert.ErrorContains(t, err, "parse env")
	})
}
