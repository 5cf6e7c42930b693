package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, BackendFS, cfg.Backend)
	assert.Equal(t, BackendFS, cfg.QueryBackend)
	assert.Equal(t, "statements", cfg.Target)
	assert.Equal(t, 500, cfg.MaxBatch)
	assert.Equal(t, 100, cfg.PageLimit)
	assert.Equal(t, 1000, cfg.MaxPageLimit)
	assert.Equal(t, 24*time.Hour, cfg.TokenExpiration)
	assert.Equal(t, 30*time.Second, cfg.AuthCacheTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.MCPEnabled)
	assert.Zero(t, cfg.RateLimit)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RECITAL_PORT", "9999")
	t.Setenv("RECITAL_BACKEND", BackendMongo)
	t.Setenv("RECITAL_TARGET", "learning")
	t.Setenv("RECITAL_MAX_BATCH", "50")
	t.Setenv("RECITAL_AUTH_CACHE_TTL", "5m")
	t.Setenv("RECITAL_ES_ADDRESSES", "http://es1:9200, http://es2:9200")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, BackendMongo, cfg.Backend)
	assert.Equal(t, "learning", cfg.Target)
	assert.Equal(t, 50, cfg.MaxBatch)
	assert.Equal(t, 5*time.Minute, cfg.AuthCacheTTL)
	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.ESAddresses)
}

func TestLoad_QueryBackendDefaultsToBackend(t *testing.T) {
	t.Setenv("RECITAL_BACKEND", BackendPostgres)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.QueryBackend)
}

func TestLoad_SplitBackends(t *testing.T) {
	t.Setenv("RECITAL_BACKEND", BackendPostgres)
	t.Setenv("RECITAL_QUERY_BACKEND", BackendES)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, BackendES, cfg.QueryBackend)
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("RECITAL_PORT", "not-a-number")
	t.Setenv("RECITAL_READ_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Backend:             BackendFS,
		QueryBackend:        BackendFS,
		Target:              "statements",
		MaxBatch:            500,
		PageLimit:           100,
		MaxPageLimit:        1000,
		MaxRequestBodyBytes: 1 << 20,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "redis" }},
		{"unknown query backend", func(c *Config) { c.QueryBackend = "redis" }},
		{"empty target", func(c *Config) { c.Target = "" }},
		{"zero batch", func(c *Config) { c.MaxBatch = 0 }},
		{"zero page limit", func(c *Config) { c.PageLimit = 0 }},
		{"page limit above cap", func(c *Config) { c.PageLimit = 2000 }},
		{"zero body cap", func(c *Config) { c.MaxRequestBodyBytes = 0 }},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }},
		{"limiting on without burst", func(c *Config) { c.RateLimit = 10; c.RateBurst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
