package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/canvasgpt/cache"
)

// setEnv sets the minimum environment for a valid config.
func setEnv(t *testing.T, extra map[string]string) {
	t.Helper()
	t.Setenv("CANVAS_BASE_URL", "https://canvas.example.edu")
	t.Setenv("CANVAS_API_TOKEN", "test-token")
	for k, v := range extra {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setEnv(t, nil)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 100, cfg.Canvas.PerPage)
	assert.True(t, cfg.Privacy.Enabled)
	assert.False(t, cfg.Privacy.Debug)
	assert.Equal(t, "Student", cfg.Privacy.Label)
	assert.Equal(t, BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, cache.DefaultTTLs(), cfg.Cache.TTLs())
	assert.False(t, cfg.HasRedis())
	assert.False(t, cfg.HasDatabase())
}

func TestLoadOverrides(t *testing.T) {
	setEnv(t, map[string]string{
		"PRIVACY_ENABLED":       "false",
		"PRIVACY_SALT":          "s3cret",
		"PRIVACY_SCRUB_KEYS":    "guardian_name,emergency_contact",
		"CACHE_BACKEND":         "Redis",
		"CACHE_TTL_DISCUSSION":  "30s",
		"REDIS_ADDR":            "localhost:6379",
		"RETRY_MAX_ATTEMPTS":    "3",
		"RETRY_ATTEMPT_TIMEOUT": "5s",
		"CANVAS_RATE_LIMIT":     "2.5",
		"DATABASE_URL":          "postgres://localhost/canvasgpt",
		"LOG_PRETTY":            "true",
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.Privacy.Enabled)
	assert.Equal(t, "s3cret", cfg.Privacy.Salt)
	assert.Equal(t, []string{"guardian_name", "emergency_contact"}, cfg.Privacy.ScrubKeys)
	assert.Equal(t, BackendRedis, cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTLs().For(cache.CategoryDiscussion))
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.AttemptTimeout)
	assert.Equal(t, 2.5, cfg.Canvas.RateLimit)
	assert.True(t, cfg.Log.Pretty)
	assert.True(t, cfg.HasRedis())
	assert.True(t, cfg.HasDatabase())
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	setEnv(t, map[string]string{"RETRY_MAX_BACKOFF": "soon"})

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing base url", map[string]string{"CANVAS_BASE_URL": ""}, "CANVAS_BASE_URL is required"},
		{"relative base url", map[string]string{"CANVAS_BASE_URL": "canvas.example.edu"}, "absolute URL"},
		{"missing token", map[string]string{"CANVAS_API_TOKEN": ""}, "CANVAS_API_TOKEN is required"},
		{"unknown backend", map[string]string{"CACHE_BACKEND": "memcached"}, "CACHE_BACKEND"},
		{"redis without addr", map[string]string{"CACHE_BACKEND": "redis"}, "REDIS_ADDR"},
		{"zero attempts", map[string]string{"RETRY_MAX_ATTEMPTS": "0"}, "RETRY_MAX_ATTEMPTS"},
		{"backoff inverted", map[string]string{"RETRY_INITIAL_BACKOFF": "1m", "RETRY_MAX_BACKOFF": "1s"}, "RETRY_INITIAL_BACKOFF"},
		{"label with underscore", map[string]string{"PRIVACY_LABEL": "Stu_dent"}, "PRIVACY_LABEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			cfg, err := Load()
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
