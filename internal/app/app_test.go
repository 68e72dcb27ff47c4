package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/canvasgpt/cache"
	"github.com/briangreenhill/canvasgpt/internal/anonymize"
	"github.com/briangreenhill/canvasgpt/internal/config"
	"github.com/briangreenhill/canvasgpt/internal/pipeline"
)

func fakeCanvas(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/courses/7/users", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":101,"name":"Jane Doe","email":"jane@example.edu"}]`)
	})
	mux.HandleFunc("/api/v1/courses", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":7,"name":"Biology","course_code":"BIO101"}]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Canvas:  config.CanvasConfig{BaseURL: baseURL, APIToken: "test-token", PerPage: 100, RateBurst: 1},
		Privacy: config.PrivacyConfig{Enabled: true, Label: "Student"},
		Cache: config.CacheConfig{
			Backend:    config.BackendMemory,
			CourseTTL:  time.Hour,
			UserTTL:    15 * time.Minute,
			DefaultTTL: 5 * time.Minute,
		},
		Retry: config.RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			AttemptTimeout: 5 * time.Second,
		},
	}
}

func newApp(t *testing.T, cfg *config.Config) (*App, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	a, err := New(context.Background(), cfg, zerolog.New(&logs), Options{NoWarmer: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, &logs
}

func usersDescriptor() pipeline.Descriptor {
	return pipeline.Descriptor{Path: "/courses/7/users", Resource: anonymize.ResourceUser, Category: cache.CategoryUser}
}

func TestNewWiresPipeline(t *testing.T) {
	srv := fakeCanvas(t)
	a, logs := newApp(t, testConfig(srv.URL))

	assert.Contains(t, logs.String(), "PRIVACY_SALT is not set")
	assert.Len(t, a.Tools.List(), 6)

	res, err := a.Pipeline.Get(context.Background(), usersDescriptor(), 0)
	require.NoError(t, err)
	user := res.Data.([]any)[0].(map[string]any)
	assert.Regexp(t, `^Student_[0-9a-f]{8}$`, user["name"])

	out, err := a.Tools.Call(context.Background(), "list_courses", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "Code: BIO101")
}

func TestStableSaltGivesStablePseudonyms(t *testing.T) {
	srv := fakeCanvas(t)
	cfg := testConfig(srv.URL)
	cfg.Privacy.Salt = "fixed-salt"

	first, logs := newApp(t, cfg)
	assert.NotContains(t, logs.String(), "PRIVACY_SALT is not set")
	second, _ := newApp(t, cfg)

	r1, err := first.Pipeline.Get(context.Background(), usersDescriptor(), 0)
	require.NoError(t, err)
	r2, err := second.Pipeline.Get(context.Background(), usersDescriptor(), 0)
	require.NoError(t, err)
	assert.Equal(t, r1.Data, r2.Data)
	assert.Equal(t, first.Mapper.Epoch(), second.Mapper.Epoch())
}

func TestDebugForcesRandomSalt(t *testing.T) {
	srv := fakeCanvas(t)
	cfg := testConfig(srv.URL)
	cfg.Privacy.Salt = "fixed-salt"
	cfg.Privacy.Debug = true

	first, logs := newApp(t, cfg)
	second, _ := newApp(t, cfg)
	assert.Contains(t, logs.String(), "PRIVACY_DEBUG")
	assert.NotEqual(t, first.Mapper.Epoch(), second.Mapper.Epoch())
}

func TestPrivacyDisabledPassesThrough(t *testing.T) {
	srv := fakeCanvas(t)
	cfg := testConfig(srv.URL)
	cfg.Privacy.Enabled = false

	a, logs := newApp(t, cfg)
	assert.Contains(t, logs.String(), "PRIVACY_ENABLED=false")

	res, err := a.Pipeline.Get(context.Background(), usersDescriptor(), 0)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", res.Data.([]any)[0].(map[string]any)["name"])
}

func TestFileBackendAndRulesFile(t *testing.T) {
	srv := fakeCanvas(t)
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte("rules:\n  - name: email\n    pattern: '[a-z]+@[a-z.]+'\n    strategy: redact\n"), 0o600))

	cfg := testConfig(srv.URL)
	cfg.Cache.Backend = config.BackendFile
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Privacy.RulesFile = rules

	a, _ := newApp(t, cfg)
	_, err := a.Pipeline.Get(context.Background(), usersDescriptor(), 0)
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.Cache.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewFailsOnBadRulesFile(t *testing.T) {
	cfg := testConfig("https://canvas.example.edu")
	cfg.Privacy.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, zerolog.Nop(), Options{NoWarmer: true})
	require.Error(t, err)
}

func TestPrivacyDisabledKeepsFileCacheEmpty(t *testing.T) {
	srv := fakeCanvas(t)
	cfg := testConfig(srv.URL)
	cfg.Privacy.Enabled = false
	cfg.Cache.Backend = config.BackendFile
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")

	a, logs := newApp(t, cfg)
	assert.Contains(t, logs.String(), "privacy disabled, caching in memory only")
	assert.Equal(t, "raw", a.Cache.Scope())

	_, err := a.Pipeline.Get(context.Background(), usersDescriptor(), 0)
	require.NoError(t, err)
	_, err = os.Stat(cfg.Cache.Dir)
	assert.True(t, os.IsNotExist(err), "no raw response may be written to disk")
}

func TestCacheScopeFollowsSalt(t *testing.T) {
	srv := fakeCanvas(t)
	cfg := testConfig(srv.URL)
	cfg.Privacy.Salt = "fixed-salt"

	a, _ := newApp(t, cfg)
	assert.Equal(t, "anon:"+a.Mapper.Epoch(), a.Cache.Scope())
}
