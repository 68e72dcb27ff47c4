// Package app wires configuration into a ready to use pipeline and tool
// registry. The API server, the worker and the CLI all start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/canvasgpt/cache"
	"github.com/briangreenhill/canvasgpt/canvas"
	"github.com/briangreenhill/canvasgpt/internal/anonymize"
	"github.com/briangreenhill/canvasgpt/internal/config"
	"github.com/briangreenhill/canvasgpt/internal/identity"
	"github.com/briangreenhill/canvasgpt/internal/jobs"
	"github.com/briangreenhill/canvasgpt/internal/metrics"
	"github.com/briangreenhill/canvasgpt/internal/pipeline"
	"github.com/briangreenhill/canvasgpt/internal/scrub"
	"github.com/briangreenhill/canvasgpt/tools"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Mapper   *identity.Mapper
	Filter   *anonymize.Filter
	Client   *canvas.Client
	Cache    *cache.Cache
	Pipeline *pipeline.Pipeline
	Tools    *tools.Registry

	closers []func() error
}

// Options overrides pieces of the wiring, mostly for tests.
type Options struct {
	HTTPClient *http.Client
	Warmer     pipeline.Warmer
	// NoWarmer disables cache warming even when Redis is configured.
	NoWarmer bool
}

// New builds every component from cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (a *App, err error) {
	a = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if a.Mapper, err = a.newMapper(ctx); err != nil {
		return nil, err
	}
	if a.Filter, err = a.newFilter(); err != nil {
		return nil, err
	}
	if a.Client, err = a.newClient(opts.HTTPClient); err != nil {
		return nil, err
	}
	store, err := a.newStore()
	if err != nil {
		return nil, err
	}
	a.Cache = cache.New(store, cache.Options{Logger: log, Metrics: a.Metrics, Scope: a.Filter.Scope()})

	warmer := opts.Warmer
	if warmer == nil && !opts.NoWarmer && cfg.HasRedis() {
		q := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, q.Close)
		warmer = jobs.NewWarmer(q, log)
	}

	a.Pipeline, err = pipeline.New(pipeline.Options{
		Client: a.Client,
		Cache:  a.Cache,
		Filter: a.Filter,
		Mapper: a.Mapper,
		TTLs:   cfg.Cache.TTLs(),
		Warmer: warmer,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	a.Tools = tools.NewRegistry()
	tools.RegisterAll(a.Tools, a.Pipeline, tools.NewCourseResolver(a.Pipeline))
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	if a.Mapper != nil {
		if err := a.Mapper.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// salt picks the pseudonym salt. Debug mode and a missing salt both fall
// back to a random salt, which makes pseudonyms process scoped.
func (a *App) salt() ([]byte, error) {
	p := a.Config.Privacy
	switch {
	case p.Debug:
		a.Log.Warn().Msg("PRIVACY_DEBUG is set: using a random salt, pseudonyms change on every run")
	case p.Salt == "":
		a.Log.Warn().Msg("PRIVACY_SALT is not set: using a random salt, pseudonyms are only stable for this process")
	default:
		return []byte(p.Salt), nil
	}
	return identity.RandomSalt()
}

func (a *App) newMapper(ctx context.Context) (*identity.Mapper, error) {
	salt, err := a.salt()
	if err != nil {
		return nil, err
	}

	var store identity.Store
	if a.Config.HasDatabase() {
		pool, err := pgxpool.New(ctx, a.Config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: connect database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if store, err = identity.NewPGStore(ctx, pool); err != nil {
			return nil, err
		}
	}

	label := a.Config.Privacy.Label
	m, err := identity.New(identity.Options{
		Salt:    salt,
		Labels:  map[identity.Kind]string{identity.KindUser: label, identity.KindEmail: label},
		Store:   store,
		Logger:  a.Log,
		Metrics: a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Restore(ctx); err != nil {
		a.Log.Warn().Err(err).Msg("could not restore pseudonym assignments, starting empty")
	}
	return m, nil
}

func (a *App) newFilter() (*anonymize.Filter, error) {
	p := a.Config.Privacy
	rules := scrub.DefaultRules()
	if p.RulesFile != "" {
		var err error
		if rules, err = scrub.LoadRules(p.RulesFile); err != nil {
			return nil, err
		}
	}
	scrubber, err := scrub.New(rules)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		a.Log.Warn().Msg("PRIVACY_ENABLED=false: Canvas responses are passed through without anonymization")
	}
	return anonymize.New(anonymize.Options{
		Mapper:    a.Mapper,
		Scrubber:  scrubber,
		Enabled:   p.Enabled,
		ScrubKeys: p.ScrubKeys,
		Logger:    a.Log,
		Metrics:   a.Metrics,
	})
}

func (a *App) newClient(hc *http.Client) (*canvas.Client, error) {
	c := a.Config
	opts := []canvas.Option{
		canvas.WithMaxAttempts(c.Retry.MaxAttempts),
		canvas.WithBackoff(c.Retry.InitialBackoff, c.Retry.MaxBackoff),
		canvas.WithAttemptTimeout(c.Retry.AttemptTimeout),
		canvas.WithRateLimit(c.Canvas.RateLimit, c.Canvas.RateBurst),
		canvas.WithPerPage(c.Canvas.PerPage),
		canvas.WithLogger(a.Log),
		canvas.WithMetrics(a.Metrics),
	}
	if hc != nil {
		opts = append(opts, canvas.WithHTTPClient(hc))
	}
	return canvas.New(c.Canvas.BaseURL, c.Canvas.APIToken, opts...)
}

func (a *App) newStore() (cache.Store, error) {
	backend := a.Config.Cache.Backend
	if !a.Config.Privacy.Enabled && backend != config.BackendMemory {
		// Raw responses must never reach a store another process can read.
		a.Log.Warn().Str("backend", backend).Msg("privacy disabled, caching in memory only")
		backend = config.BackendMemory
	}
	switch backend {
	case config.BackendFile:
		return cache.NewFileStore(a.Config.Cache.Dir)
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		return cache.NewRedisStore(rdb, a.Config.Cache.Prefix), nil
	default:
		return cache.NewMemoryStore(), nil
	}
}
