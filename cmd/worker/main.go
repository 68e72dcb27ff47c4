package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/briangreenhill/canvasgpt/internal/app"
	"github.com/briangreenhill/canvasgpt/internal/config"
	"github.com/briangreenhill/canvasgpt/internal/jobs"
	"github.com/briangreenhill/canvasgpt/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Out: os.Stdout})

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if err := checkWorker(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid worker config")
	}
	if cfg.Cache.Backend == config.BackendMemory {
		// Warmed entries would only land in this process.
		logger.Warn().Msg("CACHE_BACKEND=memory: warmed entries are not shared with the api")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{NoWarmer: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("wire app")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close app")
		}
	}()

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			jobs.QueueCache: 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskWarmCache, jobs.HandleWarmCache(a.Pipeline, logger))

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Str("queue", jobs.QueueCache).Msg("worker running")

	<-ctx.Done()
	srv.Shutdown()
}

// checkWorker rejects settings under which warmed entries could not be read
// by the api. A random or debug salt gives this process its own pseudonyms,
// and a disabled filter would warm raw responses.
func checkWorker(cfg *config.Config) error {
	var errs []error
	if !cfg.HasRedis() {
		errs = append(errs, errors.New("REDIS_ADDR is required to run the worker"))
	}
	if !cfg.Privacy.Enabled {
		errs = append(errs, errors.New("PRIVACY_ENABLED=false is not allowed for the worker"))
	}
	if cfg.Privacy.Salt == "" {
		errs = append(errs, errors.New("PRIVACY_SALT is required so the worker shares pseudonyms with the api"))
	}
	if cfg.Privacy.Debug {
		errs = append(errs, errors.New("PRIVACY_DEBUG is not allowed for the worker"))
	}
	return errors.Join(errs...)
}
