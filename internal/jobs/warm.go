package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/canvasgpt/canvas"
	"github.com/briangreenhill/canvasgpt/internal/pipeline"
)

const (
	warmMaxRetry = 3
	warmTimeout  = 2 * time.Minute
	// Repeated writes to one family within this window share a single warm.
	warmUniqueFor = 30 * time.Second
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Warmer schedules cache warm tasks on the asynq queue.
type Warmer struct {
	client Enqueuer
	log    zerolog.Logger
}

func NewWarmer(client Enqueuer, logger zerolog.Logger) *Warmer {
	return &Warmer{client: client, log: logger.With().Str("component", "jobs").Logger()}
}

// Warm enqueues a refill of d. A warm already pending for the same listing
// is not an error.
func (w *Warmer) Warm(ctx context.Context, d pipeline.Descriptor) error {
	task, err := NewWarmCacheTask(d)
	if err != nil {
		return fmt.Errorf("jobs: build warm task: %w", err)
	}
	info, err := w.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueCache),
		asynq.MaxRetry(warmMaxRetry),
		asynq.Timeout(warmTimeout),
		asynq.Unique(warmUniqueFor),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jobs: enqueue warm: %w", err)
	}
	w.log.Debug().Str("task_id", info.ID).Str("path", canvas.TemplatePath(d.Path)).Msg("cache warm enqueued")
	return nil
}

// Fetcher is the read side of the pipeline.
type Fetcher interface {
	Get(ctx context.Context, d pipeline.Descriptor, ttlHint time.Duration) (*pipeline.Result, error)
}

// HandleWarmCache re-fetches the listing named by the task through the
// pipeline, which stores the anonymized result in the shared cache.
func HandleWarmCache(f Fetcher, logger zerolog.Logger) asynq.HandlerFunc {
	log := logger.With().Str("task", TaskWarmCache).Logger()
	return func(ctx context.Context, t *asynq.Task) error {
		var p WarmCachePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error().Err(err).Msg("bad payload")
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		path := canvas.TemplatePath(p.Descriptor.Path)
		start := time.Now()
		_, err := f.Get(ctx, p.Descriptor, 0)
		if err != nil {
			if Retryable(err) {
				log.Warn().Err(err).Str("path", path).Dur("duration", time.Since(start)).Msg("warm failed, will retry")
				return err
			}
			log.Warn().Err(err).Str("path", path).Msg("warm failed permanently, dropping task")
			return nil
		}
		log.Debug().Str("path", path).Dur("duration", time.Since(start)).Msg("cache warmed")
		return nil
	}
}

// Retryable reports whether a failed Canvas call may succeed later.
func Retryable(err error) bool {
	var (
		throttled *canvas.ThrottledError
		upstream  *canvas.UpstreamError
		transport *canvas.TransportError
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &transport):
		return true
	case errors.As(err, &upstream):
		return upstream.Temporary()
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
