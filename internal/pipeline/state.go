package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/briangreenhill/canvasgpt/canvas"
)

// State is a step in the life of one pipeline call.
type State string

const (
	StatePending     State = "PENDING"
	StateCacheCheck  State = "CACHE_CHECK"
	StateCacheHit    State = "CACHE_HIT"
	StateCacheMiss   State = "CACHE_MISS"
	StateFetching    State = "FETCHING"
	StateAnonymizing State = "ANONYMIZING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Observer is notified of every state transition.
type Observer func(callID string, from, to State)

// call tracks one Get or Mutate. Transitions may come from the shared fetch
// goroutine as well as the caller, so state is guarded.
type call struct {
	id       string
	log      zerolog.Logger
	span     trace.Span
	observer Observer

	mu    sync.Mutex
	state State
	done  bool
}

func (p *Pipeline) begin(ctx context.Context, op string, d Descriptor) (context.Context, *call) {
	id := uuid.NewString()
	path := canvas.TemplatePath(d.Path)
	ctx, span := p.tracer.Start(ctx, "pipeline."+op, trace.WithAttributes(
		attribute.String("call.id", id),
		attribute.String("http.method", d.method()),
		attribute.String("http.route", path),
		attribute.String("canvas.resource", string(d.Resource)),
	))
	c := &call{
		id:       id,
		log:      p.log.With().Str("call_id", id).Str("op", op).Str("path", path).Logger(),
		span:     span,
		observer: p.observer,
		state:    StatePending,
	}
	c.log.Debug().Str("state", string(StatePending)).Msg("call started")
	return ctx, c
}

func (c *call) to(next State) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = next
	c.done = next == StateDone || next == StateFailed
	c.mu.Unlock()

	c.log.Debug().Str("from", string(from)).Str("to", string(next)).Msg("call state")
	c.span.AddEvent(string(next))
	if c.observer != nil {
		c.observer(c.id, from, next)
	}
}

func (c *call) current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *call) fail(err error) {
	f := Explain(err)
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, string(f.Code))
	c.log.Warn().Err(err).Str("code", string(f.Code)).Msg("call failed")
	c.to(StateFailed)
}

func (c *call) end() {
	c.span.End()
}
