// Package pipeline runs every Canvas read and write through the privacy
// layer: cache lookup, rate-limited fetch, anonymization and caching of the
// anonymized result.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/briangreenhill/canvasgpt/cache"
	"github.com/briangreenhill/canvasgpt/canvas"
	"github.com/briangreenhill/canvasgpt/internal/anonymize"
	"github.com/briangreenhill/canvasgpt/internal/identity"
)

var (
	ErrInvalidPayload = errors.New("pipeline: upstream returned invalid JSON")
	ErrMissingDeps    = errors.New("pipeline: client, cache and filter are required")
	// ErrScopeMismatch is returned by New when the cache stores entries under
	// a different privacy scope than the filter produces.
	ErrScopeMismatch = errors.New("pipeline: cache scope does not match the filter")
)

// Descriptor names one Canvas endpoint call and how its response is treated.
type Descriptor struct {
	Method   string             `json:"method,omitempty"`
	Path     string             `json:"path"`
	Params   url.Values         `json:"params,omitempty"`
	Resource anonymize.Resource `json:"resource"`
	Category cache.Category     `json:"category,omitempty"`
	// Refresh is the read to warm after a successful write. When nil, the
	// family listing is warmed without params.
	Refresh *Descriptor `json:"-"`
}

func (d Descriptor) method() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}

// Result is the anonymized response. Data is decoded per caller, so callers
// may modify it freely.
type Result struct {
	Data       any
	Cached     bool
	Violations []*anonymize.PolicyViolation
}

// Upstream is the part of the Canvas client the pipeline needs.
type Upstream interface {
	FetchAll(ctx context.Context, req canvas.Request) (*canvas.Result, error)
	Do(ctx context.Context, req canvas.Request) (*canvas.Page, error)
}

// Warmer refills a cache family after a mutation invalidated it.
type Warmer interface {
	Warm(ctx context.Context, d Descriptor) error
}

type Options struct {
	Client   Upstream
	Cache    *cache.Cache
	Filter   *anonymize.Filter
	Mapper   *identity.Mapper
	TTLs     cache.TTLs
	Warmer   Warmer
	Logger   zerolog.Logger
	Observer Observer
}

type Pipeline struct {
	client   Upstream
	cache    *cache.Cache
	filter   *anonymize.Filter
	mapper   *identity.Mapper
	ttls     cache.TTLs
	warmer   Warmer
	log      zerolog.Logger
	observer Observer
	tracer   trace.Tracer
}

func New(opts Options) (*Pipeline, error) {
	if opts.Client == nil || opts.Cache == nil || opts.Filter == nil {
		return nil, ErrMissingDeps
	}
	if opts.Cache.Scope() != opts.Filter.Scope() {
		return nil, fmt.Errorf("%w: cache %q, filter %q", ErrScopeMismatch, opts.Cache.Scope(), opts.Filter.Scope())
	}
	ttls := opts.TTLs
	if ttls == nil {
		ttls = cache.DefaultTTLs()
	}
	return &Pipeline{
		client:   opts.Client,
		cache:    opts.Cache,
		filter:   opts.Filter,
		mapper:   opts.Mapper,
		ttls:     ttls,
		warmer:   opts.Warmer,
		log:      opts.Logger.With().Str("component", "pipeline").Logger(),
		observer: opts.Observer,
		tracer:   otel.Tracer("canvasgpt/pipeline"),
	}, nil
}

// Get returns the anonymized response for a read. ttlHint overrides the
// descriptor's category TTL when positive.
func (p *Pipeline) Get(ctx context.Context, d Descriptor, ttlHint time.Duration) (*Result, error) {
	ctx, c := p.begin(ctx, "get", d)
	defer c.end()

	c.to(StateCacheCheck)
	ttl := ttlHint
	if ttl <= 0 {
		ttl = p.ttls.For(d.Category)
	}
	key := cache.NewKey(d.method(), d.Path, d.Params)

	var violations []*anonymize.PolicyViolation
	entry, cached, err := p.cache.GetOrFetch(ctx, key, ttl, func(fctx context.Context, stale *cache.Entry) (*cache.Entry, error) {
		c.to(StateCacheMiss)
		c.to(StateFetching)
		req := canvas.Request{Method: d.method(), Path: d.Path, Params: d.Params}
		if stale != nil {
			req.IfNoneMatch = stale.ETag
		}
		res, err := p.client.FetchAll(fctx, req)
		if err != nil {
			return nil, err
		}
		if res.NotModified {
			if stale == nil {
				return nil, fmt.Errorf("%w: not modified without a cached copy", ErrInvalidPayload)
			}
			c.log.Debug().Msg("revalidated cached entry")
			return &cache.Entry{ETag: stale.ETag, Body: stale.Body}, nil
		}

		c.to(StateAnonymizing)
		data, v, err := p.anonymize(fctx, c, res.Body, d.Resource)
		if err != nil {
			return nil, err
		}
		violations = v
		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("pipeline: encode anonymized body: %w", err)
		}
		return &cache.Entry{ETag: res.ETag, Body: body}, nil
	})
	if err != nil {
		c.fail(err)
		return nil, err
	}

	if cached {
		c.to(StateCacheHit)
	} else if c.current() == StateCacheCheck {
		// Another caller's fetch served this one.
		c.to(StateCacheMiss)
	}
	data, err := decode(entry.Body)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	c.span.SetAttributes(attribute.Bool("cache.hit", cached), attribute.Int("privacy.violations", len(violations)))
	c.to(StateDone)
	return &Result{Data: data, Cached: cached, Violations: violations}, nil
}

// Mutate sends a write, invalidates the cache family of its path and returns
// the anonymized response. Writes are never cached.
func (p *Pipeline) Mutate(ctx context.Context, d Descriptor, body any) (*Result, error) {
	if d.Method == "" {
		d.Method = http.MethodPut
	}
	ctx, c := p.begin(ctx, "mutate", d)
	defer c.end()

	c.to(StateFetching)
	page, err := p.client.Do(ctx, canvas.Request{Method: d.method(), Path: d.Path, Params: d.Params, Body: body})
	if changed(err) {
		if ierr := p.cache.Invalidate(ctx, d.Path); ierr != nil {
			c.log.Warn().Err(ierr).Msg("cache invalidation failed")
		}
	}
	if err != nil {
		c.fail(err)
		return nil, err
	}

	c.to(StateAnonymizing)
	data, violations, err := p.anonymize(ctx, c, page.Body, d.Resource)
	if err != nil {
		c.fail(err)
		return nil, err
	}

	if p.warmer != nil {
		list := Descriptor{Method: http.MethodGet, Path: cache.Family(d.Path), Resource: d.Resource, Category: d.Category}
		if d.Refresh != nil {
			list = *d.Refresh
			list.Refresh = nil
		}
		if werr := p.warmer.Warm(ctx, list); werr != nil {
			c.log.Warn().Err(werr).Msg("cache warm not scheduled")
		}
	}
	c.to(StateDone)
	return &Result{Data: data, Violations: violations}, nil
}

// changed reports whether a write may have reached Canvas. A client error
// means Canvas rejected it and nothing needs invalidating.
func changed(err error) bool {
	var up *canvas.UpstreamError
	if errors.As(err, &up) {
		return up.Status >= 500
	}
	return true
}

func (p *Pipeline) anonymize(ctx context.Context, c *call, raw []byte, res anonymize.Resource) (any, []*anonymize.PolicyViolation, error) {
	payload, err := decode(raw)
	if err != nil {
		return nil, nil, err
	}
	data, violations := p.filter.Anonymize(payload, res)
	if p.mapper != nil {
		if err := p.mapper.Flush(ctx); err != nil {
			c.log.Warn().Err(err).Msg("pseudonym flush failed")
		}
	}
	return data, violations, nil
}

func decode(raw []byte) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}
