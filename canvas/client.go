// Package canvas is a rate-limit aware client for the Canvas LMS REST API.
//
// It follows Link-header pagination, backs off on throttling and server
// errors, and reports failures as typed errors whose messages never contain
// response bodies or raw identifiers from the request path.
package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/briangreenhill/canvasgpt/internal/metrics"
)

const (
	DefaultPerPage        = 100
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultAttemptTimeout = 30 * time.Second

	apiPrefix    = "/api/v1"
	maxBodyBytes = 32 << 20
)

var (
	ErrNoToken   = errors.New("canvas: api token required")
	ErrNoBaseURL = errors.New("canvas: base url required")
)

// Client talks to one Canvas instance. It is safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	token   string

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	attemptTimeout time.Duration
	perPage        int

	state   *RateState
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(initial, ceiling time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if ceiling > 0 {
			c.maxBackoff = ceiling
		}
	}
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithRateLimit paces requests client side. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRateState shares throttling state between clients of the same account.
func WithRateState(s *RateState) Option {
	return func(c *Client) {
		if s != nil {
			c.state = s
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithPerPage(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.perPage = n
		}
	}
}

// New creates a client for the Canvas instance at baseURL, authenticating
// every request with token as a bearer token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNoBaseURL
	}
	if token == "" {
		return nil, ErrNoToken
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("canvas: invalid base url %q", baseURL)
	}
	if !strings.HasSuffix(u.Path, apiPrefix) {
		u.Path += apiPrefix
	}

	c := &Client{
		http:           http.DefaultClient,
		baseURL:        u,
		token:          token,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		attemptTimeout: DefaultAttemptTimeout,
		perPage:        DefaultPerPage,
		state:          NewRateState(),
		log:            zerolog.Nop(),
		now:            time.Now,
		sleep:          sleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("component", "canvas").Logger()
	c.http = authorized(c.http, token)
	return c, nil
}

// authorized wraps base so every request carries the bearer token.
func authorized(base *http.Client, token string) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	hc := *base
	hc.Transport = &oauth2.Transport{Source: src, Base: base.Transport}
	return &hc
}

// Request describes one logical API call. Path is relative to /api/v1.
type Request struct {
	Method      string
	Path        string
	Params      url.Values
	Body        any
	IfNoneMatch string
}

// Page is one upstream response.
type Page struct {
	Status      int
	Body        []byte
	ETag        string
	Next        string
	NotModified bool
}

// Result is a fully paginated response. Body is a JSON array for list
// endpoints and the single object otherwise.
type Result struct {
	Body        json.RawMessage
	ETag        string
	Pages       int
	NotModified bool
}

// Do performs a single request without following pagination. It is used for
// mutations and single-object reads.
func (c *Client) Do(ctx context.Context, req Request) (*Page, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u, err := c.url(req.Path, req.Params)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if req.Body != nil {
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("canvas: encode request body: %w", err)
		}
	}
	return c.send(ctx, method, u, payload, req.IfNoneMatch, TemplatePath(req.Path))
}

func (c *Client) url(p string, params url.Values) (string, error) {
	rel, err := url.Parse(strings.TrimPrefix(p, "/"))
	if err != nil {
		return "", fmt.Errorf("canvas: invalid path %s", TemplatePath(p))
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimPrefix(rel.Path, "/")
	q := rel.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// once performs a single attempt bounded by the per-attempt timeout. The body
// is read in full before the attempt's context is released.
func (c *Client) once(ctx context.Context, method, rawURL string, payload []byte, ifNoneMatch string) (*http.Response, []byte, error) {
	actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, rawURL, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, err
	}
	return resp, data, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
