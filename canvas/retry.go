package canvas

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// send runs the attempt loop for one upstream request. At most maxAttempts
// requests reach Canvas. Only idempotent methods are retried after server or
// transport failures; any method is retried after throttling.
func (c *Client) send(ctx context.Context, method, rawURL string, payload []byte, ifNoneMatch, tmpl string) (*Page, error) {
	idempotent := method == http.MethodGet || method == http.MethodHead
	bo := c.newBackoff()
	log := c.log.With().Str("method", method).Str("path", tmpl).Logger()

	for attempt := 1; ; attempt++ {
		if err := c.waitTurn(ctx); err != nil {
			return nil, err
		}

		resp, body, err := c.once(ctx, method, rawURL, payload, ifNoneMatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.metrics.Attempt("transport_error")
			terr := &TransportError{Method: method, Path: tmpl, Attempts: attempt, Err: sanitizeTransport(err)}
			if !idempotent || attempt >= c.maxAttempts {
				return nil, terr
			}
			delay := bo.NextBackOff()
			c.metrics.Retry("transport")
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("transport failure, retrying")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		now := c.now()
		c.state.Observe(resp.Header, now)

		switch {
		case resp.StatusCode == http.StatusNotModified:
			c.metrics.Attempt("not_modified")
			etag := resp.Header.Get("ETag")
			if etag == "" {
				etag = ifNoneMatch
			}
			return &Page{Status: resp.StatusCode, ETag: etag, NotModified: true}, nil

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.metrics.Attempt("ok")
			return &Page{
				Status: resp.StatusCode,
				Body:   body,
				ETag:   resp.Header.Get("ETag"),
				Next:   c.nextLink(resp, rawURL),
			}, nil

		case isThrottled(resp, body):
			c.metrics.Attempt("throttled")
			wait, advertised := advertisedDelay(resp.Header, now)
			if !advertised {
				wait = bo.NextBackOff()
			}
			if attempt >= c.maxAttempts || wait > c.maxBackoff {
				return nil, &ThrottledError{Method: method, Path: tmpl, Attempts: attempt, RetryAfter: wait}
			}
			c.state.Backoff(now.Add(wait))
			c.metrics.Retry("throttled")
			log.Warn().Int("attempt", attempt).Dur("delay", wait).Bool("advertised", advertised).Msg("throttled by canvas, backing off")
			continue

		case resp.StatusCode >= 500:
			c.metrics.Attempt("server_error")
			uerr := &UpstreamError{Status: resp.StatusCode, Method: method, Path: tmpl, Attempts: attempt}
			if !idempotent || attempt >= c.maxAttempts {
				return nil, uerr
			}
			delay, advertised := advertisedDelay(resp.Header, now)
			if !advertised || delay > c.maxBackoff {
				delay = bo.NextBackOff()
			}
			c.metrics.Retry("server_error")
			log.Debug().Int("attempt", attempt).Int("status", resp.StatusCode).Dur("delay", delay).Msg("server error, retrying")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			c.metrics.Attempt("client_error")
			return nil, &UpstreamError{Status: resp.StatusCode, Method: method, Path: tmpl, Attempts: attempt}
		}
	}
}

// waitTurn blocks until the shared rate state and the optional pacer allow
// another request. Known reset windows are waited out, capped at maxBackoff.
func (c *Client) waitTurn(ctx context.Context) error {
	if d := c.state.Delay(c.now()); d > 0 {
		if d > c.maxBackoff {
			d = c.maxBackoff
		}
		if err := c.sleep(ctx, d); err != nil {
			return err
		}
	}
	if c.limiter != nil {
		return c.limiter.Wait(ctx)
	}
	return ctx.Err()
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}

// isThrottled recognizes Canvas throttling: 429, or 403 when the quota header
// is exhausted or the body says so.
func isThrottled(resp *http.Response, body []byte) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	if rem, ok := parseFloat(resp.Header.Get("X-Rate-Limit-Remaining")); ok && rem <= 0 {
		return true
	}
	return bytes.Contains(bytes.ToLower(body), []byte("rate limit exceeded"))
}

// advertisedDelay reads Retry-After (seconds or HTTP date) or
// X-Rate-Limit-Reset (epoch seconds when large, otherwise seconds from now).
func advertisedDelay(h http.Header, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return clampDelay(time.Duration(secs * float64(time.Second))), true
		}
		if t, err := http.ParseTime(v); err == nil {
			return clampDelay(t.Sub(now)), true
		}
	}
	if v, ok := parseFloat(h.Get("X-Rate-Limit-Reset")); ok {
		if v > 1e9 {
			return clampDelay(time.Unix(int64(v), 0).Sub(now)), true
		}
		return clampDelay(time.Duration(v * float64(time.Second))), true
	}
	return 0, false
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// nextLink returns the rel="next" target of resp, resolved against the
// request URL. Links to another host are ignored.
func (c *Client) nextLink(resp *http.Response, requestURL string) string {
	next := parseLinkNext(resp.Header.Values("Link"))
	if next == "" {
		return ""
	}
	base, err := url.Parse(requestURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(next)
	if err != nil {
		return ""
	}
	target := base.ResolveReference(ref)
	if !strings.EqualFold(target.Host, c.baseURL.Host) || target.Scheme != c.baseURL.Scheme {
		c.log.Warn().Msg("ignoring pagination link to a foreign host")
		return ""
	}
	return target.String()
}

// parseLinkNext extracts the rel="next" URL from RFC 8288 Link header values.
func parseLinkNext(values []string) string {
	for _, v := range values {
		for _, link := range strings.Split(v, ",") {
			parts := strings.Split(link, ";")
			target := strings.TrimSpace(parts[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range parts[1:] {
				k, val, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(k), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(val), `"`)) {
					if strings.EqualFold(rel, "next") {
						return target[1 : len(target)-1]
					}
				}
			}
		}
	}
	return ""
}

// sanitizeTransport drops the request URL that net/http embeds in its errors.
func sanitizeTransport(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
