package canvas

import (
	"net/http"
	"sync"
	"time"
)

// RateState tracks what Canvas has told us about our request quota. It is
// updated after every response and consulted before every attempt.
type RateState struct {
	mu           sync.Mutex
	remaining    float64
	known        bool
	resetAt      time.Time
	backoffUntil time.Time
}

func NewRateState() *RateState {
	return &RateState{}
}

// Observe records the quota headers of a response.
func (s *RateState) Observe(h http.Header, now time.Time) {
	rem, hasRemaining := parseFloat(h.Get("X-Rate-Limit-Remaining"))
	reset, hasReset := advertisedReset(h, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if hasRemaining {
		s.remaining = rem
		s.known = true
	}
	if hasReset {
		s.resetAt = reset
	}
}

// Backoff holds all requests until t.
func (s *RateState) Backoff(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.backoffUntil) {
		s.backoffUntil = t
	}
}

// Delay is how long the next request should wait.
func (s *RateState) Delay(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d time.Duration
	if s.backoffUntil.After(now) {
		d = s.backoffUntil.Sub(now)
	}
	if s.known && s.remaining <= 0 && s.resetAt.After(now) {
		if w := s.resetAt.Sub(now); w > d {
			d = w
		}
	}
	return d
}

// Remaining reports the last advertised quota, if any.
func (s *RateState) Remaining() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining, s.known
}

func advertisedReset(h http.Header, now time.Time) (time.Time, bool) {
	if h.Get("X-Rate-Limit-Reset") == "" {
		return time.Time{}, false
	}
	d, ok := advertisedDelay(http.Header{"X-Rate-Limit-Reset": h.Values("X-Rate-Limit-Reset")}, now)
	if !ok {
		return time.Time{}, false
	}
	return now.Add(d), true
}
