package canvas

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ThrottledError means Canvas kept throttling until the attempt budget ran
// out, or asked for a pause longer than the client is willing to wait.
type ThrottledError struct {
	Method     string
	Path       string
	Attempts   int
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("canvas: %s %s throttled after %d attempts, retry after %s", e.Method, e.Path, e.Attempts, e.RetryAfter)
}

// UpstreamError is a non-success HTTP status. Response bodies are deliberately
// not kept: Canvas echoes request data back in error bodies.
type UpstreamError struct {
	Status   int
	Method   string
	Path     string
	Attempts int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("canvas: %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// Temporary reports whether retrying later may succeed.
func (e *UpstreamError) Temporary() bool {
	return e.Status >= 500
}

// TransportError is a network level failure that outlasted the retries.
type TransportError struct {
	Method   string
	Path     string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("canvas: %s %s: transport failure after %d attempts: %v", e.Method, e.Path, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TemplatePath replaces id-like path segments with :id so a path can be
// logged or shown without exposing identifiers. Query strings are dropped.
func TemplatePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	if strings.ContainsAny(s, ":@") {
		return true
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	// Canvas ids are numeric; course codes like bio_101_2024 carry digits too.
	return digits == len(s) || digits >= 3
}
