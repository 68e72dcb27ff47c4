package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/briangreenhill/canvasgpt/canvas"
)

// Code is a stable, machine readable failure class.
type Code string

const (
	CodeThrottled    Code = "throttled"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeInvalid      Code = "invalid_request"
	CodeUpstream     Code = "upstream_error"
	CodeUnavailable  Code = "unavailable"
	CodeTimeout      Code = "timeout"
	CodeCanceled     Code = "canceled"
	CodeBadPayload   Code = "invalid_response"
	CodeInternal     Code = "internal"
)

// Failure is what a user is told when a call fails. It never carries
// upstream response bodies or raw identifiers.
type Failure struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation"`
}

func (f Failure) String() string {
	return f.Message + " " + f.Remediation
}

// Explain maps an error from Get or Mutate to a Failure.
func Explain(err error) Failure {
	var (
		throttled *canvas.ThrottledError
		upstream  *canvas.UpstreamError
		transport *canvas.TransportError
	)
	switch {
	case err == nil:
		return Failure{}
	case errors.As(err, &throttled):
		wait := "a minute"
		if throttled.RetryAfter > 0 {
			wait = fmt.Sprintf("%d seconds", int(math.Ceil(throttled.RetryAfter.Seconds())))
		}
		return Failure{
			Code:        CodeThrottled,
			Message:     "Canvas is rate limiting requests from this token.",
			Remediation: fmt.Sprintf("Wait %s and try again, or request less data at once.", wait),
		}
	case errors.As(err, &upstream):
		return explainStatus(upstream)
	case errors.Is(err, context.DeadlineExceeded):
		return Failure{
			Code:        CodeTimeout,
			Message:     "Canvas did not answer in time.",
			Remediation: "Try again; if it keeps happening raise RETRY_ATTEMPT_TIMEOUT.",
		}
	case errors.Is(err, context.Canceled):
		return Failure{
			Code:        CodeCanceled,
			Message:     "The request was cancelled before it finished.",
			Remediation: "Run the request again.",
		}
	case errors.As(err, &transport):
		return Failure{
			Code:        CodeUnavailable,
			Message:     "Canvas could not be reached.",
			Remediation: "Check CANVAS_BASE_URL and network connectivity, then try again.",
		}
	case errors.Is(err, ErrInvalidPayload):
		return Failure{
			Code:        CodeBadPayload,
			Message:     "Canvas returned a response that could not be read.",
			Remediation: "Try again later; the endpoint may be misbehaving.",
		}
	default:
		return Failure{
			Code:        CodeInternal,
			Message:     "The request failed unexpectedly.",
			Remediation: "Check the server logs for details.",
		}
	}
}

func explainStatus(e *canvas.UpstreamError) Failure {
	switch {
	case e.Status == http.StatusUnauthorized:
		return Failure{
			Code:        CodeUnauthorized,
			Message:     "Canvas rejected the API token.",
			Remediation: "Check that CANVAS_API_TOKEN is set to a valid, unexpired token.",
		}
	case e.Status == http.StatusForbidden:
		return Failure{
			Code:        CodeForbidden,
			Message:     "The token is not allowed to access " + e.Path + ".",
			Remediation: "Make sure the account behind the token has the required role in this course.",
		}
	case e.Status == http.StatusNotFound:
		return Failure{
			Code:        CodeNotFound,
			Message:     "Canvas found nothing at " + e.Path + ".",
			Remediation: "Check the course, assignment or topic identifier.",
		}
	case e.Status >= 500:
		return Failure{
			Code:        CodeUpstream,
			Message:     fmt.Sprintf("Canvas had a server error (%d).", e.Status),
			Remediation: "Try again in a few minutes.",
		}
	default:
		return Failure{
			Code:        CodeInvalid,
			Message:     fmt.Sprintf("Canvas refused the request (%d).", e.Status),
			Remediation: "Check the arguments passed to the tool.",
		}
	}
}
