package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrMissionCancelled is returned when a call is attempted for a mission in a
// terminal (or paused) status. It is never retried.
var ErrMissionCancelled = errors.New("mission cancelled")

// ErrEmptyResponse marks a structurally valid HTTP response with no usable
// assistant content. Retried like a transient failure.
var ErrEmptyResponse = errors.New("empty model response")

// StatusError is a definite provider HTTP status error. 4xx codes are not
// retried, except for 408 and 429 which are transient by nature; 5xx codes
// are retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}

// Retryable classifies an error for the dispatcher's retry loop.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissionCancelled) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests, se.StatusCode == http.StatusRequestTimeout:
			return true
		case se.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// SDK errors do not always unwrap to net.Error; fall back to message sniffing.
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"connection", "timeout", "temporarily", "eof", "reset by peer", "rate limit", "overloaded"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// SchemaUnsupported reports whether a definite status error looks like the
// provider rejecting the json_schema response format, which triggers the
// one-shot fallback to json_object mode.
func SchemaUnsupported(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.StatusCode < 400 || se.StatusCode >= 500 {
		return false
	}
	msg := strings.ToLower(se.Body)
	for _, frag := range []string{"response_format", "json_schema", "schema"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
