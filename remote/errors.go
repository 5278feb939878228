package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// CallError carries everything the governor needs to classify a failed
// API call: the status code and response headers when a response came
// back, or the underlying transport error when none did.
type CallError struct {
	Endpoint string
	Status   int
	Headers  http.Header
	Timeout  bool
	Err      error
}

func (e *CallError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("call %s: timeout: %v", e.Endpoint, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("call %s: http status %d", e.Endpoint, e.Status)
	default:
		return fmt.Sprintf("call %s: %v", e.Endpoint, e.Err)
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the remote throttled the call. The API
// answers both 429 and 403 when the quota is exhausted.
func (e *CallError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusForbidden
}

// Transient reports whether the call should be retried with backoff.
// Timeouts and transport failures count the same as a 5xx.
func (e *CallError) Transient() bool {
	if e.RateLimited() || e.Timeout {
		return true
	}
	if e.Status >= 500 && e.Status <= 599 {
		return true
	}
	return e.Status == 0
}

// Permanent reports a non-retryable client error (4xx other than the
// rate-limit statuses).
func (e *CallError) Permanent() bool {
	return !e.Transient()
}

// AsCallError unwraps err into a CallError if one is present.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ErrorLabel maps an error to a stable metric/log label.
func ErrorLabel(err error) string {
	ce, ok := AsCallError(err)
	if !ok {
		return "other"
	}
	switch {
	case ce.RateLimited():
		return "rate_limited"
	case ce.Timeout:
		return "timeout"
	case ce.Status >= 500:
		return "server_error"
	case ce.Status == http.StatusNotFound:
		return "not_found"
	case ce.Status != 0:
		return "client_error"
	default:
		return "connection"
	}
}
