// Package resilience provides the error taxonomy, retry, and circuit
// breaker patterns used around reasoning-model calls.
package resilience

import (
	"errors"
	"net"
	"strings"
)

// FailureClass categorizes a model-call failure for retry and reporting
// decisions.
type FailureClass string

const (
	// FailureTimeout covers call deadline and network timeouts. Transient.
	FailureTimeout FailureClass = "timeout"
	// FailureRateLimit covers provider 429 responses. Transient, retried
	// with exponential backoff inside the dispatcher.
	FailureRateLimit FailureClass = "rate_limit"
	// FailureMalformedOutput covers responses that fail schema validation.
	// Transient (a re-ask can produce conforming output).
	FailureMalformedOutput FailureClass = "malformed_output"
	// FailureBudgetDenied covers budget-cap denials. Terminal by design:
	// the caller degrades instead of retrying.
	FailureBudgetDenied FailureClass = "budget_denied"
	// FailureTerminal covers everything else that should not be retried.
	FailureTerminal FailureClass = "terminal"
)

// ModelCallError is a classified failure from a reasoning-model call.
type ModelCallError struct {
	Class FailureClass
	Route string
	Err   error
}

func (e *ModelCallError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ModelCallError) Unwrap() error {
	return e.Err
}

// NewModelCallError wraps err with a failure class and the route it
// occurred on.
func NewModelCallError(class FailureClass, route string, err error) *ModelCallError {
	return &ModelCallError{Class: class, Route: route, Err: err}
}

// ClassOf returns the failure class of err, or FailureTerminal when the
// error carries no classification.
func ClassOf(err error) FailureClass {
	var mce *ModelCallError
	if errors.As(err, &mce) {
		return mce.Class
	}
	return FailureTerminal
}

// IsRateLimited reports whether err is a provider rate-limit failure.
func IsRateLimited(err error) bool {
	if ClassOf(err) == FailureRateLimit {
		return true
	}
	msg := strings.ToLower(errMsg(err))
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "overloaded")
}

// IsTransient reports whether err is safe to retry: classified transient
// failures plus common network-level errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch ClassOf(err) {
	case FailureTimeout, FailureRateLimit, FailureMalformedOutput:
		return true
	case FailureBudgetDenied:
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if IsRateLimited(err) {
		return true
	}

	// String heuristics for wrapped errors from HTTP transports.
	msg := strings.ToLower(errMsg(err))
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"tls handshake timeout",
		"server closed idle connection",
		"temporary failure in name resolution",
		"status 500", "status 502", "status 503", "status 504",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
