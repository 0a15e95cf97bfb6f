package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Category classifies a failed call.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNetwork
	CategoryTimeout
	CategoryRateLimit
	CategoryServer
	CategoryAuth
	CategoryBadRequest
	CategoryQuota
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryTimeout:
		return "timeout"
	case CategoryRateLimit:
		return "rate_limit"
	case CategoryServer:
		return "server"
	case CategoryAuth:
		return "auth"
	case CategoryBadRequest:
		return "bad_request"
	case CategoryQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this category are transient.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryServer, CategoryUnknown:
		return true
	default:
		return false
	}
}

// CallError is a classified failure of one outbound call.
type CallError struct {
	Category   Category
	StatusCode int           // HTTP-style status, 0 when not applicable
	Message    string
	RetryAfter time.Duration // server-requested wait before the next attempt
	Err        error
}

func (e *CallError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Category.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	} else if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *CallError) Unwrap() error { return e.Err }

// ClassifyHTTP maps a non-2xx status and response body to a CallError.
func ClassifyHTTP(status int, body string) *CallError {
	msg := strings.TrimSpace(body)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	e := &CallError{StatusCode: status, Message: msg}

	switch {
	case status == 401 || status == 403:
		e.Category = CategoryAuth
	case status == 429:
		e.Category = CategoryRateLimit
	case status == 402 || strings.Contains(strings.ToLower(body), "insufficient"):
		e.Category = CategoryQuota
	case status == 408:
		e.Category = CategoryTimeout
	case status >= 500:
		e.Category = CategoryServer
	case status >= 400:
		e.Category = CategoryBadRequest
	default:
		e.Category = CategoryUnknown
	}
	return e
}

// ClassifyNetwork wraps a transport-level error.
func ClassifyNetwork(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}

	cat := CategoryNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		cat = CategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		cat = CategoryTimeout
	case strings.Contains(strings.ToLower(err.Error()), "timeout"):
		cat = CategoryTimeout
	}
	return &CallError{Category: cat, Err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable regardless of its classification.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a failed attempt may be retried.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Category.Retryable()
	}
	return true
}

// CategoryOf extracts the category of err, looking through executor errors.
func CategoryOf(err error) Category {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryUnknown
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// ErrCircuitOpen matches every *CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned without calling the operation when the
// endpoint's breaker rejects the call.
type CircuitOpenError struct {
	Key     string
	RetryIn time.Duration // time until the next probe window; 0 if probes are busy
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %s)", e.Key, e.RetryIn.Round(time.Second))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// RetriesExhaustedError reports that every attempt failed with a
// retryable error.
type RetriesExhaustedError struct {
	Key      string
	Attempts int
	Err      error // last attempt's error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts failed: %v", e.Key, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// NonRetryableError reports a failure that aborted the retry loop.
type NonRetryableError struct {
	Key     string
	Attempt int
	Err     error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("%s: non-retryable failure on attempt %d: %v", e.Key, e.Attempt, e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }
