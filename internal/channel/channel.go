package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Channel names as stored in tenant settings and queue items.
const (
	Chat        = "chat"
	Push        = "push"
	Conversions = "conversions"
)

// Class partitions delivery failures by how the worker must react.
type Class int

const (
	// Retryable failures (timeouts, 5xx, connection refused) consume one
	// retry and are reattempted with backoff.
	Retryable Class = iota
	// Terminal failures (bad request, unknown recipient) fail the item
	// immediately.
	Terminal
	// RateLimited failures are retryable but wait out a longer cooldown
	// before the next attempt.
	RateLimited
)

func (c Class) String() string {
	switch c {
	case Terminal:
		return "terminal"
	case RateLimited:
		return "rate_limited"
	default:
		return "retryable"
	}
}

// Error is a classified delivery failure.
type Error struct {
	Class  Class
	Reason string // e.g. timeout, http_5xx, http_429, unknown_recipient
	Status int    // HTTP status when applicable
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Reason, e.Class, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Reason, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the failure class from an error. Unclassified errors
// default to Retryable so unexpected failures still respect the retry
// bound instead of dropping items.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Retryable
}

// ReasonOf extracts the classified reason, "unknown" when unclassified.
func ReasonOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return "unknown"
}

// Message is one delivery attempt. ItemID is the queue item the attempt
// belongs to; adapters whose provider supports request deduplication use
// it as the dedup key, so repeated attempts for one item collapse
// provider-side.
type Message struct {
	ItemID  string
	Address string
	Payload []byte
}

// Adapter performs one delivery attempt against an external channel API.
// Implementations return the provider's message id on success and a
// classified *Error on failure. One call is one idempotent attempt; the
// worker owns retries.
type Adapter interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
}

// classifyTransport maps a transport-level error onto the taxonomy the
// worker understands.
func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: Retryable, Reason: "timeout", Err: err}
	}
	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return &Error{Class: Retryable, Reason: "timeout", Err: err}
	case strings.Contains(errLower, "connection refused"):
		return &Error{Class: Retryable, Reason: "connection_refused", Err: err}
	case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
		return &Error{Class: Retryable, Reason: "dns_error", Err: err}
	}
	return &Error{Class: Retryable, Reason: "network", Err: err}
}

// classifyStatus maps an HTTP status onto the taxonomy. 2xx never reaches
// here.
func classifyStatus(status int, body string) *Error {
	switch {
	case status == 429:
		return &Error{Class: RateLimited, Reason: "http_429", Status: status, Err: fmt.Errorf("rate limited: %s", body)}
	case status >= 500:
		return &Error{Class: Retryable, Reason: "http_5xx", Status: status, Err: fmt.Errorf("server error: %s", body)}
	case status >= 400:
		return &Error{Class: Terminal, Reason: "http_4xx", Status: status, Err: fmt.Errorf("rejected: %s", body)}
	}
	return &Error{Class: Retryable, Reason: "unexpected_status", Status: status, Err: fmt.Errorf("status %d: %s", status, body)}
}
