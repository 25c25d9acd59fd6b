package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies an error for retry and reporting decisions. The values
// match the strings stored in audit warning lists and error messages.
type Kind string

const (
	Canceled       Kind = "canceled"
	Timeout        Kind = "timeout"
	SSRFBlocked    Kind = "ssrf_blocked"
	Network        Kind = "network"
	HTTP4xx        Kind = "http_4xx"
	HTTP5xx        Kind = "http_5xx"
	RateLimited    Kind = "rate_limited"
	ParseError     Kind = "parse_error"
	LLMUnavailable Kind = "llm_unavailable"
	InvalidConfig  Kind = "invalid_config"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	Internal       Kind = "internal"
)

// Error carries a Kind alongside the wrapped cause. Op names the failing
// operation (e.g. "fetcher.fetch", "pagespeed.run").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from an error chain. Context and net errors are
// classified even when they were never wrapped in a fault.Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return Network
	}

	return Internal
}

// Is lets errors.Is match two fault errors by Kind.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// Retryable reports whether an error of the given kind is worth retrying.
// Only infrastructure failures qualify; logical failures never do.
func Retryable(kind Kind) bool {
	switch kind {
	case Timeout, Network, HTTP5xx, RateLimited:
		return true
	default:
		return false
	}
}

// FromStatus maps an HTTP status code to a Kind. 2xx maps to "".
func FromStatus(status int) Kind {
	switch {
	case status == 429:
		return RateLimited
	case status == 404:
		return NotFound
	case status >= 500:
		return HTTP5xx
	case status >= 400:
		return HTTP4xx
	default:
		return ""
	}
}
