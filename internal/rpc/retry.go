// Package rpc wraps JSON-RPC operations with exponential backoff and a
// transient-error classifier tuned for public Ethereum endpoints.
package rpc

import (
	"context"
	"errors"
	"strings"
	"time"
)

// PermanentError wraps an error that must not be retried regardless of what
// the classifier would say.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Options configures one retried operation.
type Options struct {
	// InitialDelay before the first retry; doubled on each failure.
	InitialDelay time.Duration

	// MaxDelay caps the doubling.
	MaxDelay time.Duration

	// MaxRetries bounds retry attempts; 0 means retry until ctx is done.
	MaxRetries int

	// Retryable decides whether an error is worth another attempt.
	// Nil means IsTransient.
	Retryable func(error) bool

	// OnRetry is invoked before each sleep, for logging.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultOptions returns the settings used by the indexer.
func DefaultOptions() Options {
	return Options{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// SingleAttempt returns settings that disable retrying entirely. Serving
// paths use it so one slow provider cannot stall a request; the caller's
// fallback chain is the retry.
func SingleAttempt() Options {
	return Options{
		Retryable: func(error) bool { return false },
	}
}

// Do runs fn, retrying transient failures with exponential backoff.
// It returns nil on success, ctx.Err() on cancellation, the unwrapped error
// for a PermanentError, and the last error when retries are exhausted or the
// classifier rejects it.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	retryable := opts.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	delay := opts.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if !retryable(err) {
			return err
		}
		if opts.MaxRetries > 0 && attempt >= opts.MaxRetries {
			return err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, delay, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if opts.MaxDelay > 0 && delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

// CodedError carries a JSON-RPC error code or a transport code string
// alongside the message. Providers surface both shapes.
type CodedError struct {
	Code    int
	CodeStr string
	Message string
	Cause   error
}

func (e *CodedError) Error() string { return e.Message }
func (e *CodedError) Unwrap() error { return e.Cause }

// transient JSON-RPC numeric codes seen from public Base/mainnet endpoints:
// generic server error, request limit, and internal error.
var transientCodes = map[int]bool{
	-32000: true,
	-32005: true,
	-32603: true,
}

var transientCodeStrings = map[string]bool{
	"NETWORK_ERROR": true,
	"SERVER_ERROR":  true,
	"TIMEOUT":       true,
	"ECONNRESET":    true,
	"ETIMEDOUT":     true,
	"ENOTFOUND":     true,
}

var transientSubstrings = []string{
	"timeout",
	"timed out",
	"429",
	"rate limit",
	"network error",
	"missing response",
	"temporarily unavailable",
	"socket hang up",
	"gateway timeout",
}

// IsTransient classifies an RPC failure as retryable. It checks the numeric
// code, the transport code string, and the message, then recurses one level
// into a wrapped cause.
func IsTransient(err error) bool {
	return isTransient(err, 0)
}

func isTransient(err error, depth int) bool {
	if err == nil || depth > 1 {
		return false
	}

	var ce *CodedError
	if errors.As(err, &ce) {
		if transientCodes[ce.Code] || transientCodeStrings[ce.CodeStr] {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}

	if cause := errors.Unwrap(err); cause != nil {
		return isTransient(cause, depth+1)
	}
	return false
}
