// Package retry implements the single bounded retry used for remote calls.
// Connection resets, timeouts and 5xx responses are retried once; 4xx and
// everything else fail immediately.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

const (
	DefaultMaxRetries = 1
	DefaultBackoff    = 500 * time.Millisecond
)

// Policy controls how often and how far apart a call is retried.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultPolicy is one retry after 500ms.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Do runs fn, retrying transient failures up to p.MaxRetries times with
// linear backoff. It returns the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(p.Backoff * time.Duration(attempt)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTransient(err) {
			return err
		}
	}
	return lastErr
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus() >= 500
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
