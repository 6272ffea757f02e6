// Package errs defines the error taxonomy shared across the daemon.
//
// Transport and auth errors drive the connection lifecycle; send and load
// errors stay scoped to the operation that produced them and never escalate
// to connection-level handling.
package errs

import (
	"errors"
	"fmt"
)

// Connection-level errors.
var (
	// ErrTransport marks a connect or socket-write failure. Retried with
	// backoff up to the configured budget.
	ErrTransport = errors.New("transport failure")

	// ErrAuth marks a rejected credential. Fatal to the current session;
	// never retried locally.
	ErrAuth = errors.New("authentication rejected")
)

// Operation-level errors.
var (
	// ErrSendFailed marks one optimistic message that could not be
	// confirmed. The caller may resubmit it as a fresh send.
	ErrSendFailed = errors.New("send not confirmed")

	// ErrLoadFailed marks a failed read of history or the user directory.
	// Transient and retryable; existing state is left untouched.
	ErrLoadFailed = errors.New("load failed")
)

// FromHTTPStatus classifies a non-2xx HTTP status under the taxonomy.
// 401 and 403 are auth rejections; everything else maps to the given
// operation error (ErrSendFailed or ErrLoadFailed).
func FromHTTPStatus(status int, opErr error) error {
	if status == 401 || status == 403 {
		return fmt.Errorf("%w: http %d", ErrAuth, status)
	}
	return fmt.Errorf("%w: http %d", opErr, status)
}

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }
