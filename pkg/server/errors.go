package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common connection and server error conditions.
var (
	// ErrConnClosed is returned when an operation is attempted on a closed
	// connection.
	ErrConnClosed = errors.New("server: connection closed")

	// ErrConnNotFound is returned when a connection id does not exist.
	ErrConnNotFound = errors.New("server: connection not found")

	// ErrOriginNotAllowed is returned when the Origin header fails the
	// origin policy.
	ErrOriginNotAllowed = errors.New("server: origin not allowed")

	// ErrBadHandshake is returned when the opening connect message is
	// missing or malformed.
	ErrBadHandshake = errors.New("server: bad handshake")

	// ErrServerClosed is returned by Run after Shutdown.
	ErrServerClosed = errors.New("server: closed")
)

// ConnError wraps an error with connection context for debugging.
type ConnError struct {
	ConnID string
	Op     string
	Err    error
}

// Error returns the error message with connection context.
func (e *ConnError) Error() string {
	if e.ConnID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: conn %s: %s: %v", e.ConnID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnError) Unwrap() error {
	return e.Err
}
