package commander

import (
	"errors"
	"fmt"
)

// Sentinel errors for common commander error conditions.
var (
	// ErrStopped is returned when an operation is attempted on a stopped
	// commander.
	ErrStopped = errors.New("commander: stopped")

	// ErrMailboxFull is returned when the mailbox is full and a message is
	// dropped.
	ErrMailboxFull = errors.New("commander: mailbox full")

	// ErrUnknownHandler is returned when an event names a handler function
	// that is not registered on the binding.
	ErrUnknownHandler = errors.New("commander: unknown handler")

	// ErrNoHandle is returned when an operation needs a live connection
	// handle and none is attached.
	ErrNoHandle = errors.New("commander: no connection handle")

	// ErrKilled is the error a forcefully cancelled dispatch task reports.
	ErrKilled = errors.New("commander: dispatch killed")
)

// BindingError reports an invalid binding configuration. Bindings are
// validated when built, so these surface before any connection exists.
type BindingError struct {
	Element string // handler, hook, or capability at fault
	Reason  string
}

// Error returns the error message.
func (e *BindingError) Error() string {
	return fmt.Sprintf("commander: invalid binding: %s: %s", e.Element, e.Reason)
}
