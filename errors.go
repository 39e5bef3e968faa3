package xcomm

import (
	"errors"
	"fmt"
)

var (
	// ErrBusClosed is returned for operations on a closed bus.
	ErrBusClosed = errors.New("xcomm: bus closed")

	// ErrRequestTimeout is returned by Request when no reply arrived
	// within the caller-supplied timeout.
	ErrRequestTimeout = errors.New("xcomm: request timed out")
)

// TransportError wraps a connection or send failure from the underlying
// broker/client. The bus never retries these; recovery is the caller's
// responsibility.
type TransportError struct {
	Backend string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("xcomm/%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError tags err with the backend and operation it came from.
func NewTransportError(backend, op string, err error) *TransportError {
	return &TransportError{Backend: backend, Op: op, Err: err}
}
