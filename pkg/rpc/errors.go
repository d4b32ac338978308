package rpc

import (
	"errors"
	"fmt"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Client errors.
var (
	ErrTimeout          = errors.New("rpc timed out")
	ErrClosed           = errors.New("rpc connection closed")
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrInvalidArgs      = errors.New("invalid arguments")
)

// StatusError is a non-success response from a producer object.
type StatusError struct {
	Status wire.Status
	Errors wire.ErrorList
}

func (e *StatusError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("rpc failed: %s", e.Status)
	}
	return fmt.Sprintf("rpc failed: %s: %s", e.Status, e.Errors)
}

// Failed returns a StatusFailed error carrying one DevError. Object handlers
// use it to report domain failures.
func Failed(reason, description, origin string) error {
	return &StatusError{Status: wire.StatusFailed, Errors: wire.NewErrorList(reason, description, origin)}
}

// ErrorsOf extracts the producer error stack from err, if any.
func ErrorsOf(err error) wire.ErrorList {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Errors
	}
	return nil
}
