package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Consumer errors.
var (
	ErrConnection           = errors.New("cannot connect to producer")
	ErrProtocol             = errors.New("protocol error")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAlreadySubscribed    = errors.New("already subscribed")
	ErrTimeout              = errors.New("timed out")
	ErrTransport            = errors.New("transport error")
	ErrTooManyPending       = errors.New("too many pending subscriptions")
	ErrClosed               = errors.New("consumer closed")
	ErrNotStarted           = errors.New("consumer not started")
	ErrInvalidConfig        = errors.New("invalid consumer config")

	// ErrInvalidEventType is returned by Subscribe for an unknown event type.
	ErrInvalidEventType = wire.ErrInvalidEventType
)

// DevFailed is a failure reported by a producer. Errors is the producer's
// error stack; Unwrap yields the consumer error class.
type DevFailed struct {
	Op     string
	Errors wire.ErrorList
	Err    error
}

func (e *DevFailed) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Errors)
}

func (e *DevFailed) Unwrap() error { return e.Err }

// classify wraps err from a collaborator into the consumer taxonomy. A
// producer refusal is ErrProtocol (ErrConnection for an unknown object), a
// deadline is ErrTimeout, and anything else is kind.
func classify(kind error, op string, err error) error {
	var se *rpc.StatusError
	if errors.As(err, &se) {
		class := ErrProtocol
		if se.Status == wire.StatusUnknownObject {
			class = ErrConnection
		}
		return &DevFailed{Op: op, Errors: se.Errors, Err: class}
	}
	var df *DevFailed
	if errors.As(err, &df) {
		return err
	}
	if errors.Is(err, rpc.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// errorList renders err as a producer-style error stack with reason on top.
func errorList(reason string, err error, origin string) wire.ErrorList {
	var df *DevFailed
	if errors.As(err, &df) && len(df.Errors) > 0 {
		return df.Errors.Push(reason, df.Op, origin)
	}
	return wire.NewErrorList(reason, err.Error(), origin)
}
