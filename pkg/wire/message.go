package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageType distinguishes RPC messages on a producer connection.
type MessageType uint8

const (
	// MessageRequest is a call from consumer to a producer object.
	MessageRequest MessageType = 1
	// MessageResponse answers a request with the same message ID.
	MessageResponse MessageType = 2
	// MessagePush carries an encoded event frame from producer to consumer.
	MessagePush MessageType = 3
	// MessagePing is a keep-alive probe.
	MessagePing MessageType = 4
	// MessagePong answers a ping with the same sequence number.
	MessagePong MessageType = 5
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "REQUEST"
	case MessageResponse:
		return "RESPONSE"
	case MessagePush:
		return "PUSH"
	case MessagePing:
		return "PING"
	case MessagePong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// PushMessageID is the message ID used by push messages. Requests never use it.
const PushMessageID uint32 = 0

// Message is the single envelope used on RPC connections.
//
// CBOR encoding:
//
//	{
//	  1: type,       // uint8
//	  2: messageId,  // uint32, 0 for push/ping/pong
//	  3: object,     // request: target object name
//	  4: method,     // request: method name
//	  5: args,       // request: method arguments
//	  6: status,     // response: status code
//	  7: result,     // response: method result
//	  8: errors,     // response: producer error stack
//	  9: event,      // push: encoded event frames
//	  10: seq        // ping/pong: sequence number
//	}
type Message struct {
	Type      MessageType     `cbor:"1,keyasint"`
	MessageID uint32          `cbor:"2,keyasint"`
	Object    string          `cbor:"3,keyasint,omitempty"`
	Method    string          `cbor:"4,keyasint,omitempty"`
	Args      cbor.RawMessage `cbor:"5,keyasint,omitempty"`
	Status    Status          `cbor:"6,keyasint,omitempty"`
	Result    cbor.RawMessage `cbor:"7,keyasint,omitempty"`
	Errors    ErrorList       `cbor:"8,keyasint,omitempty"`
	Event     []byte          `cbor:"9,keyasint,omitempty"`
	Seq       uint32          `cbor:"10,keyasint,omitempty"`
}

// ErrReservedMessageID is returned for a request or response that uses the
// push message ID.
var ErrReservedMessageID = errors.New("messageId 0 is reserved for push messages")

// Validate checks if the message is well formed for its type.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageRequest:
		if m.MessageID == PushMessageID {
			return ErrReservedMessageID
		}
		if m.Method == "" {
			return fmt.Errorf("request %d has no method", m.MessageID)
		}
	case MessageResponse:
		if m.MessageID == PushMessageID {
			return ErrReservedMessageID
		}
	case MessagePush:
		if len(m.Event) == 0 {
			return fmt.Errorf("push message has no event")
		}
	case MessagePing, MessagePong:
	default:
		return fmt.Errorf("invalid message type: %d", m.Type)
	}
	return nil
}

// IsSuccess returns true if a response carries StatusSuccess.
func (m *Message) IsSuccess() bool {
	return m.Status == StatusSuccess
}

// Status represents an RPC response status code.
type Status uint8

const (
	// StatusSuccess indicates the call completed.
	StatusSuccess Status = 0
	// StatusUnknownObject indicates the target object is not served here.
	StatusUnknownObject Status = 1
	// StatusUnknownMethod indicates the object has no such method.
	StatusUnknownMethod Status = 2
	// StatusInvalidArgs indicates the arguments could not be decoded.
	StatusInvalidArgs Status = 3
	// StatusFailed indicates the method failed; Errors carries the reason.
	StatusFailed Status = 4
	// StatusBusy indicates the object is busy; try again later.
	StatusBusy Status = 5
	// StatusTimeout indicates the producer gave up on the call.
	StatusTimeout Status = 6
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusUnknownObject:
		return "UNKNOWN_OBJECT"
	case StatusUnknownMethod:
		return "UNKNOWN_METHOD"
	case StatusInvalidArgs:
		return "INVALID_ARGS"
	case StatusFailed:
		return "FAILED"
	case StatusBusy:
		return "BUSY"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}
