package log

import (
	"time"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Event is a protocol log event captured at any layer.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`
	LocalRole    Role      `cbor:"6,keyasint,omitempty"`
	RemoteAddr   string    `cbor:"7,keyasint,omitempty"`

	// Channel is the producer admin identity the event relates to.
	Channel string `cbor:"8,keyasint,omitempty"`

	// Exactly one of these is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message encoding layer.
	LayerWire Layer = 1
	// LayerDispatch is the event dispatcher.
	LayerDispatch Layer = 2
	// LayerMonitor is the keep-alive monitor.
	LayerMonitor Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerDispatch:
		return "DISPATCH"
	case LayerMonitor:
		return "MONITOR"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryControl Category = 1
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates whether the local endpoint consumes or produces events.
type Role uint8

const (
	RoleConsumer Role = 0
	RoleProducer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleConsumer:
		return "CONSUMER"
	case RoleProducer:
		return "PRODUCER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size includes the length prefix.
	Size      int    `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded RPC message or published event.
type MessageEvent struct {
	Type MessageType `cbor:"1,keyasint"`

	// RPC messages.
	MessageID uint32       `cbor:"2,keyasint,omitempty"`
	Object    string       `cbor:"3,keyasint,omitempty"`
	Method    string       `cbor:"4,keyasint,omitempty"`
	Status    *wire.Status `cbor:"5,keyasint,omitempty"`

	// Published events.
	EventName string           `cbor:"6,keyasint,omitempty"`
	Kind      wire.MessageKind `cbor:"7,keyasint,omitempty"`
	Counter   uint32           `cbor:"8,keyasint,omitempty"`

	// Duration of the call, responses only.
	Latency *time.Duration `cbor:"9,keyasint,omitempty"`
}

// MessageType distinguishes the messages a MessageEvent can describe.
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0
	MessageTypeResponse MessageType = 1
	MessageTypePush     MessageType = 2
	MessageTypeEvent    MessageType = 3
)

// String returns the message type name.
func (m MessageType) String() string {
	switch m {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypePush:
		return "PUSH"
	case MessageTypeEvent:
		return "EVENT"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures lifecycle changes.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	StateEntityConnection   StateEntity = 0
	StateEntityChannel      StateEntity = 1
	StateEntitySubscription StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityChannel:
		return "CHANNEL"
	case StateEntitySubscription:
		return "SUBSCRIPTION"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures keep-alive pings and transport control commands.
type ControlMsgEvent struct {
	Type ControlMsgType `cbor:"1,keyasint"`

	// Command only.
	Command wire.ControlCommand `cbor:"2,keyasint,omitempty"`
	Reply   string              `cbor:"3,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	ControlMsgPing    ControlMsgType = 0
	ControlMsgPong    ControlMsgType = 1
	ControlMsgCommand ControlMsgType = 2
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgCommand:
		return "COMMAND"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
