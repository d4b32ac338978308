package wire

import (
	"errors"
	"fmt"
	"strings"
)

// MessageKind tags an EventMessage.
type MessageKind uint8

const (
	KindHeartbeat    MessageKind = 1
	KindData         MessageKind = 2
	KindConfigChange MessageKind = 3
	KindDataReady    MessageKind = 4
	KindControl      MessageKind = 5
)

// String returns the kind name.
func (k MessageKind) String() string {
	switch k {
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindData:
		return "DATA"
	case KindConfigChange:
		return "CONFIG_CHANGE"
	case KindDataReady:
		return "DATA_READY"
	case KindControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// Methods carried in the call-info frame of a published event.
const (
	MethodHeartbeat     = "heartbeat"
	MethodPushValue     = "push_att_value"
	MethodPushConfig    = "push_att_conf"
	MethodPushDataReady = "push_data_ready"
)

// Byte-order markers for the second event frame. All payloads in this
// encoding are CBOR, which is byte-order independent; the marker is kept so
// that frame counts stay fixed.
const (
	ByteOrderBig    byte = 0
	ByteOrderLittle byte = 1
)

// Frame counts of the two published message shapes.
const (
	HeartbeatFrames = 3
	EventFrames     = 4
)

// ErrMalformedFrames is returned for a published message with an unexpected
// frame count or an unreadable frame.
var ErrMalformedFrames = errors.New("malformed event frames")

// CallInfo is the third frame of every published message.
type CallInfo struct {
	Method      string `cbor:"1,keyasint"`
	IsException bool   `cbor:"2,keyasint,omitempty"`
	Counter     uint32 `cbor:"3,keyasint,omitempty"`
	Compressed  bool   `cbor:"4,keyasint,omitempty"`
	IDLVersion  int    `cbor:"5,keyasint,omitempty"`
}

// EventMessage is a decoded message handed from a transport to the
// dispatcher. Exactly the fields relevant to Kind are set.
type EventMessage struct {
	Kind MessageKind

	// Heartbeat: the channel name (event name without the suffix).
	Channel string

	// Data, ConfigChange, DataReady: the subscription key.
	Key     string
	Counter uint32
	IsError bool
	IDL     int
	Payload []byte

	// Control: a command for the transport loop.
	Control *ControlRequest
}

// EncodeHeartbeat encodes a heartbeat for channel.
func EncodeHeartbeat(channel string, counter uint32) ([]byte, error) {
	info, err := Marshal(CallInfo{Method: MethodHeartbeat, Counter: counter})
	if err != nil {
		return nil, err
	}
	return Marshal([][]byte{[]byte(HeartbeatName(channel)), {ByteOrderBig}, info})
}

// EncodeEvent encodes an event frame set. Payloads at or above
// CompressThreshold are zstd compressed.
func EncodeEvent(name string, info CallInfo, payload []byte) ([]byte, error) {
	if len(payload) >= CompressThreshold {
		payload = Compress(payload)
		info.Compressed = true
	}
	if info.IDLVersion == 0 {
		info.IDLVersion = CurrentIDLVersion
	}
	infoData, err := Marshal(info)
	if err != nil {
		return nil, err
	}
	return Marshal([][]byte{[]byte(strings.ToLower(name)), {ByteOrderBig}, infoData, payload})
}

// DecodeEvent decodes a published frame set into an EventMessage.
func DecodeEvent(data []byte) (*EventMessage, error) {
	var frames [][]byte
	if err := Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrames, err)
	}
	if len(frames) != HeartbeatFrames && len(frames) != EventFrames {
		return nil, fmt.Errorf("%w: %d frames", ErrMalformedFrames, len(frames))
	}
	if len(frames[1]) != 1 || frames[1][0] > ByteOrderLittle {
		return nil, fmt.Errorf("%w: bad byte-order marker", ErrMalformedFrames)
	}

	var info CallInfo
	if err := Unmarshal(frames[2], &info); err != nil {
		return nil, fmt.Errorf("%w: call info: %v", ErrMalformedFrames, err)
	}
	name := string(frames[0])

	if len(frames) == HeartbeatFrames {
		if info.Method != MethodHeartbeat || !strings.HasSuffix(name, HeartbeatSuffix) {
			return nil, fmt.Errorf("%w: %q is not a heartbeat", ErrMalformedFrames, name)
		}
		return &EventMessage{
			Kind:    KindHeartbeat,
			Channel: strings.TrimSuffix(name, HeartbeatSuffix),
			Counter: info.Counter,
		}, nil
	}

	msg := &EventMessage{
		Key:     name,
		Counter: info.Counter,
		IsError: info.IsException,
		IDL:     info.IDLVersion,
		Payload: frames[3],
	}
	if msg.IDL == 0 {
		msg.IDL = MinIDLVersion
	}
	switch info.Method {
	case MethodPushValue:
		msg.Kind = KindData
	case MethodPushConfig:
		msg.Kind = KindConfigChange
	case MethodPushDataReady:
		msg.Kind = KindDataReady
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrMalformedFrames, info.Method)
	}
	if info.Compressed {
		payload, err := Decompress(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrames, err)
		}
		msg.Payload = payload
	}
	return msg, nil
}

// SubscribeOp is the operation of a SubscribeFrame.
type SubscribeOp uint8

const (
	OpSubscribe   SubscribeOp = 1
	OpUnsubscribe SubscribeOp = 2
)

// SubscribeFrame is sent upstream on a publisher socket to start or stop
// forwarding an event name.
type SubscribeFrame struct {
	Op   SubscribeOp `cbor:"1,keyasint"`
	Name string      `cbor:"2,keyasint"`
}
