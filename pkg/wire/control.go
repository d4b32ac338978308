package wire

import (
	"errors"
	"fmt"
	"time"
)

// ControlVersion is the version of the transport control protocol.
const ControlVersion uint8 = 1

// ControlCommand is a command executed by a broker-socket transport loop.
type ControlCommand uint8

const (
	CmdConnectHeartbeat      ControlCommand = 1
	CmdDisconnectHeartbeat   ControlCommand = 2
	CmdConnectEvent          ControlCommand = 3
	CmdConnectMulticastEvent ControlCommand = 4
	CmdDisconnectEvent       ControlCommand = 5
	CmdEnd                   ControlCommand = 6
)

// String returns the command name.
func (c ControlCommand) String() string {
	switch c {
	case CmdConnectHeartbeat:
		return "CONNECT_HEARTBEAT"
	case CmdDisconnectHeartbeat:
		return "DISCONNECT_HEARTBEAT"
	case CmdConnectEvent:
		return "CONNECT_EVENT"
	case CmdConnectMulticastEvent:
		return "CONNECT_MULTICAST_EVENT"
	case CmdDisconnectEvent:
		return "DISCONNECT_EVENT"
	case CmdEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// ControlOK is the reply status of a successful command.
const ControlOK = "OK"

// ErrControlVersion is returned for a control message of another version.
var ErrControlVersion = errors.New("control protocol version mismatch")

// ControlRequest is one command for the transport loop.
type ControlRequest struct {
	Version   uint8          `cbor:"1,keyasint"`
	Command   ControlCommand `cbor:"2,keyasint"`
	Endpoint  string         `cbor:"3,keyasint,omitempty"`
	EventName string         `cbor:"4,keyasint,omitempty"`

	// Multicast only.
	Rate     int           `cbor:"5,keyasint,omitempty"`
	Interval time.Duration `cbor:"6,keyasint,omitempty"`
}

// Validate checks the version and the arguments required by the command.
func (r *ControlRequest) Validate() error {
	if r.Version != ControlVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrControlVersion, r.Version, ControlVersion)
	}
	switch r.Command {
	case CmdConnectHeartbeat, CmdConnectEvent, CmdConnectMulticastEvent:
		if r.Endpoint == "" || r.EventName == "" {
			return fmt.Errorf("%s requires endpoint and event name", r.Command)
		}
	case CmdDisconnectHeartbeat, CmdDisconnectEvent:
		if r.EventName == "" {
			return fmt.Errorf("%s requires event name", r.Command)
		}
	case CmdEnd:
	default:
		return fmt.Errorf("unknown control command %d", r.Command)
	}
	return nil
}

// ControlReply answers a ControlRequest. Status is ControlOK or an error text.
type ControlReply struct {
	Version uint8  `cbor:"1,keyasint"`
	Status  string `cbor:"2,keyasint"`
}

// Err converts the reply into an error, nil for ControlOK.
func (r *ControlReply) Err() error {
	if r.Version != ControlVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrControlVersion, r.Version, ControlVersion)
	}
	if r.Status == ControlOK {
		return nil
	}
	return errors.New(r.Status)
}

// EncodeControlRequest validates and encodes a control request.
func EncodeControlRequest(req *ControlRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return Marshal(req)
}

// DecodeControlRequest decodes and validates a control request.
func DecodeControlRequest(data []byte) (*ControlRequest, error) {
	var req ControlRequest
	if err := Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode control request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeControlReply encodes a reply for err (nil means ControlOK).
func EncodeControlReply(err error) ([]byte, error) {
	reply := ControlReply{Version: ControlVersion, Status: ControlOK}
	if err != nil {
		reply.Status = err.Error()
	}
	return Marshal(reply)
}

// DecodeControlReply decodes a reply and returns the error it carries.
func DecodeControlReply(data []byte) error {
	var reply ControlReply
	if err := Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("failed to decode control reply: %w", err)
	}
	return reply.Err()
}
