package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType is the kind of event a consumer subscribes to.
type EventType string

const (
	EventChange    EventType = "change"
	EventPeriodic  EventType = "periodic"
	EventArchive   EventType = "archive"
	EventUser      EventType = "user"
	EventAttrConf  EventType = "attr_conf"
	EventDataReady EventType = "data_ready"
)

// ErrInvalidEventType is returned when parsing an unknown event type.
var ErrInvalidEventType = errors.New("invalid event type")

// ParseEventType parses a case-insensitive event type name.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
	}
	return t, nil
}

// IsValid returns true for the known event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventChange, EventPeriodic, EventArchive, EventUser, EventAttrConf, EventDataReady:
		return true
	}
	return false
}

// HasInitialRead reports whether subscribing to this type delivers the
// current value before the subscribe call returns.
func (t EventType) HasInitialRead() bool {
	return t.IsValid() && t != EventDataReady
}

// IsConfig reports whether events of this type carry an AttributeConfig.
func (t EventType) IsConfig() bool {
	return t == EventAttrConf
}

// EventKey builds the lower-cased key identifying a subscription. It is also
// the event name published on the wire.
func EventKey(device, attribute string, t EventType) string {
	return strings.ToLower(device + "/" + attribute + "." + string(t))
}

// SplitEventKey is the inverse of EventKey.
func SplitEventKey(key string) (device, attribute string, t EventType, err error) {
	dot := strings.LastIndexByte(key, '.')
	slash := strings.LastIndexByte(key, '/')
	if dot < 0 || slash < 0 || slash > dot {
		return "", "", "", fmt.Errorf("malformed event key %q", key)
	}
	t, err = ParseEventType(key[dot+1:])
	if err != nil {
		return "", "", "", err
	}
	return key[:slash], key[slash+1 : dot], t, nil
}

// HeartbeatSuffix terminates every heartbeat event name.
const HeartbeatSuffix = ".heartbeat"

// HeartbeatName returns the heartbeat event name of a channel.
func HeartbeatName(channel string) string {
	return strings.ToLower(channel) + HeartbeatSuffix
}

// IDL versions understood by the payload decoder.
const (
	MinIDLVersion     = 4
	CurrentIDLVersion = 6
)

// ErrUnsupportedIDL is returned when a payload's interface version is outside
// the range this package can decode.
var ErrUnsupportedIDL = errors.New("unsupported idl version")

// Quality qualifies an attribute value.
type Quality uint8

const (
	QualityValid    Quality = 0
	QualityInvalid  Quality = 1
	QualityAlarm    Quality = 2
	QualityChanging Quality = 3
	QualityWarning  Quality = 4
)

// String returns the quality name.
func (q Quality) String() string {
	switch q {
	case QualityValid:
		return "VALID"
	case QualityInvalid:
		return "INVALID"
	case QualityAlarm:
		return "ALARM"
	case QualityChanging:
		return "CHANGING"
	case QualityWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// AttributeValue is the payload of change, periodic, archive and user events,
// and the result of a read_attribute call.
type AttributeValue struct {
	Name    string    `cbor:"1,keyasint"`
	Value   any       `cbor:"2,keyasint"`
	Quality Quality   `cbor:"3,keyasint"`
	Time    time.Time `cbor:"4,keyasint"`

	// Format is only sent by producers at IDL 5 or later.
	Format string `cbor:"5,keyasint,omitempty"`
}

// AttributeConfig is the payload of attr_conf events.
type AttributeConfig struct {
	Name        string `cbor:"1,keyasint"`
	DataType    string `cbor:"2,keyasint"`
	Unit        string `cbor:"3,keyasint,omitempty"`
	Format      string `cbor:"4,keyasint,omitempty"`
	MinValue    string `cbor:"5,keyasint,omitempty"`
	MaxValue    string `cbor:"6,keyasint,omitempty"`
	Description string `cbor:"7,keyasint,omitempty"`
	Writable    bool   `cbor:"8,keyasint,omitempty"`
}

// DataReady is the payload of data_ready events.
type DataReady struct {
	Name     string `cbor:"1,keyasint"`
	DataType string `cbor:"2,keyasint"`
	Counter  int32  `cbor:"3,keyasint"`
}

// Severity ranks a DevError.
type Severity uint8

const (
	SeverityWarn  Severity = 0
	SeverityErr   Severity = 1
	SeverityPanic Severity = 2
)

// Error reasons used by producers and synthesized by consumers.
const (
	ReasonEventTimeout       = "API_EventTimeout"
	ReasonCantConnect        = "API_CantConnectToDevice"
	ReasonMissedEvents       = "API_MissedEvents"
	ReasonDecodeFailed       = "API_DecodeFailed"
	ReasonAttributeNotFound  = "API_AttrNotFound"
	ReasonDeviceNotFound     = "API_DeviceNotFound"
	ReasonCommandFailed      = "API_CommandFailed"
	ReasonUnsupportedFeature = "API_UnsupportedFeature"
)

// DevError is one entry of a producer error stack.
type DevError struct {
	Reason      string   `cbor:"1,keyasint"`
	Description string   `cbor:"2,keyasint,omitempty"`
	Origin      string   `cbor:"3,keyasint,omitempty"`
	Severity    Severity `cbor:"4,keyasint,omitempty"`
}

// String formats the entry as "reason: description (origin)".
func (e DevError) String() string {
	s := e.Reason
	if e.Description != "" {
		s += ": " + e.Description
	}
	if e.Origin != "" {
		s += " (" + e.Origin + ")"
	}
	return s
}

// ErrorList is an error stack, outermost entry last.
type ErrorList []DevError

// NewErrorList returns a single-entry error list.
func NewErrorList(reason, description, origin string) ErrorList {
	return ErrorList{{Reason: reason, Description: description, Origin: origin, Severity: SeverityErr}}
}

// Push returns a copy of l with a new outermost entry.
func (l ErrorList) Push(reason, description, origin string) ErrorList {
	out := make(ErrorList, len(l), len(l)+1)
	copy(out, l)
	return append(out, DevError{Reason: reason, Description: description, Origin: origin, Severity: SeverityErr})
}

// Reason returns the outermost reason, or "" for an empty list.
func (l ErrorList) Reason() string {
	if len(l) == 0 {
		return ""
	}
	return l[len(l)-1].Reason
}

// String joins all entries, outermost first.
func (l ErrorList) String() string {
	parts := make([]string, 0, len(l))
	for i := len(l) - 1; i >= 0; i-- {
		parts = append(parts, l[i].String())
	}
	return strings.Join(parts, "; ")
}

// DecodePayload decodes an event payload according to the message kind.
// Exception payloads always decode to ErrorList.
func DecodePayload(kind MessageKind, isError bool, data []byte, idl int) (any, error) {
	if idl < MinIDLVersion || idl > CurrentIDLVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedIDL, idl)
	}
	if isError {
		var errs ErrorList
		if err := Unmarshal(data, &errs); err != nil {
			return nil, fmt.Errorf("failed to decode error list: %w", err)
		}
		return errs, nil
	}
	switch kind {
	case KindData:
		var v AttributeValue
		if err := Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode attribute value: %w", err)
		}
		if idl < 5 {
			v.Format = ""
		}
		return &v, nil
	case KindConfigChange:
		var c AttributeConfig
		if err := Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to decode attribute config: %w", err)
		}
		return &c, nil
	case KindDataReady:
		var d DataReady
		if err := Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode data ready: %w", err)
		}
		return &d, nil
	default:
		return nil, fmt.Errorf("no payload for %s messages", kind)
	}
}
