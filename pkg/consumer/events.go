package consumer

import (
	"sync"
	"time"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Event is delivered to a subscription's sink. It is one of *DataEvent,
// *ConfigEvent or *DataReadyEvent.
type Event interface {
	Header() *EventHeader
}

// EventHeader carries the fields common to every event.
type EventHeader struct {
	SubscriptionID uint64
	Device         string
	Attribute      string

	// Name is the fully qualified event name.
	Name string
	Type wire.EventType

	Received time.Time

	// Errors is set for error events; the payload is then nil.
	Errors wire.ErrorList
}

// Header returns h.
func (h *EventHeader) Header() *EventHeader { return h }

// Failed reports whether this is an error event.
func (h *EventHeader) Failed() bool { return len(h.Errors) > 0 }

// DataEvent carries an attribute value (change, periodic, archive, user).
type DataEvent struct {
	EventHeader
	Value *wire.AttributeValue
}

// ConfigEvent carries an attribute configuration (attr_conf).
type ConfigEvent struct {
	EventHeader
	Config *wire.AttributeConfig
}

// DataReadyEvent signals new data on the producer (data_ready).
type DataReadyEvent struct {
	EventHeader
	Ready *wire.DataReady
}

var (
	_ Event = (*DataEvent)(nil)
	_ Event = (*ConfigEvent)(nil)
	_ Event = (*DataReadyEvent)(nil)
)

// Handler receives events of a subscription. PushEvent runs on the
// dispatch goroutine (or on the goroutine of Subscribe for the initial
// value) and must not block for long. It may call Subscribe and Unsubscribe
// for other subscriptions.
type Handler interface {
	PushEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// PushEvent calls f.
func (f HandlerFunc) PushEvent(e Event) { f(e) }

// Decoder turns an event payload into a typed value.
type Decoder interface {
	Decode(kind wire.MessageKind, isError bool, payload []byte, idl int) (any, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(kind wire.MessageKind, isError bool, payload []byte, idl int) (any, error)

// Decode calls f.
func (f DecoderFunc) Decode(kind wire.MessageKind, isError bool, payload []byte, idl int) (any, error) {
	return f(kind, isError, payload, idl)
}

// WireDecoder decodes CBOR payloads with wire.DecodePayload.
var WireDecoder Decoder = DecoderFunc(wire.DecodePayload)

// newEvent builds the event of the subscription's type. payload is the
// decoded value and may be nil.
func newEvent(s *subscription, now time.Time, payload any, errs wire.ErrorList) Event {
	h := EventHeader{
		SubscriptionID: s.id,
		Device:         s.device,
		Attribute:      s.attribute,
		Name:           s.key,
		Type:           s.eventType,
		Received:       now,
		Errors:         errs,
	}
	switch {
	case s.eventType.IsConfig():
		e := &ConfigEvent{EventHeader: h}
		e.Config, _ = payload.(*wire.AttributeConfig)
		return e
	case s.eventType == wire.EventDataReady:
		e := &DataReadyEvent{EventHeader: h}
		e.Ready, _ = payload.(*wire.DataReady)
		return e
	default:
		e := &DataEvent{EventHeader: h}
		e.Value, _ = payload.(*wire.AttributeValue)
		return e
	}
}

// eventQueue is the unbounded FIFO behind subscriptions without a handler.
type eventQueue struct {
	mu    sync.Mutex
	items []Event
}

func (q *eventQueue) PushEvent(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
}

func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
