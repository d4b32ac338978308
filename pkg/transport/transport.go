package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Kind selects a transport implementation.
type Kind string

const (
	KindBroker Kind = "broker"
	KindNotify Kind = "notify"
)

// ParseKind parses a transport kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindBroker, KindNotify:
		return k, nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

// Transport errors.
var (
	ErrClosed        = errors.New("transport closed")
	ErrNotRunning    = errors.New("transport not running")
	ErrUnknownFilter = errors.New("unknown filter")
)

// Handler consumes decoded event messages. It runs on the transport's
// dispatch goroutine, one message at a time, in arrival order.
type Handler func(msg *wire.EventMessage)

// Transport delivers heartbeats and events for the filters installed on it.
type Transport interface {
	// Kind reports the implementation.
	Kind() Kind

	// Run dispatches messages to h until ctx is done or Close is called.
	Run(ctx context.Context, h Handler) error

	// Ready is closed once Run accepts commands.
	Ready() <-chan struct{}

	// ConnectHeartbeat starts receiving heartbeats of channel from endpoint.
	ConnectHeartbeat(ctx context.Context, endpoint, channel string) error

	// DisconnectHeartbeat stops receiving heartbeats of channel.
	DisconnectHeartbeat(ctx context.Context, channel string) error

	// ConnectEvent starts receiving eventName from endpoint.
	ConnectEvent(ctx context.Context, endpoint, eventName string) error

	// ConnectMulticastEvent starts receiving eventName from a multicast group.
	ConnectMulticastEvent(ctx context.Context, endpoint, eventName string, rate int, interval time.Duration) error

	// DisconnectEvent stops receiving eventName.
	DisconnectEvent(ctx context.Context, eventName string) error

	// Close stops Run and releases every socket.
	Close() error
}

// PushReceiver is implemented by transports fed by RPC push messages.
type PushReceiver interface {
	Deliver(data []byte)
}

// eventQueue is an unbounded FIFO between producers of messages (socket
// loop, RPC read goroutine) and the dispatch goroutine. Push never blocks.
type eventQueue struct {
	mu     sync.Mutex
	items  []*wire.EventMessage
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(msg *wire.EventMessage) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []*wire.EventMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// dispatch runs h on queued messages until done is closed. Messages still
// queued at that point are dropped.
func (q *eventQueue) dispatch(ctx context.Context, done <-chan struct{}, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-q.signal:
			for _, msg := range q.drain() {
				h(msg)
			}
		}
	}
}

// splitEndpoint returns the network and address of an endpoint written as
// "tcp://host:port", "udp://group:port" or a bare "host:port" (TCP).
func splitEndpoint(endpoint string) (network, addr string) {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		return endpoint[:i], endpoint[i+3:]
	}
	return "tcp", endpoint
}
