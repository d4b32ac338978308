package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// NotifyConfig configures a NotifyTransport.
type NotifyConfig struct {
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// NotifyTransport receives events pushed by producers over RPC connections.
// Endpoints are ignored: the producer pushes on the connection that issued
// the subscription, and filters only select what reaches the handler.
type NotifyTransport struct {
	logger *slog.Logger
	plog   log.Logger

	mu      sync.RWMutex
	filters map[string]struct{}

	queue     *eventQueue
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	badFrames atomic.Uint64
}

// NewNotifyTransport creates a notification-channel transport.
func NewNotifyTransport(config NotifyConfig) *NotifyTransport {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NotifyTransport{
		logger:  logger,
		plog:    log.OrNoop(config.ProtocolLogger),
		filters: make(map[string]struct{}),
		queue:   newEventQueue(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Kind returns KindNotify.
func (t *NotifyTransport) Kind() Kind { return KindNotify }

// Run dispatches pushed messages to h until ctx is done or Close is called.
func (t *NotifyTransport) Run(ctx context.Context, h Handler) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("notify transport already running")
	}
	close(t.ready)
	t.queue.dispatch(ctx, t.done, h)
	return nil
}

// Ready is closed once Run has been called.
func (t *NotifyTransport) Ready() <-chan struct{} { return t.ready }

// Deliver decodes a pushed event frame set and queues it if a filter
// matches. Never blocks.
func (t *NotifyTransport) Deliver(data []byte) {
	select {
	case <-t.done:
		return
	default:
	}

	msg, err := wire.DecodeEvent(data)
	if err != nil {
		t.badFrames.Add(1)
		t.logger.Debug("dropping malformed push", "err", err)
		return
	}
	name := msg.Key
	if msg.Kind == wire.KindHeartbeat {
		name = wire.HeartbeatName(msg.Channel)
	}

	t.mu.RLock()
	_, ok := t.filters[name]
	t.mu.RUnlock()
	if !ok {
		return
	}

	t.plog.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Channel:   msg.Channel,
		Message:   &log.MessageEvent{Type: log.MessageTypePush, EventName: name, Kind: msg.Kind, Counter: msg.Counter},
	})
	t.queue.push(msg)
}

// ConnectHeartbeat accepts heartbeats of channel.
func (t *NotifyTransport) ConnectHeartbeat(_ context.Context, _, channel string) error {
	return t.add(wire.HeartbeatName(channel))
}

// DisconnectHeartbeat stops accepting heartbeats of channel.
func (t *NotifyTransport) DisconnectHeartbeat(_ context.Context, channel string) error {
	return t.remove(wire.HeartbeatName(channel))
}

// ConnectEvent accepts eventName.
func (t *NotifyTransport) ConnectEvent(_ context.Context, _, eventName string) error {
	return t.add(eventName)
}

// ConnectMulticastEvent is equivalent to ConnectEvent; pushes are unicast.
func (t *NotifyTransport) ConnectMulticastEvent(ctx context.Context, endpoint, eventName string, _ int, _ time.Duration) error {
	return t.ConnectEvent(ctx, endpoint, eventName)
}

// DisconnectEvent stops accepting eventName.
func (t *NotifyTransport) DisconnectEvent(_ context.Context, eventName string) error {
	return t.remove(eventName)
}

// Close stops Run. Later deliveries are dropped.
func (t *NotifyTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// BadFrames returns the number of pushes dropped as malformed.
func (t *NotifyTransport) BadFrames() uint64 { return t.badFrames.Load() }

func (t *NotifyTransport) add(name string) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	t.mu.Lock()
	t.filters[strings.ToLower(name)] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *NotifyTransport) remove(name string) error {
	name = strings.ToLower(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.filters[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}
	delete(t.filters, name)
	return nil
}

var (
	_ Transport    = (*NotifyTransport)(nil)
	_ PushReceiver = (*NotifyTransport)(nil)
)
