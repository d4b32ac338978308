package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mash-protocol/mash-events/pkg/connection"
	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/transport"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Consumer owns subscriptions, channels, the transport and the keep-alive
// loop. Create it with New, call Start, and Close it when done.
type Consumer struct {
	cfg       Config
	logger    *slog.Logger
	plog      log.Logger
	connector Connector
	tr        transport.Transport
	decoder   Decoder

	reg     *registry
	flights singleflight.Group

	// lockWarn throttles lock-timeout warnings from the dispatcher.
	lockWarn *rate.Limiter
	stats    counters

	now func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	bgMu    sync.Mutex
	bg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
	once    sync.Once
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithTransport uses tr instead of building one from Config.Transport.
func WithTransport(tr transport.Transport) Option {
	return func(c *Consumer) { c.tr = tr }
}

// WithDecoder replaces the payload decoder.
func WithDecoder(d Decoder) Option {
	return func(c *Consumer) { c.decoder = d }
}

// New creates a consumer. It opens no connection until Start and Subscribe.
func New(cfg Config, connector Connector, opts ...Option) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if connector == nil {
		return nil, fmt.Errorf("%w: nil connector", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:       cfg,
		logger:    logger,
		plog:      log.OrNoop(cfg.ProtocolLogger),
		connector: connector,
		decoder:   WireDecoder,
		reg:       newRegistry(),
		lockWarn:  rate.NewLimiter(rate.Every(time.Second), 5),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tr == nil {
		switch cfg.Transport {
		case transport.KindNotify:
			c.tr = transport.NewNotifyTransport(transport.NotifyConfig{
				Logger:         logger,
				ProtocolLogger: cfg.ProtocolLogger,
			})
		default:
			bc := transport.DefaultBrokerConfig()
			bc.Logger = logger
			bc.ProtocolLogger = cfg.ProtocolLogger
			c.tr = transport.NewBrokerTransport(bc)
		}
	}
	return c, nil
}

// Start runs the transport and the keep-alive loop. It returns once the
// transport accepts commands.
func (c *Consumer) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	g, gctx := errgroup.WithContext(c.ctx)
	c.group = g
	g.Go(func() error { return c.tr.Run(gctx, c.dispatch) })
	g.Go(func() error { return c.keepAliveLoop(gctx) })

	select {
	case <-c.tr.Ready():
		c.logger.Info("event consumer started", "transport", string(c.tr.Kind()), "tick", c.cfg.tick())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the keep-alive loop and the transport and releases every
// channel. Subscriptions are forgotten; producers let their leases expire.
func (c *Consumer) Close() error {
	var err error
	c.once.Do(func() {
		c.bgMu.Lock()
		c.closed.Store(true)
		c.bgMu.Unlock()
		c.cancel()
		c.bg.Wait()

		if cerr := c.tr.Close(); cerr != nil {
			err = cerr
		}
		if c.group != nil {
			if gerr := c.group.Wait(); gerr != nil && err == nil {
				err = gerr
			}
		}
		for _, ch := range c.reg.reset() {
			c.closeChannel(ch, "consumer closed")
		}
		c.logger.Info("event consumer closed")
	})
	return err
}

// spawn runs f in the background unless the consumer is closed. Close
// waits for every spawned function.
func (c *Consumer) spawn(f func()) bool {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		f()
	}()
	return true
}

// usable reports whether the consumer accepts subscription calls.
func (c *Consumer) usable() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// SubscriptionStatus describes a live or pending subscription.
type SubscriptionStatus struct {
	ID         uint64
	Name       string
	Device     string
	Attribute  string
	EventType  wire.EventType
	Filters    []string
	Constraint string
	Channel    string

	Stateless bool
	// Queueing is set when events are queued for Events instead of
	// delivered to a handler.
	Queueing bool

	Pending         bool
	FilterInstalled bool
	IDLVersion      int
	Queued          int

	// Attempts and LastError describe retries of a pending subscription.
	Attempts  int
	LastError string
}

// Subscriptions returns every live and pending subscription in id order.
func (c *Consumer) Subscriptions() []SubscriptionStatus {
	c.reg.mu.RLock()
	out := make([]SubscriptionStatus, 0, len(c.reg.byID)+len(c.reg.pending))
	add := func(s *subscription, pending bool) {
		st := SubscriptionStatus{
			ID:              s.id,
			Name:            s.key,
			Device:          s.device,
			Attribute:       s.attribute,
			EventType:       s.eventType,
			Filters:         append([]string(nil), s.filters...),
			Constraint:      s.constraint,
			Channel:         s.channelName,
			Stateless:       s.stateless,
			Queueing:        s.queue != nil,
			Pending:         pending,
			FilterInstalled: s.filterInstalled.Load(),
			IDLVersion:      int(s.idl.Load()),
			Attempts:        s.attempts,
		}
		if s.queue != nil {
			st.Queued = s.queue.len()
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		out = append(out, st)
	}
	for _, s := range c.reg.byID {
		add(s, false)
	}
	for _, s := range c.reg.pending {
		add(s, true)
	}
	c.reg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChannelStatus describes a channel.
type ChannelStatus struct {
	Name              string
	State             connection.State
	Host              string
	Incarnation       string
	HeartbeatEndpoint string
	EventEndpoint     string
	LastHeartbeat     time.Time
	HeartbeatSkipped  bool
	LastResubscribed  time.Time
	Subscriptions     int
	Failures          int
	NextAttempt       time.Time
}

// Channels returns every channel in name order.
func (c *Consumer) Channels() []ChannelStatus {
	chans := c.reg.channelList()
	out := make([]ChannelStatus, 0, len(chans))
	for _, ch := range chans {
		st := ChannelStatus{
			Name:          ch.name,
			State:         ch.health.State(),
			Subscriptions: len(c.reg.channelSubs(ch.name)),
			Failures:      ch.retry.Failures(),
			NextAttempt:   ch.retry.NextAttempt(),
		}
		ch.mu.Lock()
		st.Host = ch.info.Host
		st.Incarnation = ch.info.Incarnation
		st.HeartbeatEndpoint = ch.info.HeartbeatEndpoint
		st.EventEndpoint = ch.info.EventEndpoint
		st.LastHeartbeat = ch.lastHeartbeat
		st.HeartbeatSkipped = ch.heartbeatSkipped
		st.LastResubscribed = ch.lastResubscribed
		ch.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Events drains the queue of a subscription created without a handler.
func (c *Consumer) Events(id uint64) ([]Event, error) {
	s, _ := c.reg.lookup(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	if s.queue == nil {
		return nil, fmt.Errorf("subscription %d delivers to a handler", id)
	}
	return s.queue.drain(), nil
}

// QueueLen returns the number of queued events of a subscription.
func (c *Consumer) QueueLen(id uint64) (int, error) {
	s, _ := c.reg.lookup(id)
	if s == nil {
		return 0, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	if s.queue == nil {
		return 0, nil
	}
	return s.queue.len(), nil
}

// Stats are delivery counters.
type Stats struct {
	Delivered    uint64
	Dropped      uint64
	LockTimeouts uint64
	MissedEvents uint64
	Panics       uint64
}

type counters struct {
	delivered    atomic.Uint64
	dropped      atomic.Uint64
	lockTimeouts atomic.Uint64
	missed       atomic.Uint64
	panics       atomic.Uint64
}

// Stats returns the delivery counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Delivered:    c.stats.delivered.Load(),
		Dropped:      c.stats.dropped.Load(),
		LockTimeouts: c.stats.lockTimeouts.Load(),
		MissedEvents: c.stats.missed.Load(),
		Panics:       c.stats.panics.Load(),
	}
}
