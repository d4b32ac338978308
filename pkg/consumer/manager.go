package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mash-protocol/mash-events/pkg/connection"
	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/naming"
	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/transport"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Subscribe subscribes to events of eventType on device/attribute and
// returns the subscription id. Events go to sink; a nil sink queues them
// for Events. For every type except data_ready the current value is read
// and delivered before Subscribe returns.
//
// When the producer cannot be reached a stateful subscribe fails. A
// stateless one returns an id anyway and is retried by the keep-alive loop,
// delivering an error event on every failed attempt.
func (c *Consumer) Subscribe(ctx context.Context, device, attribute string, eventType wire.EventType, sink Handler, filters []string, stateless bool) (uint64, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if !eventType.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	s := c.newSubscription(device, attribute, eventType, sink, filters, stateless)
	if err := c.reg.claim(s.key); err != nil {
		return 0, err
	}

	err := c.connectSubscription(ctx, s)
	if err == nil {
		c.logger.Debug("subscribed", "sub_id", s.id, "event", s.key, "channel", s.channelName)
		return s.id, nil
	}
	if !stateless || errors.Is(err, ErrClosed) {
		c.reg.unclaim(s.key)
		return 0, err
	}

	s.id = c.reg.nextID.Add(1)
	s.lastErr = err
	if perr := c.reg.addPending(s, c.cfg.MaxPending); perr != nil {
		c.reg.unclaim(s.key)
		return 0, perr
	}
	c.logger.Info("subscription pending", "sub_id", s.id, "event", s.key, "err", err)
	return s.id, nil
}

func (c *Consumer) newSubscription(device, attribute string, eventType wire.EventType, sink Handler, filters []string, stateless bool) *subscription {
	device = naming.Normalize(device)
	attribute = strings.ToLower(strings.TrimSpace(attribute))
	key := wire.EventKey(device, attribute, eventType)
	s := &subscription{
		key:        key,
		device:     device,
		attribute:  attribute,
		eventType:  eventType,
		filters:    append([]string(nil), filters...),
		constraint: constraintOf(key, filters),
		stateless:  stateless,
		sink:       sink,
		monitor:    newMonitor(),
	}
	if sink == nil {
		s.queue = &eventQueue{}
		s.sink = s.queue
	}
	return s
}

// connectSubscription makes s live: it finds the producer's channel,
// installs the event filter, asks the producer to publish, and delivers the
// initial value.
func (c *Consumer) connectSubscription(ctx context.Context, s *subscription) error {
	callCtx, cancel := c.callContext(ctx)
	adminName, err := c.connector.Device(s.device).AdminName(callCtx)
	cancel()
	if err != nil {
		return classify(ErrConnection, "resolve admin of "+s.device, err)
	}

	ch, err := c.acquireChannel(ctx, naming.Normalize(adminName))
	if err != nil {
		return err
	}
	if err := c.install(ctx, ch, s); err != nil {
		c.releaseChannel(ch)
		return err
	}

	// Hold the monitor until the initial value is out so that no published
	// event overtakes it.
	locked := s.monitor.TryLock(c.cfg.UnsubscribeTimeout)
	if !c.reg.activate(s, ch) {
		if locked {
			s.monitor.Unlock()
		}
		c.uninstall(ch, s)
		c.releaseChannel(ch)
		return fmt.Errorf("%w: %s was unsubscribed", ErrSubscriptionNotFound, s.key)
	}
	if ev := c.readInitial(ctx, s); ev != nil {
		c.invoke(s, ev)
	}
	if locked {
		s.lastCounter = 0
		s.monitor.Unlock()
	}
	c.logState(log.StateEntitySubscription, s.channelName, "", "SUBSCRIBED", s.key)
	return nil
}

// readInitial reads the current value for s. It returns nil for data_ready
// subscriptions.
func (c *Consumer) readInitial(ctx context.Context, s *subscription) Event {
	if !s.eventType.HasInitialRead() {
		return nil
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	dev := c.connector.Device(s.device)
	now := c.now()
	if s.eventType.IsConfig() {
		cfg, err := dev.ReadAttributeConfig(ctx, s.attribute)
		if err != nil {
			err = classify(ErrConnection, "read config of "+s.key, err)
			return newEvent(s, now, nil, errorList(wire.ReasonCantConnect, err, s.device))
		}
		return newEvent(s, now, cfg, nil)
	}
	v, err := dev.ReadAttribute(ctx, s.attribute)
	if err != nil {
		err = classify(ErrConnection, "read "+s.key, err)
		return newEvent(s, now, nil, errorList(wire.ReasonCantConnect, err, s.device))
	}
	return newEvent(s, now, v, nil)
}

// install adds the transport filter of s on ch and asks the producer to
// publish its event.
func (c *Consumer) install(ctx context.Context, ch *channel, s *subscription) error {
	admin := ch.adminClient()
	if admin == nil {
		return fmt.Errorf("%w: channel %s is not bound", ErrConnection, ch.name)
	}
	info := ch.channelInfo()

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.tr.ConnectEvent(callCtx, info.EventEndpoint, s.key); err != nil {
		return classify(ErrTransport, "connect event "+s.key, err)
	}
	s.filterInstalled.Store(true)

	reply, err := admin.EventSubscriptionChange(callCtx, rpc.SubscriptionChangeArgs{
		Device:    s.device,
		Attribute: s.attribute,
		Action:    rpc.ActionSubscribe,
		EventType: s.eventType,
		Transport: string(c.tr.Kind()),
	})
	if err != nil {
		c.removeFilter(s)
		return classify(ErrConnection, "subscribe "+s.key, err)
	}

	if reply.MulticastEndpoint != "" && c.tr.Kind() == transport.KindBroker {
		interval := time.Duration(reply.MulticastInterval) * time.Millisecond
		c.removeFilter(s)
		if err := c.tr.ConnectMulticastEvent(callCtx, reply.MulticastEndpoint, s.key, reply.MulticastRate, interval); err != nil {
			return classify(ErrTransport, "connect multicast event "+s.key, err)
		}
		s.filterInstalled.Store(true)
	}

	idl := reply.IDLVersion
	if idl == 0 {
		idl = info.IDLVersion
	}
	s.idl.Store(int32(idl))
	return nil
}

// removeFilter drops the transport filter of s if it is installed.
func (c *Consumer) removeFilter(s *subscription) {
	if !s.filterInstalled.Swap(false) {
		return
	}
	ctx, cancel := c.callContext(c.ctx)
	defer cancel()
	if err := c.tr.DisconnectEvent(ctx, s.key); err != nil && !errors.Is(err, transport.ErrUnknownFilter) {
		c.logger.Debug("disconnect event failed", "event", s.key, "err", err)
	}
}

// uninstall removes the filter of s and tells the producer to stop
// publishing, without waiting for the answer.
func (c *Consumer) uninstall(ch *channel, s *subscription) {
	c.removeFilter(s)
	admin := ch.adminClient()
	if admin == nil {
		return
	}
	c.spawn(func() { c.announceUnsubscribe(admin, s) })
}

func (c *Consumer) announceUnsubscribe(admin AdminClient, s *subscription) {
	ctx, cancel := c.callContext(c.ctx)
	defer cancel()
	_, err := admin.EventSubscriptionChange(ctx, rpc.SubscriptionChangeArgs{
		Device:    s.device,
		Attribute: s.attribute,
		Action:    rpc.ActionUnsubscribe,
		EventType: s.eventType,
		Transport: string(c.tr.Kind()),
	})
	if err != nil {
		c.logger.Debug("unsubscribe announcement failed", "event", s.key, "err", err)
	}
}

// Unsubscribe removes a subscription. If its callback is running,
// Unsubscribe waits for it up to UnsubscribeTimeout; after that it logs a
// warning and removes the subscription without waiting, so the running
// callback may still be executing when Unsubscribe returns. No new event is
// delivered once Unsubscribe has returned.
//
// Removing the last subscription of a channel drops the heartbeat filter,
// closes the admin connection and forgets the channel before Unsubscribe
// returns. The producer is then told to stop publishing first, bounded by
// RPCTimeout; otherwise that announcement is sent in the background.
func (c *Consumer) Unsubscribe(ctx context.Context, id uint64) error {
	if c.closed.Load() {
		return ErrClosed
	}

	s, live := c.reg.lookup(id)
	if s != nil && !live {
		if c.reg.removePending(s) {
			s.removed.Store(true)
			c.logger.Debug("pending subscription removed", "sub_id", id, "event", s.key)
			return nil
		}
		// Promoted meanwhile.
		s, live = c.reg.lookup(id)
	}
	if s == nil || !live || !s.removed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}

	locked := s.monitor.TryLock(c.cfg.UnsubscribeTimeout)
	if !locked {
		c.logger.Warn("unsubscribe did not wait for running callback", "sub_id", id, "event", s.key)
	}
	ch := c.reg.removeLive(s)
	if locked {
		s.monitor.Unlock()
	}

	if ch == nil {
		return nil
	}
	c.removeFilter(s)
	if admin := ch.adminClient(); admin != nil {
		if c.reg.lastRef(ch) {
			c.announceUnsubscribe(admin, s)
		} else {
			c.spawn(func() { c.announceUnsubscribe(admin, s) })
		}
	}
	c.releaseChannel(ch)
	c.logState(log.StateEntitySubscription, ch.name, "SUBSCRIBED", "UNSUBSCRIBED", s.key)
	return nil
}

// acquireChannel returns the channel of admin identity name with one more
// reference, creating and binding it if needed.
func (c *Consumer) acquireChannel(ctx context.Context, name string) (*channel, error) {
	for {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		c.reg.mu.Lock()
		if ch, ok := c.reg.channels[name]; ok {
			ch.refs++
			c.reg.mu.Unlock()
			return ch, nil
		}
		c.reg.mu.Unlock()

		v, err, _ := c.flights.Do(name, func() (any, error) {
			return c.connectChannel(ctx, name)
		})
		if err != nil {
			return nil, err
		}
		ch := v.(*channel)

		c.reg.mu.Lock()
		if c.reg.channels[name] == ch {
			ch.refs++
			c.reg.mu.Unlock()
			return ch, nil
		}
		// Released before we got our reference; start over.
		c.reg.mu.Unlock()
	}
}

// connectChannel creates, binds and registers the channel of name.
func (c *Consumer) connectChannel(ctx context.Context, name string) (*channel, error) {
	life := c.reg.lifecycle(name)
	life.Lock()
	defer life.Unlock()

	c.reg.mu.RLock()
	existing := c.reg.channels[name]
	c.reg.mu.RUnlock()
	if existing != nil {
		return existing, nil
	}

	ch := &channel{
		name:    name,
		monitor: newMonitor(),
		retry:   connection.NewRetry(c.cfg.Retry),
	}
	ch.health = connection.NewHealth(func(from, to connection.State, reason string) {
		c.logState(log.StateEntityChannel, name, from.String(), to.String(), reason)
	})

	if err := c.bind(ctx, ch); err != nil {
		return nil, err
	}
	_ = ch.health.Set(connection.StateHealthy, "connected")

	c.reg.mu.Lock()
	if c.closed.Load() {
		c.reg.mu.Unlock()
		c.closeChannel(ch, "consumer closed")
		return nil, ErrClosed
	}
	c.reg.channels[name] = ch
	c.reg.mu.Unlock()
	return ch, nil
}

// bind opens the admin connection of ch, fetches its endpoints and installs
// the heartbeat filter.
func (c *Consumer) bind(ctx context.Context, ch *channel) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	admin, err := c.connector.Admin(ctx, ch.name)
	if err != nil {
		return classify(ErrConnection, "open admin "+ch.name, err)
	}
	info, err := admin.ChannelInfo(ctx)
	if err != nil {
		_ = admin.Close()
		return classify(ErrConnection, "channel info of "+ch.name, err)
	}
	if pr, ok := c.tr.(transport.PushReceiver); ok {
		admin.SetPushHandler(pr.Deliver)
	}
	if err := c.tr.ConnectHeartbeat(ctx, info.HeartbeatEndpoint, ch.name); err != nil {
		_ = admin.Close()
		return classify(ErrTransport, "connect heartbeat of "+ch.name, err)
	}

	now := c.now()
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		c.dropHeartbeat(ch)
		_ = admin.Close()
		return fmt.Errorf("%w: channel %s released", ErrConnection, ch.name)
	}
	ch.admin = admin
	ch.info = *info
	if now.After(ch.lastHeartbeat) {
		ch.lastHeartbeat = now
	}
	ch.heartbeatSkipped = false
	ch.lastResubscribed = now
	ch.mu.Unlock()

	c.logger.Debug("channel bound", "channel", ch.name, "host", info.Host, "incarnation", info.Incarnation,
		"heartbeat", info.HeartbeatEndpoint, "events", info.EventEndpoint)
	return nil
}

// unbind drops the heartbeat filter and closes the admin connection of ch.
func (c *Consumer) unbind(ch *channel) {
	ch.mu.Lock()
	admin := ch.admin
	ch.admin = nil
	ch.mu.Unlock()

	c.dropHeartbeat(ch)
	if admin != nil {
		_ = admin.Close()
	}
}

func (c *Consumer) dropHeartbeat(ch *channel) {
	ctx, cancel := c.callContext(context.Background())
	defer cancel()
	if err := c.tr.DisconnectHeartbeat(ctx, ch.name); err != nil &&
		!errors.Is(err, transport.ErrUnknownFilter) && !errors.Is(err, transport.ErrClosed) {
		c.logger.Debug("disconnect heartbeat failed", "channel", ch.name, "err", err)
	}
}

// releaseChannel drops one reference and closes ch with the last one.
func (c *Consumer) releaseChannel(ch *channel) {
	c.reg.mu.Lock()
	ch.refs--
	last := ch.refs <= 0 && c.reg.channels[ch.name] == ch
	c.reg.mu.Unlock()
	if !last {
		return
	}

	life := c.reg.lifecycle(ch.name)
	life.Lock()
	defer life.Unlock()

	// A subscribe may have taken a reference meanwhile.
	c.reg.mu.Lock()
	last = ch.refs <= 0 && c.reg.channels[ch.name] == ch
	if last {
		delete(c.reg.channels, ch.name)
	}
	c.reg.mu.Unlock()
	if last {
		c.closeChannel(ch, "last subscription removed")
	}
}

// closeChannel releases ch for good. It waits for a keep-alive pass in
// progress on the channel.
func (c *Consumer) closeChannel(ch *channel, reason string) {
	locked := ch.monitor.TryLock(c.cfg.RPCTimeout)
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	c.unbind(ch)
	if locked {
		ch.monitor.Unlock()
	}
	_ = ch.health.Set(connection.StateClosed, reason)
}

// callContext bounds one producer or transport call.
func (c *Consumer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RPCTimeout)
}

func (c *Consumer) logState(entity log.StateEntity, channel, from, to, reason string) {
	if entity == log.StateEntityChannel {
		c.logger.Info("channel state", "channel", channel, "from", from, "to", to, "reason", reason)
	}
	c.plog.Log(log.Event{
		Timestamp: c.now(),
		Layer:     log.LayerMonitor,
		Category:  log.CategoryState,
		LocalRole: log.RoleConsumer,
		Channel:   channel,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: from,
			NewState: to,
			Reason:   reason,
		},
	})
}
