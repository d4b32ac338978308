package consumer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mash-protocol/mash-events/pkg/connection"
	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// maxParallelChecks bounds how many channels one tick supervises at once.
const maxParallelChecks = 8

type delivery struct {
	sub          *subscription
	ev           Event
	resetCounter bool
}

func (c *Consumer) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one keep-alive pass.
func (c *Consumer) tick(ctx context.Context) {
	now := c.now()
	c.retryPending(ctx, now)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)
	for _, ch := range c.reg.channelList() {
		g.Go(func() error {
			c.checkChannel(gctx, ch, now)
			return nil
		})
	}
	_ = g.Wait()
}

// retryPending re-attempts stateless subscriptions not tried for a tick.
func (c *Consumer) retryPending(ctx context.Context, now time.Time) {
	for _, s := range c.reg.duePending(now, c.cfg.tick()) {
		if ctx.Err() != nil {
			return
		}
		err := c.connectSubscription(ctx, s)
		if err == nil {
			c.logger.Info("pending subscription connected", "sub_id", s.id, "event", s.key, "channel", s.channelName)
			continue
		}
		if errors.Is(err, ErrSubscriptionNotFound) || errors.Is(err, ErrClosed) {
			continue
		}
		if !c.reg.pendingFailed(s, now, err) {
			continue
		}
		c.logger.Debug("pending subscription failed", "sub_id", s.id, "event", s.key, "err", err)
		c.deliver(s, newEvent(s, now, nil, errorList(wire.ReasonCantConnect, err, s.device)), false)
	}
}

// checkChannel supervises ch under its monitor and delivers the resulting
// events after releasing it.
func (c *Consumer) checkChannel(ctx context.Context, ch *channel, now time.Time) {
	if !ch.monitor.TryLock(c.cfg.LockTimeout) {
		return
	}
	out := c.supervise(ctx, ch, now)
	ch.monitor.Unlock()

	for _, d := range out {
		c.deliver(d.sub, d.ev, d.resetCounter)
	}
}

func (c *Consumer) supervise(ctx context.Context, ch *channel, now time.Time) []delivery {
	if ch.isClosed() {
		return nil
	}
	tick := c.cfg.tick()
	period := ch.heartbeatPeriod(c.cfg.HeartbeatPeriod)

	ch.mu.Lock()
	stale := now.Sub(ch.lastHeartbeat) > period+tick
	skipped := ch.heartbeatSkipped
	lastResubscribed := ch.lastResubscribed
	ch.mu.Unlock()

	state := ch.health.State()
	switch {
	case state == connection.StateReconnecting, stale && skipped:
		if !ch.retry.Due(now) {
			return nil
		}
		return c.reconnect(ctx, ch, now, "heartbeat lost")

	case stale:
		ch.mu.Lock()
		ch.heartbeatSkipped = true
		ch.mu.Unlock()
		_ = ch.health.Set(connection.StateDegraded, "heartbeat late")
		return c.probe(ctx, ch, now)

	case now.Sub(lastResubscribed) >= c.cfg.ResubscribePeriod/3:
		if err := c.announce(ctx, ch); err != nil {
			c.logger.Debug("lease renewal failed", "channel", ch.name, "err", err)
		} else {
			ch.mu.Lock()
			ch.lastResubscribed = now
			ch.mu.Unlock()
		}
	}
	return c.reinstallMissing(ctx, ch, now)
}

// probe asks a late channel's producer who it is. The same process gets
// its subscriptions re-announced; anything else is reconnected.
func (c *Consumer) probe(ctx context.Context, ch *channel, now time.Time) []delivery {
	admin := ch.adminClient()
	if admin == nil {
		return c.reconnect(ctx, ch, now, "channel unbound")
	}
	callCtx, cancel := c.callContext(ctx)
	info, err := admin.Info(callCtx)
	cancel()
	if err != nil {
		return c.reconnect(ctx, ch, now, "probe failed: "+err.Error())
	}

	known := ch.channelInfo()
	if info.Host != known.Host || info.Incarnation != known.Incarnation {
		c.logger.Info("producer restarted", "channel", ch.name,
			"host", info.Host, "incarnation", info.Incarnation,
			"old_host", known.Host, "old_incarnation", known.Incarnation)
		return c.reconnect(ctx, ch, now, "producer restarted")
	}

	if err := c.announce(ctx, ch); err != nil {
		return c.reconnect(ctx, ch, now, "resubscribe failed: "+err.Error())
	}
	ch.mu.Lock()
	ch.lastResubscribed = now
	ch.mu.Unlock()
	return nil
}

// reconnect tears down the binding of ch, binds it again and reinstalls
// every subscription. Failures become error events and are retried on a
// later tick.
func (c *Consumer) reconnect(ctx context.Context, ch *channel, now time.Time, reason string) []delivery {
	_ = ch.health.Set(connection.StateReconnecting, reason)
	subs := c.reg.channelSubs(ch.name)

	for _, s := range subs {
		c.removeFilter(s)
	}
	c.unbind(ch)

	if err := c.bind(ctx, ch); err != nil {
		ch.retry.Failed(now, err)
		c.logger.Debug("channel reconnect failed", "channel", ch.name, "attempt", ch.retry.Failures(), "err", err)
		errs := errorList(wire.ReasonEventTimeout, err, ch.name)
		out := make([]delivery, 0, len(subs))
		for _, s := range subs {
			out = append(out, delivery{sub: s, ev: newEvent(s, now, nil, errs)})
		}
		return out
	}

	ch.retry.Succeeded()
	_ = ch.health.Set(connection.StateHealthy, "reconnected")
	return c.reinstall(ctx, ch, subs, now)
}

// reinstallMissing reinstalls subscriptions of a bound channel whose filter
// is missing after an earlier failure.
func (c *Consumer) reinstallMissing(ctx context.Context, ch *channel, now time.Time) []delivery {
	var missing []*subscription
	for _, s := range c.reg.channelSubs(ch.name) {
		if !s.filterInstalled.Load() {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return c.reinstall(ctx, ch, missing, now)
}

// reinstall installs each subscription on ch and reads its current value.
func (c *Consumer) reinstall(ctx context.Context, ch *channel, subs []*subscription, now time.Time) []delivery {
	out := make([]delivery, 0, len(subs))
	for _, s := range subs {
		if s.removed.Load() {
			continue
		}
		if err := c.install(ctx, ch, s); err != nil {
			c.logger.Debug("resubscribe failed", "channel", ch.name, "event", s.key, "err", err)
			out = append(out, delivery{sub: s, ev: newEvent(s, now, nil, errorList(wire.ReasonEventTimeout, err, ch.name))})
			continue
		}
		if s.removed.Load() {
			c.removeFilter(s)
			continue
		}
		if ev := c.readInitial(ctx, s); ev != nil {
			out = append(out, delivery{sub: s, ev: ev, resetCounter: true})
		}
	}
	ch.mu.Lock()
	ch.lastResubscribed = now
	ch.mu.Unlock()
	return out
}

// announce re-issues the subscribe command of every installed subscription
// on ch, renewing the producer's leases.
func (c *Consumer) announce(ctx context.Context, ch *channel) error {
	admin := ch.adminClient()
	if admin == nil {
		return ErrConnection
	}
	var errs []error
	for _, s := range c.reg.channelSubs(ch.name) {
		if s.removed.Load() || !s.filterInstalled.Load() {
			continue
		}
		callCtx, cancel := c.callContext(ctx)
		_, err := admin.EventSubscriptionChange(callCtx, rpc.SubscriptionChangeArgs{
			Device:    s.device,
			Attribute: s.attribute,
			Action:    rpc.ActionSubscribe,
			EventType: s.eventType,
			Transport: string(c.tr.Kind()),
		})
		cancel()
		if err != nil {
			errs = append(errs, classify(ErrConnection, "resubscribe "+s.key, err))
		}
	}
	return errors.Join(errs...)
}
