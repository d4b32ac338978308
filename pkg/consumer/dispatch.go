package consumer

import (
	"fmt"

	"github.com/mash-protocol/mash-events/pkg/connection"
	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/naming"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// dispatch routes one transport message. It runs on the transport's
// dispatch goroutine.
func (c *Consumer) dispatch(msg *wire.EventMessage) {
	switch msg.Kind {
	case wire.KindHeartbeat:
		c.onHeartbeat(msg)
	case wire.KindData, wire.KindConfigChange, wire.KindDataReady:
		c.onEvent(msg)
	default:
		c.logger.Debug("ignoring transport message", "kind", msg.Kind.String())
	}
}

func (c *Consumer) onHeartbeat(msg *wire.EventMessage) {
	name := naming.Normalize(msg.Channel)
	c.reg.mu.RLock()
	ch := c.reg.channels[name]
	c.reg.mu.RUnlock()
	if ch == nil {
		c.logger.Debug("heartbeat for unknown channel", "channel", name)
		return
	}

	if !ch.monitor.TryLock(c.cfg.LockTimeout) {
		c.lockTimeout("channel", name)
		return
	}
	wasSkipped := ch.beat(c.now())
	ch.monitor.Unlock()

	if wasSkipped && ch.health.State() == connection.StateDegraded {
		_ = ch.health.Set(connection.StateHealthy, "heartbeat resumed")
	}
}

func (c *Consumer) onEvent(msg *wire.EventMessage) {
	c.reg.mu.RLock()
	s := c.reg.subs[msg.Key]
	c.reg.mu.RUnlock()
	if s == nil {
		c.stats.dropped.Add(1)
		c.logger.Debug("event for unknown subscription", "event", msg.Key)
		return
	}

	if !s.monitor.TryLock(c.cfg.LockTimeout) {
		c.stats.dropped.Add(1)
		c.lockTimeout("subscription", msg.Key)
		return
	}
	defer s.monitor.Unlock()
	if s.removed.Load() {
		c.stats.dropped.Add(1)
		return
	}

	now := c.now()
	if missed := s.checkCounter(msg.Counter); missed > 0 {
		c.stats.missed.Add(uint64(missed))
		desc := fmt.Sprintf("%d event(s) lost before counter %d", missed, msg.Counter)
		c.invoke(s, newEvent(s, now, nil, wire.NewErrorList(wire.ReasonMissedEvents, desc, s.key)))
	}

	var ev Event
	payload, err := c.decoder.Decode(msg.Kind, msg.IsError, msg.Payload, msg.IDL)
	switch {
	case err != nil:
		ev = newEvent(s, now, nil, wire.NewErrorList(wire.ReasonDecodeFailed, err.Error(), s.key))
	default:
		if errs, ok := payload.(wire.ErrorList); ok {
			ev = newEvent(s, now, nil, errs)
		} else {
			ev = newEvent(s, now, payload, nil)
		}
	}

	c.plog.Log(log.Event{
		Timestamp: now,
		Direction: log.DirectionIn,
		Layer:     log.LayerDispatch,
		Category:  log.CategoryMessage,
		LocalRole: log.RoleConsumer,
		Channel:   s.channelName,
		Message: &log.MessageEvent{
			Type:      log.MessageTypeEvent,
			EventName: msg.Key,
			Kind:      msg.Kind,
			Counter:   msg.Counter,
		},
	})
	c.invoke(s, ev)
}

// invoke runs the sink of s. A panicking sink is logged and survives.
func (c *Consumer) invoke(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.stats.panics.Add(1)
			c.logger.Error("event callback panicked", "sub_id", s.id, "event", s.key, "panic", r)
		}
	}()
	s.sink.PushEvent(ev)
	c.stats.delivered.Add(1)
}

// deliver runs the sink of s for ev from outside the dispatcher. It takes
// the subscription monitor and skips removed subscriptions.
func (c *Consumer) deliver(s *subscription, ev Event, resetCounter bool) {
	if !s.monitor.TryLock(c.cfg.LockTimeout) {
		c.stats.dropped.Add(1)
		c.lockTimeout("subscription", s.key)
		return
	}
	defer s.monitor.Unlock()
	if s.removed.Load() {
		return
	}
	if resetCounter {
		s.lastCounter = 0
	}
	c.invoke(s, ev)
}

func (c *Consumer) lockTimeout(what, name string) {
	c.stats.lockTimeouts.Add(1)
	if c.lockWarn.Allow() {
		c.logger.Warn("monitor busy, message dropped", "monitor", what, "name", name, "timeout", c.cfg.LockTimeout)
	}
	c.plog.Log(log.Event{
		Timestamp: c.now(),
		Layer:     log.LayerDispatch,
		Category:  log.CategoryError,
		LocalRole: log.RoleConsumer,
		Channel:   name,
		Error: &log.ErrorEventData{
			Layer:   log.LayerDispatch,
			Message: "lock timeout",
			Context: what,
		},
	})
}
