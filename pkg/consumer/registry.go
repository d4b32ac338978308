package consumer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/mash-events/pkg/connection"
	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// channel is the binding to one producer admin identity.
type channel struct {
	name    string
	monitor *monitor
	health  *connection.Health
	retry   *connection.Retry

	// refs counts live subscriptions plus subscribes in flight. Guarded by
	// the registry lock.
	refs int

	mu               sync.Mutex
	admin            AdminClient
	info             rpc.ChannelInfo
	lastHeartbeat    time.Time
	heartbeatSkipped bool
	lastResubscribed time.Time
	closed           bool
}

// beat records a heartbeat at now and reports whether the channel had
// been flagged as late.
func (ch *channel) beat(now time.Time) (wasSkipped bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if now.After(ch.lastHeartbeat) {
		ch.lastHeartbeat = now
	}
	wasSkipped = ch.heartbeatSkipped
	ch.heartbeatSkipped = false
	return wasSkipped
}

// adminClient returns the current admin handle, nil while unbound.
func (ch *channel) adminClient() AdminClient {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.admin
}

func (ch *channel) channelInfo() rpc.ChannelInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.info
}

func (ch *channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// heartbeatPeriod returns the producer's announced period, or def.
func (ch *channel) heartbeatPeriod(def time.Duration) time.Duration {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.info.HeartbeatPeriod > 0 {
		return ch.info.HeartbeatPeriod
	}
	return def
}

// subscription is one live or pending subscription.
type subscription struct {
	id         uint64
	key        string
	device     string
	attribute  string
	eventType  wire.EventType
	filters    []string
	constraint string
	stateless  bool
	sink       Handler
	queue      *eventQueue
	monitor    *monitor

	// channelName is set when the subscription goes live. Guarded by the
	// registry lock.
	channelName string

	removed         atomic.Bool
	filterInstalled atomic.Bool
	idl             atomic.Int32

	// Guarded by monitor.
	lastCounter uint32

	// Pending state. Guarded by the registry lock.
	lastRetry time.Time
	attempts  int
	lastErr   error
}

// constraintOf renders the filter expression of a subscription.
func constraintOf(key string, filters []string) string {
	c := fmt.Sprintf("$event == %q", key)
	if len(filters) > 0 {
		c += " && (" + strings.Join(filters, ") && (") + ")"
	}
	return c
}

// checkCounter records producer counter n and returns how many events were
// skipped since the previous one. Counter 0 means the producer does not
// number events; a counter that goes back means the producer restarted.
// Call with the monitor held.
func (s *subscription) checkCounter(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	last := s.lastCounter
	s.lastCounter = n
	if last == 0 || n <= last {
		return 0
	}
	return n - last - 1
}

type registry struct {
	mu       sync.RWMutex
	channels map[string]*channel
	subs     map[string]*subscription // live, by key
	byID     map[uint64]*subscription // live, by id
	pending  map[uint64]*subscription

	// claimed holds every key that is live, pending or being subscribed.
	claimed map[string]struct{}

	// lifecycles serialize binding and closing of same-named channels so
	// that a closing channel never drops the filters of its successor.
	lifecycles map[string]*sync.Mutex

	nextID atomic.Uint64
}

func newRegistry() *registry {
	return &registry{
		channels: make(map[string]*channel),
		subs:     make(map[string]*subscription),
		byID:     make(map[uint64]*subscription),
		pending:  make(map[uint64]*subscription),
		claimed:  make(map[string]struct{}),

		lifecycles: make(map[string]*sync.Mutex),
	}
}

// lifecycle returns the bind/close lock of channel name.
func (r *registry) lifecycle(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.lifecycles[name]
	if !ok {
		m = &sync.Mutex{}
		r.lifecycles[name] = m
	}
	return m
}

// claim reserves key for a new subscription.
func (r *registry) claim(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, key)
	}
	r.claimed[key] = struct{}{}
	return nil
}

func (r *registry) unclaim(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, key)
}

// addPending records a stateless subscription that could not be made.
func (r *registry) addPending(s *subscription, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.pending) >= limit {
		return fmt.Errorf("%w: limit %d", ErrTooManyPending, limit)
	}
	r.pending[s.id] = s
	return nil
}

// activate makes s live on channel ch. A pending s is promoted; if it was
// removed from the pending set meanwhile, activate fails.
func (r *registry) activate(s *subscription, ch *channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.id != 0 {
		if r.pending[s.id] != s {
			return false
		}
		delete(r.pending, s.id)
	} else {
		s.id = r.nextID.Add(1)
	}
	s.channelName = ch.name
	r.subs[s.key] = s
	r.byID[s.id] = s
	return true
}

// lookup returns the subscription with id and whether it is live.
func (r *registry) lookup(id uint64) (s *subscription, live bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byID[id]; ok {
		return s, true
	}
	if s, ok := r.pending[id]; ok {
		return s, false
	}
	return nil, false
}

// removePending erases a pending subscription and releases its key.
func (r *registry) removePending(s *subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[s.id] != s {
		return false
	}
	delete(r.pending, s.id)
	delete(r.claimed, s.key)
	return true
}

// removeLive erases a live subscription and returns its channel.
func (r *registry) removeLive(s *subscription) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[s.id] != s {
		return nil
	}
	delete(r.byID, s.id)
	delete(r.subs, s.key)
	delete(r.claimed, s.key)
	return r.channels[s.channelName]
}

// lastRef reports whether ch is registered and holds a single reference.
func (r *registry) lastRef(ch *channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ch.refs <= 1 && r.channels[ch.name] == ch
}

// pendingFailed records a failed retry of s. It returns false when s is no
// longer pending.
func (r *registry) pendingFailed(s *subscription, now time.Time, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[s.id] != s {
		return false
	}
	s.lastRetry = now
	s.attempts++
	s.lastErr = err
	return true
}

// duePending returns the pending subscriptions not retried within period.
func (r *registry) duePending(now time.Time, period time.Duration) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []*subscription
	for _, s := range r.pending {
		if s.lastRetry.IsZero() || now.Sub(s.lastRetry) >= period {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	return due
}

// channelSubs returns the live subscriptions of channel name in id order.
func (r *registry) channelSubs(name string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var subs []*subscription
	for _, s := range r.byID {
		if s.channelName == name {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (r *registry) channelList() []*channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i].name < chans[j].name })
	return chans
}

// reset empties the registry and returns the channels it held.
func (r *registry) reset() []*channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	for _, s := range r.byID {
		s.removed.Store(true)
	}
	r.channels = make(map[string]*channel)
	r.subs = make(map[string]*subscription)
	r.byID = make(map[uint64]*subscription)
	r.pending = make(map[uint64]*subscription)
	r.claimed = make(map[string]struct{})
	return chans
}
