package producersim

import (
	"sync"
	"time"

	"github.com/mash-protocol/mash-events/pkg/rpc"
)

// DefaultLease is how long a subscription lasts without being renewed.
const DefaultLease = 600 * time.Second

type lease struct {
	transport string
	expires   time.Time
}

// leases tracks which admin connections subscribed to which events. A
// connection's leases end when it closes or when they expire.
type leases struct {
	mu      sync.Mutex
	period  time.Duration
	byKey   map[string]map[*rpc.ServerConn]lease
	watched map[*rpc.ServerConn]struct{}
}

func newLeases(period time.Duration) *leases {
	if period <= 0 {
		period = DefaultLease
	}
	return &leases{
		period:  period,
		byKey:   make(map[string]map[*rpc.ServerConn]lease),
		watched: make(map[*rpc.ServerConn]struct{}),
	}
}

// renew starts or extends the lease of conn on key.
func (l *leases) renew(key string, conn *rpc.ServerConn, transport string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.byKey[key]
	if m == nil {
		m = make(map[*rpc.ServerConn]lease)
		l.byKey[key] = m
	}
	m[conn] = lease{transport: transport, expires: now.Add(l.period)}

	if _, ok := l.watched[conn]; !ok {
		l.watched[conn] = struct{}{}
		go func() {
			<-conn.Done()
			l.dropConn(conn)
		}()
	}
}

func (l *leases) cancel(key string, conn *rpc.ServerConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m := l.byKey[key]; m != nil {
		delete(m, conn)
		if len(m) == 0 {
			delete(l.byKey, key)
		}
	}
}

func (l *leases) dropConn(conn *rpc.ServerConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.watched, conn)
	for key, m := range l.byKey {
		delete(m, conn)
		if len(m) == 0 {
			delete(l.byKey, key)
		}
	}
}

// targets returns where an event on key goes at now: whether any broker
// subscriber holds a lease, and the connections of notify subscribers.
// Expired leases are dropped.
func (l *leases) targets(key string, now time.Time) (broker bool, notify []*rpc.ServerConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.byKey[key]
	for conn, ls := range m {
		if now.After(ls.expires) {
			delete(m, conn)
			continue
		}
		if ls.transport == "notify" {
			notify = append(notify, conn)
		} else {
			broker = true
		}
	}
	if len(m) == 0 {
		delete(l.byKey, key)
	}
	return broker, notify
}

// notifyConns returns every connection with a live notify lease.
func (l *leases) notifyConns(now time.Time) []*rpc.ServerConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[*rpc.ServerConn]struct{})
	var out []*rpc.ServerConn
	for _, m := range l.byKey {
		for conn, ls := range m {
			if ls.transport != "notify" || now.After(ls.expires) {
				continue
			}
			if _, ok := seen[conn]; !ok {
				seen[conn] = struct{}{}
				out = append(out, conn)
			}
		}
	}
	return out
}

// count returns the number of live leases on key.
func (l *leases) count(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ls := range l.byKey[key] {
		if !now.After(ls.expires) {
			n++
		}
	}
	return n
}

func (l *leases) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey = make(map[string]map[*rpc.ServerConn]lease)
}
