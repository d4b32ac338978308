package consumer

import "time"

// monitor is a lock whose acquisition can give up after a bounded wait.
type monitor struct {
	ch chan struct{}
}

func newMonitor() *monitor {
	return &monitor{ch: make(chan struct{}, 1)}
}

// TryLock acquires the monitor, waiting at most timeout.
func (m *monitor) TryLock(timeout time.Duration) bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

// Unlock releases the monitor. Unlocking a free monitor is a no-op.
func (m *monitor) Unlock() {
	select {
	case <-m.ch:
	default:
	}
}
