package connection

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RetryMode selects how often a failed channel is retried.
type RetryMode uint8

const (
	// RetryEveryTick retries on every monitor tick.
	RetryEveryTick RetryMode = iota

	// RetryBackoff spaces retries with exponential backoff.
	RetryBackoff
)

// String returns the mode name used in configuration.
func (m RetryMode) String() string {
	switch m {
	case RetryEveryTick:
		return "every-tick"
	case RetryBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ParseRetryMode parses a configuration mode name.
func ParseRetryMode(s string) (RetryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "every-tick":
		return RetryEveryTick, nil
	case "backoff":
		return RetryBackoff, nil
	}
	return 0, fmt.Errorf("unknown retry mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m RetryMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RetryMode) UnmarshalText(b []byte) error {
	v, err := ParseRetryMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// RetryPolicy configures reconnection retries.
type RetryPolicy struct {
	Mode    RetryMode     `yaml:"mode"`
	Backoff BackoffConfig `yaml:"backoff"`
}

// DefaultRetryPolicy retries on every tick.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Mode: RetryEveryTick, Backoff: DefaultBackoffConfig()}
}

// Retry is the retry gate of one channel.
type Retry struct {
	mode    RetryMode
	backoff *Backoff

	mu       sync.Mutex
	next     time.Time
	failures int
	lastErr  error
}

// NewRetry creates a gate that is immediately due.
func NewRetry(p RetryPolicy) *Retry {
	r := &Retry{mode: p.Mode}
	if p.Mode == RetryBackoff {
		r.backoff = NewBackoffWithConfig(p.Backoff)
	}
	return r
}

// Due reports whether an attempt may run at now.
func (r *Retry) Due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next.IsZero() || !now.Before(r.next)
}

// Failed records a failed attempt at now and returns the delay before the
// next one. In every-tick mode the delay is zero.
func (r *Retry) Failed(now time.Time, err error) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.lastErr = err
	if r.backoff == nil {
		r.next = time.Time{}
		return 0
	}
	d := r.backoff.Next()
	r.next = now.Add(d)
	return d
}

// Succeeded clears the failure history.
func (r *Retry) Succeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
	r.lastErr = nil
	r.next = time.Time{}
	if r.backoff != nil {
		r.backoff.Reset()
	}
}

// Failures returns the consecutive failures since the last success.
func (r *Retry) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// LastErr returns the most recent failure, nil after a success.
func (r *Retry) LastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// NextAttempt returns when the next attempt is allowed; zero means now.
func (r *Retry) NextAttempt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}
