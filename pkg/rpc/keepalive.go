package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Keep-alive defaults.
const (
	DefaultPingInterval   = 10 * time.Second
	DefaultPongTimeout    = 3 * time.Second
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures keep-alive behavior. A zero PingInterval
// disables keep-alive on a client.
type KeepAliveConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxMissedPongs int           `yaml:"max_missed_pongs"`
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay is the longest time a dead connection goes unnoticed.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

// KeepAliveStats is a snapshot of keep-alive state.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	LastLatency  time.Duration
	MissedPongs  int
	CurrentSeq   uint32
}

// KeepAlive sends pings on an interval and reports a dead peer after
// MaxMissedPongs unanswered pings.
type KeepAlive struct {
	config    KeepAliveConfig
	sendPing  func(seq uint32) error
	onTimeout func()

	sequence atomic.Uint32

	mu           sync.Mutex
	missedPongs  int
	lastPingTime time.Time
	lastPongTime time.Time
	lastLatency  time.Duration
	pendingPing  uint32
	hasPending   bool
	running      bool
	stopCh       chan struct{}
	pongCh       chan uint32
}

// NewKeepAlive creates a keep-alive manager. Zero config fields take the
// defaults.
func NewKeepAlive(config KeepAliveConfig, sendPing func(seq uint32) error, onTimeout func()) *KeepAlive {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = DefaultPongTimeout
	}
	if config.MaxMissedPongs <= 0 {
		config.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return &KeepAlive{
		config:    config,
		sendPing:  sendPing,
		onTimeout: onTimeout,
		pongCh:    make(chan uint32, 1),
	}
}

// Start begins the ping loop. Calling Start on a running keep-alive is a no-op.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	stop := ka.stopCh
	ka.mu.Unlock()

	go ka.loop(ctx, stop)
}

// Stop ends the ping loop.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// PongReceived records a pong. Never blocks.
func (ka *KeepAlive) PongReceived(seq uint32) {
	select {
	case ka.pongCh <- seq:
	default:
	}
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastPingTime: ka.lastPingTime,
		LastPongTime: ka.lastPongTime,
		LastLatency:  ka.lastLatency,
		MissedPongs:  ka.missedPongs,
		CurrentSeq:   ka.sequence.Load(),
	}
}

func (ka *KeepAlive) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	ka.ping()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if ka.tick() {
				return
			}
		case seq := <-ka.pongCh:
			ka.pong(seq)
		}
	}
}

func (ka *KeepAlive) ping() {
	seq := ka.sequence.Add(1)

	ka.mu.Lock()
	ka.lastPingTime = time.Now()
	ka.pendingPing = seq
	ka.hasPending = true
	ka.mu.Unlock()

	// A failed send is counted as a missed pong on the next tick.
	_ = ka.sendPing(seq)
}

// tick returns true once the peer is considered dead.
func (ka *KeepAlive) tick() bool {
	ka.mu.Lock()
	if ka.hasPending && time.Since(ka.lastPingTime) >= ka.config.PongTimeout {
		ka.missedPongs++
		ka.hasPending = false
		if ka.missedPongs >= ka.config.MaxMissedPongs {
			ka.running = false
			ka.mu.Unlock()
			if ka.onTimeout != nil {
				ka.onTimeout()
			}
			return true
		}
	}
	ka.mu.Unlock()

	ka.ping()
	return false
}

func (ka *KeepAlive) pong(seq uint32) {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	now := time.Now()
	ka.lastPongTime = now
	// Late pongs for earlier pings are ignored.
	if ka.hasPending && seq == ka.pendingPing {
		ka.lastLatency = now.Sub(ka.lastPingTime)
		ka.hasPending = false
		ka.missedPongs = 0
	}
}
