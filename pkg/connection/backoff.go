package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults.
const (
	InitialBackoff    = 1 * time.Second
	MaxBackoff        = 60 * time.Second
	BackoffMultiplier = 2.0

	// JitterFactor is the maximum jitter as a fraction of the base delay.
	JitterFactor = 0.25
)

// BackoffConfig customizes backoff parameters. Zero fields take the defaults.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// DefaultBackoffConfig returns the default backoff parameters.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    InitialBackoff,
		Max:        MaxBackoff,
		Multiplier: BackoffMultiplier,
		Jitter:     JitterFactor,
	}
}

// Backoff calculates exponential delays with jitter.
type Backoff struct {
	mu sync.Mutex

	// current is the next base delay, before jitter.
	current  time.Duration
	attempts int

	cfg BackoffConfig
	rng *rand.Rand
}

// NewBackoff creates a backoff with the default parameters.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(DefaultBackoffConfig())
}

// NewBackoffWithConfig creates a backoff with custom parameters.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		current: cfg.Initial,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay with jitter and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.jittered(b.current)
	b.attempts++
	b.current = min(time.Duration(float64(b.current)*b.cfg.Multiplier), b.cfg.Max)
	return delay
}

// Peek returns the next delay with jitter without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jittered(b.current)
}

// Reset returns the backoff to its initial delay. Call it after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.cfg.Initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the next base delay without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) jittered(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.cfg.Jitter*b.rng.Float64())
}
