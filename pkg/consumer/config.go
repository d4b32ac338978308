package consumer

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/mash-events/pkg/connection"
	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/transport"
)

// Defaults.
const (
	DefaultHeartbeatPeriod    = 10 * time.Second
	DefaultResubscribePeriod  = 600 * time.Second
	DefaultLockTimeout        = 500 * time.Millisecond
	DefaultUnsubscribeTimeout = 3 * time.Second
	DefaultRPCTimeout         = 3 * time.Second
	DefaultMaxPending         = 1000
)

// Config configures a Consumer.
type Config struct {
	// Transport selects how events arrive: "broker" or "notify".
	Transport transport.Kind `yaml:"transport"`

	// HeartbeatPeriod is how often producers publish heartbeats. Channels
	// that announce their own period use that instead.
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`

	// KeepAlivePeriod is the keep-alive tick. Zero means HeartbeatPeriod.
	KeepAlivePeriod time.Duration `yaml:"keepalive_period"`

	// ResubscribePeriod is the producer-side subscription lease. Leases are
	// renewed every third of it.
	ResubscribePeriod time.Duration `yaml:"resubscribe_period"`

	// LockTimeout bounds waits on channel and subscription monitors in the
	// dispatcher and the keep-alive loop.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// UnsubscribeTimeout bounds how long Unsubscribe waits for a running
	// callback.
	UnsubscribeTimeout time.Duration `yaml:"unsubscribe_timeout"`

	// RPCTimeout bounds each producer call made by the keep-alive loop and
	// by Subscribe when the caller's context has no deadline.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	// MaxPending caps stateless subscriptions waiting for their producer.
	MaxPending int `yaml:"max_pending"`

	// Retry paces reconnection attempts of broken channels.
	Retry connection.RetryPolicy `yaml:"retry"`

	Logger         *slog.Logger `yaml:"-"`
	ProtocolLogger log.Logger   `yaml:"-"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Transport:          transport.KindBroker,
		HeartbeatPeriod:    DefaultHeartbeatPeriod,
		ResubscribePeriod:  DefaultResubscribePeriod,
		LockTimeout:        DefaultLockTimeout,
		UnsubscribeTimeout: DefaultUnsubscribeTimeout,
		RPCTimeout:         DefaultRPCTimeout,
		MaxPending:         DefaultMaxPending,
		Retry:              connection.DefaultRetryPolicy(),
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := transport.ParseKind(string(c.Transport)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.HeartbeatPeriod <= 0 {
		return fmt.Errorf("%w: heartbeat_period must be positive", ErrInvalidConfig)
	}
	if c.KeepAlivePeriod < 0 || c.ResubscribePeriod <= 0 {
		return fmt.Errorf("%w: keepalive_period and resubscribe_period", ErrInvalidConfig)
	}
	if c.LockTimeout <= 0 || c.UnsubscribeTimeout <= 0 || c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("%w: max_pending must not be negative", ErrInvalidConfig)
	}
	return nil
}

// tick returns the keep-alive period.
func (c *Config) tick() time.Duration {
	if c.KeepAlivePeriod > 0 {
		return c.KeepAlivePeriod
	}
	return c.HeartbeatPeriod
}
