package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mash-protocol/mash-events/pkg/naming"
)

// DialerConfig configures a Dialer.
type DialerConfig struct {
	Client   ClientConfig
	Resolver naming.Resolver
	Logger   *slog.Logger
}

// Dialer resolves object names and hands out connections. Device calls
// share one pooled client per producer address; admin proxies get a
// dedicated client each.
type Dialer struct {
	config   DialerConfig
	resolver naming.Resolver
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
	group   singleflight.Group
}

// NewDialer creates a dialer.
func NewDialer(config DialerConfig) *Dialer {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.Client.Logger == nil {
		config.Client.Logger = logger
	}
	resolver := config.Resolver
	if resolver == nil {
		resolver = naming.NewStatic(nil)
	}
	return &Dialer{
		config:   config,
		resolver: resolver,
		logger:   logger,
		clients:  make(map[string]*Client),
	}
}

// Device returns a proxy for a device object. No connection is made until
// the first call.
func (d *Dialer) Device(name string) *DeviceProxy {
	return &DeviceProxy{dialer: d, name: naming.Normalize(name)}
}

// Admin resolves name and opens a dedicated connection to it.
func (d *Dialer) Admin(ctx context.Context, name string) (*AdminProxy, error) {
	name = naming.Normalize(name)
	addr, err := d.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := Dial(ctx, addr, d.config.Client)
	if err != nil {
		return nil, err
	}
	return &AdminProxy{name: name, client: c}, nil
}

// Close closes every pooled connection.
func (d *Dialer) Close() error {
	d.mu.Lock()
	clients := d.clients
	d.clients = make(map[string]*Client)
	d.closed = true
	d.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
	return nil
}

// clientFor returns a live pooled client for the producer serving name.
func (d *Dialer) clientFor(ctx context.Context, name string) (*Client, error) {
	addr, err := d.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := d.clients[addr]; ok {
		select {
		case <-c.Done():
			delete(d.clients, addr)
		default:
			d.mu.Unlock()
			return c, nil
		}
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do(addr, func() (any, error) {
		c, err := Dial(ctx, addr, d.config.Client)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			_ = c.Close()
			return nil, ErrClosed
		}
		d.clients[addr] = c
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s (%s): %w", name, addr, err)
	}
	return v.(*Client), nil
}
