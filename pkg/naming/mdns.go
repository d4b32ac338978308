package naming

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// mDNS constants.
const (
	ServiceType  = "_mashev._tcp"
	Domain       = "local."
	TXTKeyObject = "obj"

	DefaultBrowseTimeout = 2 * time.Second
	DefaultTTL           = 120 * time.Second
)

// MDNSConfig configures the mDNS resolver and advertiser.
type MDNSConfig struct {
	// Interface restricts browsing/advertising to one interface; empty means all.
	Interface string `yaml:"interface"`

	// BrowseTimeout bounds how long Resolve waits for an unknown name.
	BrowseTimeout time.Duration `yaml:"browse_timeout"`

	// TTL of advertised records.
	TTL time.Duration `yaml:"ttl"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultMDNSConfig returns the default mDNS configuration.
func DefaultMDNSConfig() MDNSConfig {
	return MDNSConfig{
		BrowseTimeout: DefaultBrowseTimeout,
		TTL:           DefaultTTL,
	}
}

func (c MDNSConfig) interfaces() []net.Interface {
	if c.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(c.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// EncodeTXT builds the TXT records announcing objects.
func EncodeTXT(objects []string) []string {
	txt := make([]string, 0, len(objects))
	for _, o := range objects {
		txt = append(txt, TXTKeyObject+"="+Normalize(o))
	}
	return txt
}

// DecodeTXT returns the object names announced in TXT records.
func DecodeTXT(txt []string) []string {
	var objects []string
	for _, rec := range txt {
		k, v, ok := strings.Cut(rec, "=")
		if ok && k == TXTKeyObject && v != "" {
			objects = append(objects, Normalize(v))
		}
	}
	return objects
}

// entryAddress picks the dialable address of a service entry.
func entryAddress(entry *zeroconf.ServiceEntry) string {
	port := strconv.Itoa(entry.Port)
	if len(entry.AddrIPv4) > 0 {
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port)
	}
	if len(entry.AddrIPv6) > 0 {
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port)
	}
	if entry.HostName != "" {
		return net.JoinHostPort(strings.TrimSuffix(entry.HostName, "."), port)
	}
	return ""
}

// MDNS resolves names from producers announced over mDNS. Entries are
// cached as they are browsed and dropped when the service goes away.
type MDNS struct {
	config MDNSConfig
	logger *slog.Logger

	mu        sync.RWMutex
	entries   map[string]string   // object -> address
	instances map[string][]string // instance -> objects
	updated   chan struct{}

	cancel context.CancelFunc
}

// NewMDNS creates an mDNS resolver. Call Start to begin browsing.
func NewMDNS(config MDNSConfig) *MDNS {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MDNS{
		config:    config,
		logger:    logger,
		entries:   make(map[string]string),
		instances: make(map[string][]string),
		updated:   make(chan struct{}),
	}
}

// Start browses in the background until ctx is done or Stop is called.
func (m *MDNS) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("mdns resolver already started")
	}
	m.cancel = cancel
	m.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := m.config.interfaces(); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				m.add(entry)
			case entry, ok := <-removed:
				if !ok {
					continue
				}
				m.remove(entry)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil {
			m.logger.Warn("mdns browse failed", "err", err)
		}
	}()
	return nil
}

// Stop ends browsing.
func (m *MDNS) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

// Resolve returns the cached address of name, waiting up to BrowseTimeout
// for it to be announced.
func (m *MDNS) Resolve(ctx context.Context, name string) (string, error) {
	name = Normalize(name)
	deadline := time.NewTimer(m.config.BrowseTimeout)
	defer deadline.Stop()

	for {
		m.mu.RLock()
		addr, ok := m.entries[name]
		updated := m.updated
		m.mu.RUnlock()
		if ok {
			return addr, nil
		}

		select {
		case <-updated:
		case <-deadline.C:
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *MDNS) add(entry *zeroconf.ServiceEntry) {
	addr := entryAddress(entry)
	objects := DecodeTXT(entry.Text)
	if addr == "" || len(objects) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, old := range m.instances[entry.Instance] {
		delete(m.entries, old)
	}
	for _, o := range objects {
		m.entries[o] = addr
	}
	m.instances[entry.Instance] = objects
	close(m.updated)
	m.updated = make(chan struct{})
	m.logger.Debug("mdns producer found", "instance", entry.Instance, "addr", addr, "objects", len(objects))
}

func (m *MDNS) remove(entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.instances[entry.Instance] {
		delete(m.entries, o)
	}
	delete(m.instances, entry.Instance)
}

// Advertiser announces a producer's objects over mDNS.
type Advertiser struct {
	config MDNSConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser.
func NewAdvertiser(config MDNSConfig) *Advertiser {
	return &Advertiser{config: config}
}

// Advertise registers instance on port with one TXT record per object,
// replacing any previous announcement.
func (a *Advertiser) Advertise(instance string, port int, objects []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, EncodeTXT(objects), a.config.interfaces(), opts...)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", instance, err)
	}
	a.server = server
	return nil
}

// Stop withdraws the announcement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

var _ Resolver = (*MDNS)(nil)
