package producersim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/naming"
	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/transport"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// DefaultHeartbeatPeriod is how often heartbeats are published.
const DefaultHeartbeatPeriod = time.Second

// ErrNotRunning is returned by operations that need a started producer.
var ErrNotRunning = errors.New("producer not running")

// Config configures a Producer.
type Config struct {
	// Name is the admin identity, e.g. "dserver/sim/1".
	Name string

	// Devices are the device objects served.
	Devices []string

	// Host is reported by info and event_channel_info. Defaults to the
	// machine host name.
	Host string

	// Address is the RPC listen address. "127.0.0.1:0" when empty; a
	// restart then moves to a new port.
	Address string

	HeartbeatPeriod time.Duration

	// Lease is how long a subscription lasts without renewal.
	Lease time.Duration

	IDLVersion int

	// Names, when set, is kept pointing at the current address.
	Names *naming.Static

	// Advertiser, when set, announces the producer over mDNS.
	Advertiser *naming.Advertiser

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

type attrState struct {
	value  wire.AttributeValue
	config wire.AttributeConfig
}

// Producer is a simulated device server.
type Producer struct {
	config Config
	logger *slog.Logger
	leases *leases

	mu          sync.Mutex
	running     bool
	server      *rpc.Server
	heartbeats  *transport.Publisher
	events      *transport.Publisher
	incarnation string
	started     time.Time
	attrs       map[string]*attrState
	counters    map[string]uint32 // by event key
	hbCounter   uint32
	hbPaused    bool
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New creates a producer. Call Start to serve.
func New(config Config) *Producer {
	config.Name = naming.Normalize(config.Name)
	devices := make([]string, len(config.Devices))
	for i, d := range config.Devices {
		devices[i] = naming.Normalize(d)
	}
	config.Devices = devices
	if config.Host == "" {
		config.Host, _ = os.Hostname()
	}
	if config.Address == "" {
		config.Address = "127.0.0.1:0"
	}
	if config.HeartbeatPeriod <= 0 {
		config.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if config.IDLVersion == 0 {
		config.IDLVersion = wire.CurrentIDLVersion
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Producer{
		config:   config,
		logger:   logger,
		leases:   newLeases(config.Lease),
		attrs:    make(map[string]*attrState),
		counters: make(map[string]uint32),
	}
}

// Name returns the admin identity.
func (p *Producer) Name() string { return p.config.Name }

// Start opens the RPC server and the publishers and starts heartbeats.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	server := rpc.NewServer(rpc.ServerConfig{Logger: p.logger, ProtocolLogger: p.config.ProtocolLogger})
	server.Handle(p.config.Name, rpc.HandlerFunc(p.serveAdmin))
	for _, d := range p.config.Devices {
		server.Handle(d, rpc.HandlerFunc(p.serveDevice))
	}
	if err := server.Listen(p.config.Address); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	host := hostOf(server.Addr())
	pubCfg := transport.PublisherConfig{Logger: p.logger, ProtocolLogger: p.config.ProtocolLogger}
	hb, err := transport.NewPublisher(net.JoinHostPort(host, "0"), pubCfg)
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("heartbeat publisher: %w", err)
	}
	ev, err := transport.NewPublisher(net.JoinHostPort(host, "0"), pubCfg)
	if err != nil {
		_ = hb.Close()
		_ = server.Close()
		return fmt.Errorf("event publisher: %w", err)
	}

	p.server = server
	p.heartbeats = hb
	p.events = ev
	p.incarnation = uuid.NewString()
	p.started = time.Now()
	p.hbCounter = 0
	p.counters = make(map[string]uint32)
	p.stop = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.heartbeatLoop(p.stop)

	addr := server.Addr()
	if p.config.Names != nil {
		p.config.Names.Register(p.config.Name, addr)
		for _, d := range p.config.Devices {
			p.config.Names.Register(d, addr)
		}
	}
	if p.config.Advertiser != nil {
		port, _ := strconv.Atoi(portOf(addr))
		objects := append([]string{p.config.Name}, p.config.Devices...)
		if err := p.config.Advertiser.Advertise(strings.ReplaceAll(p.config.Name, "/", "-"), port, objects); err != nil {
			p.logger.Warn("mdns advertise failed", "err", err)
		}
	}
	p.logger.Info("producer started", "name", p.config.Name, "addr", addr, "incarnation", p.incarnation)
	return nil
}

// Stop closes every socket. Subscriptions are forgotten, as when a real
// server process exits.
func (p *Producer) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	server, hb, ev := p.server, p.heartbeats, p.events
	p.mu.Unlock()

	p.wg.Wait()
	if p.config.Advertiser != nil {
		p.config.Advertiser.Stop()
	}
	if p.config.Names != nil {
		p.config.Names.Unregister(p.config.Name)
		for _, d := range p.config.Devices {
			p.config.Names.Unregister(d)
		}
	}
	_ = hb.Close()
	_ = ev.Close()
	_ = server.Close()
	p.leases.reset()
	p.logger.Info("producer stopped", "name", p.config.Name)
}

// Restart stops and starts the producer with a new incarnation. Attribute
// values survive; event counters start over.
func (p *Producer) Restart() error {
	p.Stop()
	return p.Start()
}

// Addr returns the RPC address, "" when stopped.
func (p *Producer) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ""
	}
	return p.server.Addr()
}

// Incarnation identifies the current run.
func (p *Producer) Incarnation() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.incarnation
}

// PauseHeartbeats stops or resumes heartbeat publication.
func (p *Producer) PauseHeartbeats(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hbPaused = paused
}

// Subscribers returns the number of live leases on the event of
// device/attribute/eventType.
func (p *Producer) Subscribers(device, attribute string, t wire.EventType) int {
	return p.leases.count(wire.EventKey(device, attribute, t), time.Now())
}

// Listening returns the number of broker sockets filtering the event, so
// tests can wait for a consumer's filter to reach the publisher.
func (p *Producer) Listening(device, attribute string, t wire.EventType) int {
	p.mu.Lock()
	ev := p.events
	running := p.running
	p.mu.Unlock()
	if !running {
		return 0
	}
	return ev.Subscribers(wire.EventKey(device, attribute, t))
}

// SetValue stores an attribute value and publishes a change event.
func (p *Producer) SetValue(device, attribute string, value any) error {
	key := attrKey(device, attribute)
	now := time.Now()

	p.mu.Lock()
	a := p.attrs[key]
	if a == nil {
		a = &attrState{config: defaultConfig(attribute, value)}
		p.attrs[key] = a
	}
	a.value = wire.AttributeValue{Name: strings.ToLower(attribute), Value: value, Quality: wire.QualityValid, Time: now}
	v := a.value
	p.mu.Unlock()

	return p.publishPayload(wire.EventKey(device, attribute, wire.EventChange), wire.MethodPushValue, v, false)
}

// SetConfig replaces an attribute configuration and publishes attr_conf.
func (p *Producer) SetConfig(device, attribute string, cfg wire.AttributeConfig) error {
	key := attrKey(device, attribute)
	p.mu.Lock()
	a := p.attrs[key]
	if a == nil {
		a = &attrState{}
		p.attrs[key] = a
	}
	cfg.Name = strings.ToLower(attribute)
	a.config = cfg
	p.mu.Unlock()

	return p.publishPayload(wire.EventKey(device, attribute, wire.EventAttrConf), wire.MethodPushConfig, cfg, false)
}

// PushDataReady publishes a data_ready event.
func (p *Producer) PushDataReady(device, attribute string, counter int32) error {
	p.mu.Lock()
	a := p.attrs[attrKey(device, attribute)]
	dataType := ""
	if a != nil {
		dataType = a.config.DataType
	}
	p.mu.Unlock()

	ready := wire.DataReady{Name: strings.ToLower(attribute), DataType: dataType, Counter: counter}
	return p.publishPayload(wire.EventKey(device, attribute, wire.EventDataReady), wire.MethodPushDataReady, ready, false)
}

// PushError publishes an error event on device/attribute/eventType.
func (p *Producer) PushError(device, attribute string, t wire.EventType, errs wire.ErrorList) error {
	method := wire.MethodPushValue
	switch t {
	case wire.EventAttrConf:
		method = wire.MethodPushConfig
	case wire.EventDataReady:
		method = wire.MethodPushDataReady
	}
	return p.publishPayload(wire.EventKey(device, attribute, t), method, errs, true)
}

// SkipCounter advances the event counter of key without publishing, so the
// next event shows a gap.
func (p *Producer) SkipCounter(device, attribute string, t wire.EventType, n uint32) {
	key := wire.EventKey(device, attribute, t)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters[key] += n
}

func (p *Producer) publishPayload(key, method string, v any, isError bool) error {
	payload, err := wire.Marshal(v)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.counters[key]++
	info := wire.CallInfo{Method: method, IsException: isError, Counter: p.counters[key], IDLVersion: p.config.IDLVersion}
	ev := p.events
	p.mu.Unlock()

	data, err := wire.EncodeEvent(key, info, payload)
	if err != nil {
		return err
	}
	broker, notify := p.leases.targets(key, time.Now())
	if broker {
		ev.Publish(key, data)
	}
	for _, conn := range notify {
		if err := conn.Push(data); err != nil {
			p.logger.Debug("push failed", "event", key, "remote", conn.RemoteAddr(), "err", err)
		}
	}
	return nil
}

func (p *Producer) heartbeatLoop(stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HeartbeatPeriod)
	defer ticker.Stop()

	p.heartbeat()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.heartbeat()
		}
	}
}

func (p *Producer) heartbeat() {
	p.mu.Lock()
	if p.hbPaused || !p.running {
		p.mu.Unlock()
		return
	}
	p.hbCounter++
	counter := p.hbCounter
	hb := p.heartbeats
	p.mu.Unlock()

	data, err := wire.EncodeHeartbeat(p.config.Name, counter)
	if err != nil {
		return
	}
	hb.Publish(wire.HeartbeatName(p.config.Name), data)
	for _, conn := range p.leases.notifyConns(time.Now()) {
		_ = conn.Push(data)
	}
}

func attrKey(device, attribute string) string {
	return naming.Normalize(device) + "/" + strings.ToLower(attribute)
}

func defaultConfig(attribute string, value any) wire.AttributeConfig {
	return wire.AttributeConfig{
		Name:     strings.ToLower(attribute),
		DataType: fmt.Sprintf("%T", value),
		Format:   "%v",
		Writable: true,
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1"
	}
	return host
}

func portOf(addr string) string {
	_, port, _ := net.SplitHostPort(addr)
	return port
}

// serveAdmin implements the admin object.
func (p *Producer) serveAdmin(_ context.Context, call *rpc.Call) (any, error) {
	switch call.Method {
	case rpc.MethodInfo:
		p.mu.Lock()
		defer p.mu.Unlock()
		return rpc.ServerInfo{Name: p.config.Name, Host: p.config.Host, Incarnation: p.incarnation, Started: p.started}, nil

	case rpc.MethodChannelInfo:
		p.mu.Lock()
		defer p.mu.Unlock()
		return rpc.ChannelInfo{
			HeartbeatEndpoint: p.heartbeats.Endpoint(),
			EventEndpoint:     p.events.Endpoint(),
			Host:              p.config.Host,
			Incarnation:       p.incarnation,
			IDLVersion:        p.config.IDLVersion,
			Transports:        []string{string(transport.KindBroker), string(transport.KindNotify)},
			HeartbeatPeriod:   p.config.HeartbeatPeriod,
		}, nil

	case rpc.MethodSubscriptionChange:
		var args rpc.SubscriptionChangeArgs
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		return p.subscriptionChange(call, args)
	}
	return nil, rpc.ErrUnknownMethod
}

func (p *Producer) subscriptionChange(call *rpc.Call, args rpc.SubscriptionChangeArgs) (any, error) {
	device := naming.Normalize(args.Device)
	if !p.serves(device) {
		return nil, rpc.Failed(wire.ReasonDeviceNotFound, "device "+device+" not served by "+p.config.Name, p.config.Name)
	}
	if !args.EventType.IsValid() {
		return nil, rpc.Failed(wire.ReasonUnsupportedFeature, "event type "+string(args.EventType), p.config.Name)
	}
	key := wire.EventKey(device, args.Attribute, args.EventType)

	switch args.Action {
	case rpc.ActionSubscribe:
		if _, ok := p.attribute(device, args.Attribute); !ok {
			return nil, rpc.Failed(wire.ReasonAttributeNotFound, "attribute "+args.Attribute+" not found", device)
		}
		tr := args.Transport
		if tr == "" {
			tr = string(transport.KindBroker)
		}
		p.leases.renew(key, call.Conn, tr, time.Now())
		return rpc.SubscriptionChangeReply{IDLVersion: p.config.IDLVersion}, nil
	case rpc.ActionUnsubscribe:
		p.leases.cancel(key, call.Conn)
		return rpc.SubscriptionChangeReply{IDLVersion: p.config.IDLVersion}, nil
	}
	return nil, rpc.Failed(wire.ReasonCommandFailed, "unknown action "+args.Action, p.config.Name)
}

// serveDevice implements the device objects.
func (p *Producer) serveDevice(_ context.Context, call *rpc.Call) (any, error) {
	device := naming.Normalize(call.Object)
	switch call.Method {
	case rpc.MethodAdminName:
		return p.config.Name, nil

	case rpc.MethodReadAttribute, rpc.MethodReadAttributeConfig:
		var args rpc.ReadAttributeArgs
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		a, ok := p.attribute(device, args.Attribute)
		if !ok {
			return nil, rpc.Failed(wire.ReasonAttributeNotFound, "attribute "+args.Attribute+" not found", device)
		}
		if call.Method == rpc.MethodReadAttributeConfig {
			return a.config, nil
		}
		return a.value, nil
	}
	return nil, rpc.ErrUnknownMethod
}

func (p *Producer) serves(device string) bool {
	for _, d := range p.config.Devices {
		if d == device {
			return true
		}
	}
	return false
}

// attribute returns a copy of the attribute state.
func (p *Producer) attribute(device, name string) (attrState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.attrs[attrKey(device, name)]
	if a == nil {
		return attrState{}, false
	}
	return *a, true
}
