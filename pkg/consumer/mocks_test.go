package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/transport"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

type mockDevice struct {
	mock.Mock
	name string
}

func (m *mockDevice) Name() string { return m.name }

func (m *mockDevice) AdminName(ctx context.Context) (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *mockDevice) ReadAttribute(ctx context.Context, attribute string) (*wire.AttributeValue, error) {
	args := m.Called(attribute)
	v, _ := args.Get(0).(*wire.AttributeValue)
	return v, args.Error(1)
}

func (m *mockDevice) ReadAttributeConfig(ctx context.Context, attribute string) (*wire.AttributeConfig, error) {
	args := m.Called(attribute)
	v, _ := args.Get(0).(*wire.AttributeConfig)
	return v, args.Error(1)
}

type mockAdmin struct {
	mock.Mock
	name string

	subscribes   atomic.Int32
	unsubscribes atomic.Int32
	closes       atomic.Int32
}

func (m *mockAdmin) Name() string { return m.name }

func (m *mockAdmin) EventSubscriptionChange(ctx context.Context, args rpc.SubscriptionChangeArgs) (*rpc.SubscriptionChangeReply, error) {
	if args.Action == rpc.ActionSubscribe {
		m.subscribes.Add(1)
	} else {
		m.unsubscribes.Add(1)
	}
	ret := m.Called(args.Action, args.Attribute)
	r, _ := ret.Get(0).(*rpc.SubscriptionChangeReply)
	return r, ret.Error(1)
}

func (m *mockAdmin) ChannelInfo(ctx context.Context) (*rpc.ChannelInfo, error) {
	args := m.Called()
	v, _ := args.Get(0).(*rpc.ChannelInfo)
	return v, args.Error(1)
}

func (m *mockAdmin) Info(ctx context.Context) (*rpc.ServerInfo, error) {
	args := m.Called()
	v, _ := args.Get(0).(*rpc.ServerInfo)
	return v, args.Error(1)
}

func (m *mockAdmin) SetPushHandler(h func(event []byte)) {}

func (m *mockAdmin) Close() error {
	m.closes.Add(1)
	return m.Called().Error(0)
}

type mockConnector struct {
	mock.Mock
	devices map[string]*mockDevice
}

func (m *mockConnector) Device(name string) DeviceClient {
	return m.devices[name]
}

func (m *mockConnector) Admin(ctx context.Context, name string) (AdminClient, error) {
	args := m.Called(name)
	a, _ := args.Get(0).(AdminClient)
	return a, args.Error(1)
}

// fakeTransport records filters. Messages are fed to Consumer.dispatch by
// the tests directly.
type fakeTransport struct {
	ready chan struct{}

	mu         sync.Mutex
	heartbeats map[string]string
	events     map[string]string
	failEvent  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ready:      make(chan struct{}),
		heartbeats: make(map[string]string),
		events:     make(map[string]string),
	}
}

func (f *fakeTransport) Kind() transport.Kind { return transport.KindBroker }

func (f *fakeTransport) Run(ctx context.Context, h transport.Handler) error {
	close(f.ready)
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Ready() <-chan struct{} { return f.ready }

func (f *fakeTransport) ConnectHeartbeat(_ context.Context, endpoint, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[channel] = endpoint
	return nil
}

func (f *fakeTransport) DisconnectHeartbeat(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.heartbeats[channel]; !ok {
		return transport.ErrUnknownFilter
	}
	delete(f.heartbeats, channel)
	return nil
}

func (f *fakeTransport) ConnectEvent(_ context.Context, endpoint, eventName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvent != nil {
		return f.failEvent
	}
	f.events[eventName] = endpoint
	return nil
}

func (f *fakeTransport) ConnectMulticastEvent(ctx context.Context, endpoint, eventName string, _ int, _ time.Duration) error {
	return f.ConnectEvent(ctx, endpoint, eventName)
}

func (f *fakeTransport) DisconnectEvent(_ context.Context, eventName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[eventName]; !ok {
		return transport.ErrUnknownFilter
	}
	delete(f.events, eventName)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) eventEndpoint(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.events[name]
	return ep, ok
}

func (f *fakeTransport) heartbeatEndpoint(channel string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.heartbeats[channel]
	return ep, ok
}

var _ transport.Transport = (*fakeTransport)(nil)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// recorder is a Handler that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) PushEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

const (
	testAdmin  = "dserver/sim/1"
	testDevice = "sys/sim/1"
)

type fixture struct {
	c      *Consumer
	tr     *fakeTransport
	conn   *mockConnector
	dev    *mockDevice
	admin  *mockAdmin
	clock  *fakeClock
	config Config
}

func channelInfo(incarnation string) *rpc.ChannelInfo {
	return &rpc.ChannelInfo{
		HeartbeatEndpoint: "tcp://127.0.0.1:1",
		EventEndpoint:     "tcp://127.0.0.1:2",
		Host:              "simhost",
		Incarnation:       incarnation,
		IDLVersion:        wire.CurrentIDLVersion,
	}
}

func value(v any) *wire.AttributeValue {
	return &wire.AttributeValue{Name: "temperature", Value: v, Quality: wire.QualityValid}
}

// newFixture returns a started consumer whose keep-alive loop never ticks on
// its own; tests call tick with the fake clock.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tr:    newFakeTransport(),
		dev:   &mockDevice{name: testDevice},
		admin: &mockAdmin{name: testAdmin},
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.conn = &mockConnector{devices: map[string]*mockDevice{testDevice: f.dev}}

	f.config = DefaultConfig()
	f.config.HeartbeatPeriod = time.Second
	f.config.KeepAlivePeriod = time.Hour
	f.config.LockTimeout = 50 * time.Millisecond
	f.config.UnsubscribeTimeout = 500 * time.Millisecond
	f.config.RPCTimeout = time.Second
	f.config.ResubscribePeriod = 100 * time.Hour
	return f
}

func (f *fixture) start(t *testing.T) *Consumer {
	t.Helper()
	c, err := New(f.config, f.conn, WithTransport(f.tr))
	require.NoError(t, err)
	c.now = f.clock.Now
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	f.c = c
	return c
}

// expectDevice makes the device and its producer reachable. Expectations
// registered before it take precedence.
func (f *fixture) expectDevice() {
	f.admin.On("ChannelInfo").Return(channelInfo("inc-1"), nil).Maybe()
	f.admin.On("EventSubscriptionChange", rpc.ActionSubscribe, mock.Anything).
		Return(&rpc.SubscriptionChangeReply{IDLVersion: wire.CurrentIDLVersion}, nil).Maybe()
	f.admin.On("EventSubscriptionChange", rpc.ActionUnsubscribe, mock.Anything).
		Return(&rpc.SubscriptionChangeReply{}, nil).Maybe()
	f.admin.On("Close").Return(nil).Maybe()
	f.dev.On("AdminName").Return(testAdmin, nil).Maybe()
	f.dev.On("ReadAttribute", "temperature").Return(value(20.0), nil).Maybe()
	f.dev.On("ReadAttributeConfig", "temperature").
		Return(&wire.AttributeConfig{Name: "temperature", DataType: "float64"}, nil).Maybe()
	f.conn.On("Admin", testAdmin).Return(f.admin, nil).Maybe()
}

func dataMsg(t *testing.T, key string, counter uint32, v any) *wire.EventMessage {
	t.Helper()
	payload, err := wire.Marshal(wire.AttributeValue{Name: "temperature", Value: v})
	require.NoError(t, err)
	return &wire.EventMessage{Kind: wire.KindData, Key: key, Counter: counter, IDL: wire.CurrentIDLVersion, Payload: payload}
}

func heartbeatMsg(channel string, counter uint32) *wire.EventMessage {
	return &wire.EventMessage{Kind: wire.KindHeartbeat, Channel: channel, Counter: counter}
}
