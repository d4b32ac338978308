package rpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mash-events/pkg/naming"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

func startServer(t *testing.T, handlers map[string]Handler) *Server {
	t.Helper()
	s := NewServer(ServerConfig{})
	for name, h := range handlers {
		s.Handle(name, h)
	}
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dial(t *testing.T, addr string, cfg ClientConfig) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func noKeepAlive() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.KeepAlive = KeepAliveConfig{}
	return cfg
}

func deviceHandler() Handler {
	return HandlerFunc(func(ctx context.Context, call *Call) (any, error) {
		switch call.Method {
		case MethodAdminName:
			return "dserver/test/1", nil
		case MethodReadAttribute:
			var args ReadAttributeArgs
			if err := call.Decode(&args); err != nil {
				return nil, err
			}
			if args.Attribute != "temperature" {
				return nil, Failed(wire.ReasonAttributeNotFound, args.Attribute, call.Object)
			}
			return wire.AttributeValue{Name: args.Attribute, Value: 21.5}, nil
		case "sleep":
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return nil, nil
		case "crash":
			return nil, errors.New("kaboom")
		}
		return nil, ErrUnknownMethod
	})
}

func TestCallRoundTrip(t *testing.T) {
	s := startServer(t, map[string]Handler{"sys/dev/1": deviceHandler()})
	c := dial(t, s.Addr(), noKeepAlive())
	ctx := context.Background()

	var admin string
	require.NoError(t, c.Call(ctx, "SYS/dev/1", MethodAdminName, nil, &admin))
	assert.Equal(t, "dserver/test/1", admin)

	var v wire.AttributeValue
	require.NoError(t, c.Call(ctx, "sys/dev/1", MethodReadAttribute, ReadAttributeArgs{Attribute: "temperature"}, &v))
	assert.Equal(t, 21.5, v.Value)

	require.NoError(t, c.Ping(ctx))
}

func TestCallErrors(t *testing.T) {
	s := startServer(t, map[string]Handler{"sys/dev/1": deviceHandler()})
	c := dial(t, s.Addr(), noKeepAlive())
	ctx := context.Background()

	tests := []struct {
		name   string
		object string
		method string
		args   any
		status wire.Status
		reason string
	}{
		{"unknown object", "sys/dev/2", MethodAdminName, nil, wire.StatusUnknownObject, wire.ReasonDeviceNotFound},
		{"unknown method", "sys/dev/1", "frobnicate", nil, wire.StatusUnknownMethod, wire.ReasonCommandFailed},
		{"bad args", "sys/dev/1", MethodReadAttribute, 42, wire.StatusInvalidArgs, wire.ReasonCommandFailed},
		{"domain failure", "sys/dev/1", MethodReadAttribute, ReadAttributeArgs{Attribute: "nope"}, wire.StatusFailed, wire.ReasonAttributeNotFound},
		{"plain error", "sys/dev/1", "crash", nil, wire.StatusFailed, wire.ReasonCommandFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Call(ctx, tt.object, tt.method, tt.args, nil)
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, tt.reason, ErrorsOf(err).Reason())
		})
	}
}

func TestCallTimeout(t *testing.T) {
	s := startServer(t, map[string]Handler{"sys/dev/1": deviceHandler()})
	cfg := noKeepAlive()
	cfg.Timeout = 50 * time.Millisecond
	c := dial(t, s.Addr(), cfg)

	err := c.Call(context.Background(), "sys/dev/1", "sleep", nil, nil)
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Call(ctx, "sys/dev/1", "sleep", nil, nil), context.Canceled)
}

func TestCallAfterServerGone(t *testing.T) {
	s := startServer(t, map[string]Handler{"sys/dev/1": deviceHandler()})
	c := dial(t, s.Addr(), noKeepAlive())

	require.NoError(t, s.Close())
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not notice closed connection")
	}
	assert.ErrorIs(t, c.Call(context.Background(), "sys/dev/1", MethodAdminName, nil, nil), ErrClosed)
	assert.Error(t, c.Err())
}

func TestPushDelivery(t *testing.T) {
	conns := make(chan *ServerConn, 1)
	s := startServer(t, map[string]Handler{
		"dserver/test/1": HandlerFunc(func(_ context.Context, call *Call) (any, error) {
			conns <- call.Conn
			return nil, nil
		}),
	})
	c := dial(t, s.Addr(), noKeepAlive())

	got := make(chan []byte, 1)
	c.SetPushHandler(func(event []byte) { got <- event })

	require.NoError(t, c.Call(context.Background(), "dserver/test/1", MethodSubscriptionChange, nil, nil))
	sc := <-conns
	require.NoError(t, sc.Push([]byte{0x80}))

	select {
	case ev := <-got:
		assert.Equal(t, []byte{0x80}, ev)
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}

	sc.Close()
	assert.ErrorIs(t, sc.Push([]byte{0x80}), ErrClosed)
}

func TestClientKeepAlive(t *testing.T) {
	s := startServer(t, nil)
	cfg := DefaultClientConfig()
	cfg.KeepAlive = KeepAliveConfig{PingInterval: 20 * time.Millisecond, PongTimeout: 10 * time.Millisecond, MaxMissedPongs: 2}
	c := dial(t, s.Addr(), cfg)

	require.Eventually(t, func() bool {
		st := c.KeepAliveStats()
		return !st.LastPongTime.IsZero() && st.MissedPongs == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClientKeepAliveTimeout(t *testing.T) {
	// A peer that accepts but never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = conn.Read(make([]byte, 1024))
			time.Sleep(time.Second)
		}
	}()

	cfg := DefaultClientConfig()
	cfg.KeepAlive = KeepAliveConfig{PingInterval: 10 * time.Millisecond, PongTimeout: 5 * time.Millisecond, MaxMissedPongs: 2}
	c := dial(t, ln.Addr().String(), cfg)

	select {
	case <-c.Done():
		assert.ErrorIs(t, c.Err(), ErrKeepAliveTimeout)
	case <-time.After(time.Second):
		t.Fatal("keep-alive did not close the connection")
	}
}

func TestKeepAliveConfig(t *testing.T) {
	cfg := DefaultKeepAliveConfig()
	assert.Equal(t, 33*time.Second, cfg.DetectionDelay())

	ka := NewKeepAlive(KeepAliveConfig{}, func(uint32) error { return nil }, nil)
	assert.Equal(t, DefaultPingInterval, ka.config.PingInterval)
	ka.Stop()
}

func TestKeepAliveIgnoresStalePong(t *testing.T) {
	var sent atomic.Uint32
	ka := NewKeepAlive(KeepAliveConfig{PingInterval: time.Hour}, func(seq uint32) error {
		sent.Store(seq)
		return nil
	}, nil)
	ka.ping()
	ka.ping()

	ka.pong(1)
	assert.True(t, ka.Stats().LastLatency == 0, "stale pong must not count")
	ka.pong(sent.Load())
	assert.Equal(t, 0, ka.Stats().MissedPongs)
}

func TestDialerPoolsAndRedials(t *testing.T) {
	s := startServer(t, map[string]Handler{"sys/dev/1": deviceHandler()})
	names := naming.NewStatic(map[string]string{"sys/dev/1": s.Addr()})
	d := NewDialer(DialerConfig{Client: noKeepAlive(), Resolver: names})
	defer d.Close()
	ctx := context.Background()

	dev := d.Device("Sys/Dev/1")
	admin, err := dev.AdminName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dserver/test/1", admin)
	v, err := dev.ReadAttribute(ctx, "temperature")
	require.NoError(t, err)
	assert.Equal(t, 21.5, v.Value)
	assert.Equal(t, 1, s.Conns(), "device calls share one connection")

	// Producer moves to a new address.
	require.NoError(t, s.Close())
	moved := startServer(t, map[string]Handler{"sys/dev/1": deviceHandler()})
	names.Register("sys/dev/1", moved.Addr())

	require.Eventually(t, func() bool { return dev.Ping(ctx) == nil }, 2*time.Second, 10*time.Millisecond)
}

func TestDialerUnknownName(t *testing.T) {
	d := NewDialer(DialerConfig{Client: noKeepAlive()})
	_, err := d.Device("sys/dev/9").AdminName(context.Background())
	assert.ErrorIs(t, err, naming.ErrNotFound)

	_, err = d.Admin(context.Background(), "dserver/none")
	assert.ErrorIs(t, err, naming.ErrNotFound)

	require.NoError(t, d.Close())
}

func TestAdminProxy(t *testing.T) {
	started := time.Now().UTC().Truncate(time.Second)
	s := startServer(t, map[string]Handler{
		"dserver/test/1": HandlerFunc(func(_ context.Context, call *Call) (any, error) {
			switch call.Method {
			case MethodInfo:
				return ServerInfo{Name: "dserver/test/1", Host: "h1", Incarnation: "inc-1", Started: started}, nil
			case MethodChannelInfo:
				return ChannelInfo{HeartbeatEndpoint: "tcp://a:1", EventEndpoint: "tcp://a:2", Host: "h1", Incarnation: "inc-1", IDLVersion: 6}, nil
			case MethodSubscriptionChange:
				var args SubscriptionChangeArgs
				if err := call.Decode(&args); err != nil {
					return nil, err
				}
				if args.Action != ActionSubscribe {
					return nil, Failed(wire.ReasonCommandFailed, "bad action", call.Object)
				}
				return SubscriptionChangeReply{IDLVersion: 6}, nil
			}
			return nil, ErrUnknownMethod
		}),
	})
	names := naming.NewStatic(map[string]string{"dserver/test/1": s.Addr()})
	d := NewDialer(DialerConfig{Client: noKeepAlive(), Resolver: names})
	defer d.Close()
	ctx := context.Background()

	admin, err := d.Admin(ctx, "DServer/Test/1")
	require.NoError(t, err)
	defer admin.Close()
	assert.Equal(t, "dserver/test/1", admin.Name())

	info, err := admin.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "inc-1", info.Incarnation)
	assert.True(t, info.Started.Equal(started))

	ch, err := admin.ChannelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tcp://a:2", ch.EventEndpoint)

	reply, err := admin.EventSubscriptionChange(ctx, SubscriptionChangeArgs{Device: "sys/dev/1", Attribute: "temperature", Action: ActionSubscribe, EventType: wire.EventChange})
	require.NoError(t, err)
	assert.Equal(t, 6, reply.IDLVersion)

	_, err = admin.EventSubscriptionChange(ctx, SubscriptionChangeArgs{Action: ActionUnsubscribe})
	assert.Error(t, err)
}
