package consumer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mash-events/pkg/connection"
	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/transport"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

var tempKey = wire.EventKey(testDevice, "temperature", wire.EventChange)

func TestSubscribeDeliversInitialValue(t *testing.T) {
	f := newFixture(t)
	f.expectDevice()
	c := f.start(t)
	rec := &recorder{}

	id, err := c.Subscribe(context.Background(), "SYS/Sim/1", "Temperature", wire.EventChange, rec, []string{"$quality == 0"}, false)
	require.NoError(t, err)
	assert.NotZero(t, id)

	events := rec.all()
	require.Len(t, events, 1, "initial value delivered before Subscribe returns")
	de, ok := events[0].(*DataEvent)
	require.True(t, ok)
	assert.False(t, de.Failed())
	assert.Equal(t, id, de.SubscriptionID)
	assert.Equal(t, tempKey, de.Name)
	assert.Equal(t, 20.0, de.Value.Value)

	ep, ok := f.tr.eventEndpoint(tempKey)
	assert.True(t, ok)
	assert.Equal(t, "tcp://127.0.0.1:2", ep)
	ep, ok = f.tr.heartbeatEndpoint(testAdmin)
	assert.True(t, ok)
	assert.Equal(t, "tcp://127.0.0.1:1", ep)

	subs := c.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, `$event == "sys/sim/1/temperature.change" && ($quality == 0)`, subs[0].Constraint)
	assert.Equal(t, testAdmin, subs[0].Channel)
	assert.True(t, subs[0].FilterInstalled)
	assert.False(t, subs[0].Pending)
	assert.Equal(t, wire.CurrentIDLVersion, subs[0].IDLVersion)

	chans := c.Channels()
	require.Len(t, chans, 1)
	assert.Equal(t, connection.StateHealthy, chans[0].State)
	assert.Equal(t, "inc-1", chans[0].Incarnation)
	assert.Equal(t, 1, chans[0].Subscriptions)
}

func TestSubscribeEventTypes(t *testing.T) {
	f := newFixture(t)
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()

	conf := &recorder{}
	_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventAttrConf, conf, nil, false)
	require.NoError(t, err)
	require.Len(t, conf.all(), 1)
	ce, ok := conf.all()[0].(*ConfigEvent)
	require.True(t, ok)
	assert.Equal(t, "float64", ce.Config.DataType)

	ready := &recorder{}
	_, err = c.Subscribe(ctx, testDevice, "temperature", wire.EventDataReady, ready, nil, false)
	require.NoError(t, err)
	assert.Empty(t, ready.all(), "data_ready has no initial value")

	id, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventPeriodic, nil, nil, false)
	require.NoError(t, err)
	n, err := c.QueueLen(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	queued, err := c.Events(id)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.IsType(t, &DataEvent{}, queued[0])
	n, _ = c.QueueLen(id)
	assert.Zero(t, n)

	// Every subscription shares the channel of the one admin identity.
	f.conn.AssertNumberOfCalls(t, "Admin", 1)
	assert.Len(t, c.Channels(), 1)
	assert.Equal(t, 3, c.Channels()[0].Subscriptions)
}

func TestSubscribeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("not started", func(t *testing.T) {
		f := newFixture(t)
		c, err := New(f.config, f.conn, WithTransport(f.tr))
		require.NoError(t, err)
		_, err = c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("invalid event type", func(t *testing.T) {
		f := newFixture(t)
		c := f.start(t)
		_, err := c.Subscribe(ctx, testDevice, "temperature", "sometimes", nil, nil, false)
		assert.ErrorIs(t, err, ErrInvalidEventType)
	})

	t.Run("duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.expectDevice()
		c := f.start(t)
		_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
		require.NoError(t, err)
		_, err = c.Subscribe(ctx, testDevice, "TEMPERATURE", wire.EventChange, nil, nil, true)
		assert.ErrorIs(t, err, ErrAlreadySubscribed)
	})

	t.Run("producer unreachable", func(t *testing.T) {
		f := newFixture(t)
		f.dev.On("AdminName").Return("", errors.New("connection refused"))
		c := f.start(t)
		for range 2 {
			_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
			assert.ErrorIs(t, err, ErrConnection)
		}
		assert.Empty(t, c.Subscriptions())
	})

	t.Run("producer refuses", func(t *testing.T) {
		f := newFixture(t)
		f.admin.On("EventSubscriptionChange", rpc.ActionSubscribe, "pressure").
			Return(nil, rpc.Failed(wire.ReasonAttributeNotFound, "no pressure", testDevice))
		f.expectDevice()
		c := f.start(t)

		_, err := c.Subscribe(ctx, testDevice, "pressure", wire.EventChange, nil, nil, false)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProtocol)
		var df *DevFailed
		require.ErrorAs(t, err, &df)
		assert.Equal(t, wire.ReasonAttributeNotFound, df.Errors.Reason())

		_, ok := f.tr.eventEndpoint(wire.EventKey(testDevice, "pressure", wire.EventChange))
		assert.False(t, ok, "filter removed")
		assert.Empty(t, c.Channels(), "channel released")
	})

	t.Run("transport refuses", func(t *testing.T) {
		f := newFixture(t)
		f.expectDevice()
		f.tr.failEvent = transport.ErrClosed
		c := f.start(t)
		_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("closed", func(t *testing.T) {
		f := newFixture(t)
		c := f.start(t)
		require.NoError(t, c.Close())
		_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, c.Unsubscribe(ctx, 1), ErrClosed)
	})
}

func TestStatelessSubscribeRetried(t *testing.T) {
	f := newFixture(t)
	f.dev.On("AdminName").Return("", errors.New("no route")).Twice()
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()
	rec := &recorder{}

	id, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, rec, nil, true)
	require.NoError(t, err)
	assert.NotZero(t, id)

	subs := c.Subscriptions()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].Pending)
	assert.Contains(t, subs[0].LastError, "no route")
	assert.Empty(t, rec.all())

	// The first retry fails and reports it.
	c.tick(ctx)
	require.Len(t, rec.all(), 1)
	assert.True(t, rec.last().Header().Failed())
	assert.Equal(t, wire.ReasonCantConnect, rec.last().Header().Errors.Reason())
	assert.Equal(t, 1, c.Subscriptions()[0].Attempts)

	// Not due again within a tick.
	c.tick(ctx)
	f.dev.AssertNumberOfCalls(t, "AdminName", 2)

	f.clock.Advance(time.Hour)
	c.tick(ctx)
	subs = c.Subscriptions()
	require.Len(t, subs, 1)
	assert.False(t, subs[0].Pending)
	assert.Equal(t, id, subs[0].ID)
	de, ok := rec.last().(*DataEvent)
	require.True(t, ok)
	assert.Equal(t, 20.0, de.Value.Value)
}

func TestMaxPending(t *testing.T) {
	f := newFixture(t)
	f.config.MaxPending = 1
	f.dev.On("AdminName").Return("", errors.New("no route"))
	c := f.start(t)
	ctx := context.Background()

	_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, true)
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, testDevice, "pressure", wire.EventChange, nil, nil, true)
	assert.ErrorIs(t, err, ErrTooManyPending)

	// The rejected key is free again.
	_, err = c.Subscribe(ctx, testDevice, "pressure", wire.EventChange, nil, nil, false)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()

	id, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
	require.NoError(t, err)

	require.NoError(t, c.Unsubscribe(ctx, id))
	assert.ErrorIs(t, c.Unsubscribe(ctx, id), ErrSubscriptionNotFound)
	assert.ErrorIs(t, c.Unsubscribe(ctx, 999), ErrSubscriptionNotFound)

	_, ok := f.tr.eventEndpoint(tempKey)
	assert.False(t, ok)
	assert.EqualValues(t, 1, f.admin.unsubscribes.Load())
	assert.EqualValues(t, 1, f.admin.closes.Load())
	assert.Empty(t, c.Channels())
	_, ok = f.tr.heartbeatEndpoint(testAdmin)
	assert.False(t, ok)

	// A new subscription opens a new channel.
	_, err = c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
	require.NoError(t, err)
	f.conn.AssertNumberOfCalls(t, "Admin", 2)
}

func TestUnsubscribePending(t *testing.T) {
	f := newFixture(t)
	f.dev.On("AdminName").Return("", errors.New("no route"))
	c := f.start(t)
	ctx := context.Background()

	id, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, true)
	require.NoError(t, err)
	require.NoError(t, c.Unsubscribe(ctx, id))
	assert.Empty(t, c.Subscriptions())
	assert.ErrorIs(t, c.Unsubscribe(ctx, id), ErrSubscriptionNotFound)
}

func TestDispatchEvents(t *testing.T) {
	f := newFixture(t)
	f.expectDevice()
	c := f.start(t)
	rec := &recorder{}
	_, err := c.Subscribe(context.Background(), testDevice, "temperature", wire.EventChange, rec, nil, false)
	require.NoError(t, err)

	c.dispatch(dataMsg(t, tempKey, 1, 21.0))
	c.dispatch(dataMsg(t, tempKey, 2, 22.0))
	c.dispatch(dataMsg(t, tempKey, 5, 25.0))

	events := rec.all()
	require.Len(t, events, 5)
	assert.Equal(t, 21.0, events[1].(*DataEvent).Value.Value)
	assert.Equal(t, 22.0, events[2].(*DataEvent).Value.Value)
	assert.Equal(t, wire.ReasonMissedEvents, events[3].Header().Errors.Reason())
	assert.Equal(t, 25.0, events[4].(*DataEvent).Value.Value)

	c.dispatch(dataMsg(t, "sys/other/1/x.change", 1, 0.0))

	bad := dataMsg(t, tempKey, 6, 0.0)
	bad.Payload = []byte{0xff, 0x00}
	c.dispatch(bad)
	assert.Equal(t, wire.ReasonDecodeFailed, rec.last().Header().Errors.Reason())

	payload, err := wire.Marshal(wire.NewErrorList(wire.ReasonCommandFailed, "sensor offline", testDevice))
	require.NoError(t, err)
	c.dispatch(&wire.EventMessage{Kind: wire.KindData, Key: tempKey, Counter: 7, IsError: true, IDL: wire.CurrentIDLVersion, Payload: payload})
	assert.True(t, rec.last().Header().Failed())
	assert.Equal(t, wire.ReasonCommandFailed, rec.last().Header().Errors.Reason())
	assert.Nil(t, rec.last().(*DataEvent).Value)

	st := c.Stats()
	assert.Equal(t, uint64(2), st.MissedEvents)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(7), st.Delivered)
}

func TestDispatchRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.expectDevice()
	c := f.start(t)

	calls := 0
	h := HandlerFunc(func(e Event) {
		calls++
		if calls == 2 {
			panic("handler bug")
		}
	})
	_, err := c.Subscribe(context.Background(), testDevice, "temperature", wire.EventChange, h, nil, false)
	require.NoError(t, err)

	c.dispatch(dataMsg(t, tempKey, 1, 1.0))
	c.dispatch(dataMsg(t, tempKey, 2, 2.0))
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(1), c.Stats().Panics)
}

func TestUnsubscribeWaitsForRunningCallback(t *testing.T) {
	f := newFixture(t)
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	h := HandlerFunc(func(e Event) {
		rec.PushEvent(e)
		if de, ok := e.(*DataEvent); ok && de.Value != nil && de.Value.Value == 1.0 {
			close(entered)
			<-release
		}
	})
	id, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, h, nil, false)
	require.NoError(t, err)

	go c.dispatch(dataMsg(t, tempKey, 1, 1.0))
	<-entered

	done := make(chan error, 1)
	go func() { done <- c.Unsubscribe(ctx, id) }()
	select {
	case <-done:
		t.Fatal("Unsubscribe returned while the callback was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)

	n := len(rec.all())
	c.dispatch(dataMsg(t, tempKey, 2, 2.0))
	assert.Len(t, rec.all(), n, "no delivery after Unsubscribe")
}

func TestCallbackMaySubscribeAndUnsubscribe(t *testing.T) {
	f := newFixture(t)
	f.dev.On("ReadAttribute", "pressure").Return(value(1013.0), nil)
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()

	var selfID uint64
	var innerErr, selfErr error
	pressure := &recorder{}
	h := HandlerFunc(func(e Event) {
		de, ok := e.(*DataEvent)
		if !ok || de.Value == nil || de.Value.Value != 1.0 {
			return
		}
		_, innerErr = c.Subscribe(ctx, testDevice, "pressure", wire.EventChange, pressure, nil, false)
		selfErr = c.Unsubscribe(ctx, selfID)
	})
	id, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, h, nil, false)
	require.NoError(t, err)
	selfID = id

	c.dispatch(dataMsg(t, tempKey, 1, 1.0))
	require.NoError(t, innerErr)
	require.NoError(t, selfErr)
	assert.Len(t, pressure.all(), 1)

	subs := c.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, wire.EventKey(testDevice, "pressure", wire.EventChange), subs[0].Name)
}

func TestHeartbeatLateSameProcess(t *testing.T) {
	f := newFixture(t)
	f.admin.On("Info").Return(&rpc.ServerInfo{Name: testAdmin, Host: "simhost", Incarnation: "inc-1"}, nil)
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()

	_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, f.admin.subscribes.Load())

	// A fresh heartbeat keeps the channel healthy.
	f.clock.Advance(30 * time.Minute)
	c.dispatch(heartbeatMsg(testAdmin, 1))
	c.tick(ctx)
	assert.Equal(t, connection.StateHealthy, c.Channels()[0].State)

	f.clock.Advance(time.Hour + 2*time.Second)
	c.tick(ctx)
	ch := c.Channels()[0]
	assert.Equal(t, connection.StateDegraded, ch.State)
	assert.True(t, ch.HeartbeatSkipped)
	assert.EqualValues(t, 2, f.admin.subscribes.Load(), "subscriptions re-announced")
	f.conn.AssertNumberOfCalls(t, "Admin", 1)

	c.dispatch(heartbeatMsg(testAdmin, 2))
	ch = c.Channels()[0]
	assert.Equal(t, connection.StateHealthy, ch.State)
	assert.False(t, ch.HeartbeatSkipped)
}

func TestHeartbeatLostReconnects(t *testing.T) {
	f := newFixture(t)
	f.admin.On("Info").Return(nil, rpc.ErrClosed)
	f.admin.On("ChannelInfo").Return(channelInfo("inc-1"), nil).Once()
	f.admin.On("ChannelInfo").Return(channelInfo("inc-2"), nil)
	f.dev.On("ReadAttribute", "temperature").Return(value(20.0), nil).Once()
	f.dev.On("ReadAttribute", "temperature").Return(value(21.0), nil)
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()
	rec := &recorder{}

	_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, rec, nil, false)
	require.NoError(t, err)
	c.dispatch(dataMsg(t, tempKey, 40, 20.5))

	f.clock.Advance(time.Hour + 2*time.Second)
	c.tick(ctx)

	ch := c.Channels()[0]
	assert.Equal(t, connection.StateHealthy, ch.State)
	assert.Equal(t, "inc-2", ch.Incarnation)
	f.conn.AssertNumberOfCalls(t, "Admin", 2)
	de, ok := rec.last().(*DataEvent)
	require.True(t, ok)
	assert.Equal(t, 21.0, de.Value.Value, "value re-read after reconnect")

	// The restarted producer counts from 1 again without a missed-events report.
	c.dispatch(dataMsg(t, tempKey, 1, 21.5))
	assert.False(t, rec.last().Header().Failed())
	assert.Zero(t, c.Stats().MissedEvents)
}

func TestReconnectFailureDeliversErrors(t *testing.T) {
	f := newFixture(t)
	f.admin.On("Info").Return(nil, rpc.ErrClosed)
	f.conn.On("Admin", testAdmin).Return(f.admin, nil).Once()
	f.conn.On("Admin", testAdmin).Return(nil, errors.New("connection refused")).Once()
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()
	rec := &recorder{}

	_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, rec, nil, false)
	require.NoError(t, err)

	f.clock.Advance(time.Hour + 2*time.Second)
	c.tick(ctx)
	ch := c.Channels()[0]
	assert.Equal(t, connection.StateReconnecting, ch.State)
	assert.Equal(t, 1, ch.Failures)
	require.True(t, rec.last().Header().Failed())
	assert.Equal(t, wire.ReasonEventTimeout, rec.last().Header().Errors.Reason())

	// Retried on the next tick.
	f.clock.Advance(time.Second)
	c.tick(ctx)
	ch = c.Channels()[0]
	assert.Equal(t, connection.StateHealthy, ch.State)
	assert.Zero(t, ch.Failures)
	assert.False(t, rec.last().Header().Failed())
	_, ok := f.tr.eventEndpoint(tempKey)
	assert.True(t, ok)
}

func TestReinstallAfterFailedResubscribe(t *testing.T) {
	f := newFixture(t)
	f.admin.On("Info").Return(&rpc.ServerInfo{Host: "simhost", Incarnation: "inc-2"}, nil)
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()
	rec := &recorder{}

	_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, rec, nil, false)
	require.NoError(t, err)

	f.tr.mu.Lock()
	f.tr.failEvent = errors.New("socket gone")
	f.tr.mu.Unlock()
	f.clock.Advance(time.Hour + 2*time.Second)
	c.tick(ctx)
	assert.Equal(t, wire.ReasonEventTimeout, rec.last().Header().Errors.Reason())
	assert.False(t, c.Subscriptions()[0].FilterInstalled)

	f.tr.mu.Lock()
	f.tr.failEvent = nil
	f.tr.mu.Unlock()
	f.clock.Advance(time.Second)
	c.dispatch(heartbeatMsg(testAdmin, 1))
	c.tick(ctx)
	assert.True(t, c.Subscriptions()[0].FilterInstalled)
	assert.False(t, rec.last().Header().Failed())
}

func TestLeaseRenewal(t *testing.T) {
	f := newFixture(t)
	f.config.ResubscribePeriod = 30 * time.Minute
	f.expectDevice()
	c := f.start(t)
	ctx := context.Background()

	_, err := c.Subscribe(ctx, testDevice, "temperature", wire.EventChange, nil, nil, false)
	require.NoError(t, err)

	f.clock.Advance(f.config.ResubscribePeriod/3 + time.Second)
	c.tick(ctx)
	assert.EqualValues(t, 2, f.admin.subscribes.Load())

	f.clock.Advance(10 * time.Second)
	c.tick(ctx)
	assert.EqualValues(t, 2, f.admin.subscribes.Load())
}

func TestCloseReleasesChannels(t *testing.T) {
	f := newFixture(t)
	f.expectDevice()
	c := f.start(t)
	_, err := c.Subscribe(context.Background(), testDevice, "temperature", wire.EventChange, nil, nil, false)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, f.admin.closes.Load())
	_, ok := f.tr.heartbeatEndpoint(testAdmin)
	assert.False(t, ok)
	assert.Empty(t, c.Subscriptions())
	assert.Empty(t, c.Channels())
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.HeartbeatPeriod, cfg.tick())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"heartbeat", func(c *Config) { c.HeartbeatPeriod = 0 }},
		{"keepalive", func(c *Config) { c.KeepAlivePeriod = -time.Second }},
		{"lock timeout", func(c *Config) { c.LockTimeout = 0 }},
		{"max pending", func(c *Config) { c.MaxPending = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}

	path := filepath.Join(t.TempDir(), "consumer.yaml")
	data := `transport: notify
heartbeat_period: 2s
keepalive_period: 500ms
max_pending: 5
retry:
  mode: backoff
  backoff:
    initial: 100ms
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, transport.KindNotify, loaded.Transport)
	assert.Equal(t, 2*time.Second, loaded.HeartbeatPeriod)
	assert.Equal(t, 500*time.Millisecond, loaded.tick())
	assert.Equal(t, 5, loaded.MaxPending)
	assert.Equal(t, connection.RetryBackoff, loaded.Retry.Mode)
	assert.Equal(t, 100*time.Millisecond, loaded.Retry.Backoff.Initial)
	assert.Equal(t, DefaultUnsubscribeTimeout, loaded.UnsubscribeTimeout)

	require.NoError(t, os.WriteFile(path, []byte("transport: smoke\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClassify(t *testing.T) {
	err := classify(ErrConnection, "op", &rpc.StatusError{Status: wire.StatusUnknownObject})
	assert.ErrorIs(t, err, ErrConnection)

	err = classify(ErrConnection, "op", rpc.Failed(wire.ReasonCommandFailed, "x", "y"))
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, wire.ReasonCantConnect, errorList(wire.ReasonCantConnect, err, "z").Reason())
	assert.Len(t, errorList(wire.ReasonCantConnect, err, "z"), 2)

	err = classify(ErrConnection, "op", rpc.ErrTimeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, rpc.ErrTimeout)

	err = classify(ErrTransport, "op", errors.New("boom"))
	assert.ErrorIs(t, err, ErrTransport)
}
