package interactive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mash-events/pkg/connection"
	"github.com/mash-protocol/mash-events/pkg/consumer"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

type mockConsumer struct {
	mock.Mock
}

func (m *mockConsumer) Subscribe(ctx context.Context, device, attribute string, eventType wire.EventType, sink consumer.Handler, filters []string, stateless bool) (uint64, error) {
	args := m.Called(device, attribute, eventType, sink == nil, filters, stateless)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockConsumer) Unsubscribe(ctx context.Context, id uint64) error {
	return m.Called(id).Error(0)
}

func (m *mockConsumer) Subscriptions() []consumer.SubscriptionStatus {
	return m.Called().Get(0).([]consumer.SubscriptionStatus)
}

func (m *mockConsumer) Channels() []consumer.ChannelStatus {
	return m.Called().Get(0).([]consumer.ChannelStatus)
}

func (m *mockConsumer) Events(id uint64) ([]consumer.Event, error) {
	args := m.Called(id)
	events, _ := args.Get(0).([]consumer.Event)
	return events, args.Error(1)
}

func (m *mockConsumer) Stats() consumer.Stats {
	return m.Called().Get(0).(consumer.Stats)
}

func newTestShell() (*Shell, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Shell{out: &buf}, &buf
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in        string
		device    string
		attribute string
		typ       wire.EventType
		wantErr   bool
	}{
		{in: "sys/sim/1/temperature", device: "sys/sim/1", attribute: "temperature", typ: wire.EventChange},
		{in: "sys/sim/1/temperature:periodic", device: "sys/sim/1", attribute: "temperature", typ: wire.EventPeriodic},
		{in: "sys/sim/1/state:ATTR_CONF", device: "sys/sim/1", attribute: "state", typ: wire.EventAttrConf},
		{in: "temperature", wantErr: true},
		{in: "sys/sim/1/", wantErr: true},
		{in: "sys/sim/1/temperature:bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			device, attribute, typ, err := ParseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.device, device)
			assert.Equal(t, tt.attribute, attribute)
			assert.Equal(t, tt.typ, typ)
		})
	}
}

func TestShellSubscribe(t *testing.T) {
	s, out := newTestShell()
	c := &mockConsumer{}
	c.On("Subscribe", "sys/sim/1", "temperature", wire.EventChange, false, []string(nil), false).Return(uint64(3), nil).Once()
	c.On("Subscribe", "sys/sim/1", "ramp", wire.EventPeriodic, true, []string{"abs_change>1"}, true).Return(uint64(4), nil).Once()

	assert.True(t, s.Exec(context.Background(), c, "subscribe sys/sim/1/temperature"))
	assert.True(t, s.Exec(context.Background(), c, "sub sys/sim/1/ramp:periodic --stateless --queue --filter abs_change>1"))

	c.AssertExpectations(t)
	assert.Contains(t, out.String(), "Subscribed: id 3")
	assert.Contains(t, out.String(), "Subscribed: id 4")
}

func TestShellSubscribeErrors(t *testing.T) {
	s, out := newTestShell()
	c := &mockConsumer{}
	c.On("Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(uint64(0), consumer.ErrAlreadySubscribed).Once()

	s.Exec(context.Background(), c, "subscribe")
	s.Exec(context.Background(), c, "subscribe temperature")
	s.Exec(context.Background(), c, "subscribe sys/sim/1/temperature --bogus")
	s.Exec(context.Background(), c, "subscribe sys/sim/1/temperature --filter")
	s.Exec(context.Background(), c, "subscribe sys/sim/1/temperature")

	text := out.String()
	assert.Contains(t, text, "Usage: subscribe")
	assert.Contains(t, text, "invalid event")
	assert.Contains(t, text, "unknown option --bogus")
	assert.Contains(t, text, "--filter needs an expression")
	assert.Contains(t, text, "Subscribe failed")
	c.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestShellUnsubscribeAndDrain(t *testing.T) {
	s, out := newTestShell()
	c := &mockConsumer{}
	c.On("Unsubscribe", uint64(7)).Return(nil).Once()
	c.On("Unsubscribe", uint64(8)).Return(errors.New("gone")).Once()
	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.On("Events", uint64(7)).Return([]consumer.Event{
		&consumer.DataEvent{
			EventHeader: consumer.EventHeader{SubscriptionID: 7, Name: "sys/sim/1/temperature.change", Received: received},
			Value:       &wire.AttributeValue{Name: "temperature", Value: 21.5, Quality: wire.QualityValid, Time: received},
		},
	}, nil).Once()
	c.On("Events", uint64(9)).Return(nil, consumer.ErrSubscriptionNotFound).Once()

	s.Exec(context.Background(), c, "unsubscribe 7")
	s.Exec(context.Background(), c, "unsubscribe 8")
	s.Exec(context.Background(), c, "unsubscribe x")
	s.Exec(context.Background(), c, "drain 7")
	s.Exec(context.Background(), c, "drain 9")

	text := out.String()
	assert.Contains(t, text, "Unsubscribed: id 7")
	assert.Contains(t, text, "Unsubscribe failed: gone")
	assert.Contains(t, text, "Invalid id")
	assert.Contains(t, text, "sys/sim/1/temperature.change = 21.5")
	assert.Contains(t, text, "Error:")
	c.AssertExpectations(t)
}

func TestShellListChannelsStatus(t *testing.T) {
	s, out := newTestShell()
	c := &mockConsumer{}
	c.On("Subscriptions").Return([]consumer.SubscriptionStatus{
		{ID: 1, Name: "sys/sim/1/temperature.change", Channel: "dserver/sim/1", FilterInstalled: true},
		{ID: 2, Name: "sys/gone/1/x.change", Pending: true, Attempts: 3, LastError: "unreachable"},
	})
	c.On("Channels").Return([]consumer.ChannelStatus{
		{Name: "dserver/sim/1", State: connection.StateHealthy, Host: "sim", Incarnation: "inc-1", Subscriptions: 1},
	})
	c.On("Stats").Return(consumer.Stats{Delivered: 12, MissedEvents: 1})

	s.Exec(context.Background(), c, "list")
	s.Exec(context.Background(), c, "channels")
	s.Exec(context.Background(), c, "status")

	text := out.String()
	assert.Contains(t, text, "Subscriptions (2)")
	assert.Contains(t, text, "pending (attempts 3)")
	assert.Contains(t, text, "last error: unreachable")
	assert.Contains(t, text, "dserver/sim/1 (HEALTHY)")
	assert.Contains(t, text, "Delivered: 12")
	assert.Contains(t, text, "Missed: 1")
}

func TestShellQuitAndUnknown(t *testing.T) {
	s, out := newTestShell()
	c := &mockConsumer{}

	assert.True(t, s.Exec(context.Background(), c, "   "))
	assert.True(t, s.Exec(context.Background(), c, "frobnicate"))
	assert.False(t, s.Exec(context.Background(), c, "quit"))
	assert.True(t, strings.Contains(out.String(), "Unknown command: frobnicate"))
}

func TestFormatErrorEvent(t *testing.T) {
	e := &consumer.DataEvent{EventHeader: consumer.EventHeader{
		SubscriptionID: 5,
		Name:           "sys/sim/1/temperature.change",
		Errors:         wire.NewErrorList("API_EventTimeout", "heartbeat lost", "keepalive"),
	}}
	assert.Contains(t, Format(e), "ERROR")
	assert.Contains(t, Format(e), "API_EventTimeout")
}
