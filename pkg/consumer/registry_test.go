package consumer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

func testSub(key string) *subscription {
	return &subscription{key: key, monitor: newMonitor(), eventType: wire.EventChange}
}

func TestConstraintOf(t *testing.T) {
	assert.Equal(t, `$event == "a/b/c/x.change"`, constraintOf("a/b/c/x.change", nil))
	assert.Equal(t, `$event == "a/b/c/x.change" && ($delta_change_abs >= 5) && ($quality == 0)`,
		constraintOf("a/b/c/x.change", []string{"$delta_change_abs >= 5", "$quality == 0"}))
}

func TestRegistryClaim(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.claim("k"))
	assert.ErrorIs(t, r.claim("k"), ErrAlreadySubscribed)
	r.unclaim("k")
	assert.NoError(t, r.claim("k"))
}

func TestRegistryActivateAndRemove(t *testing.T) {
	r := newRegistry()
	ch := &channel{name: "dserver/a/1"}
	r.channels[ch.name] = ch

	s := testSub("sys/a/1/x.change")
	require.NoError(t, r.claim(s.key))
	require.True(t, r.activate(s, ch))
	assert.NotZero(t, s.id)
	assert.Equal(t, ch.name, s.channelName)

	got, live := r.lookup(s.id)
	assert.Same(t, s, got)
	assert.True(t, live)
	assert.Equal(t, []*subscription{s}, r.channelSubs(ch.name))

	assert.Same(t, ch, r.removeLive(s))
	assert.Nil(t, r.removeLive(s))
	got, _ = r.lookup(s.id)
	assert.Nil(t, got)
	assert.NoError(t, r.claim(s.key), "key released")
}

func TestRegistryPending(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	ch := &channel{name: "dserver/a/1"}

	var subs []*subscription
	for _, key := range []string{"a", "b", "c"} {
		s := testSub(key)
		s.id = r.nextID.Add(1)
		require.NoError(t, r.addPending(s, 3))
		subs = append(subs, s)
	}
	assert.ErrorIs(t, r.addPending(testSub("d"), 3), ErrTooManyPending)

	assert.Len(t, r.duePending(now, time.Second), 3)
	require.True(t, r.pendingFailed(subs[0], now, errors.New("down")))
	assert.Equal(t, 1, subs[0].attempts)
	due := r.duePending(now, time.Second)
	assert.Equal(t, []*subscription{subs[1], subs[2]}, due)
	assert.Len(t, r.duePending(now.Add(time.Second), time.Second), 3)

	// Promotion keeps the id.
	id := subs[1].id
	require.True(t, r.activate(subs[1], ch))
	assert.Equal(t, id, subs[1].id)
	_, live := r.lookup(id)
	assert.True(t, live)

	// A removed pending entry cannot be promoted.
	require.True(t, r.removePending(subs[2]))
	assert.False(t, r.activate(subs[2], ch))
	assert.False(t, r.pendingFailed(subs[2], now, errors.New("down")))
}

func TestRegistryReset(t *testing.T) {
	r := newRegistry()
	ch := &channel{name: "dserver/a/1"}
	r.channels[ch.name] = ch
	s := testSub("k")
	require.True(t, r.activate(s, ch))

	chans := r.reset()
	assert.Equal(t, []*channel{ch}, chans)
	assert.True(t, s.removed.Load())
	assert.Empty(t, r.channelList())
}
