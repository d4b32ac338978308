package naming

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolve(t *testing.T) {
	s := NewStatic(map[string]string{"Sys/TG/1": "127.0.0.1:10000"})

	addr, err := s.Resolve(context.Background(), " sys/tg/1 ")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:10000", addr)

	s.Register("dserver/tangotest/test", "127.0.0.1:10001")
	addr, err = s.Resolve(context.Background(), "DServer/TangoTest/Test")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:10001", addr)

	s.Unregister("sys/tg/1")
	_, err = s.Resolve(context.Background(), "sys/tg/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.yaml")
	require.NoError(t, os.WriteFile(path, []byte("objects:\n  sys/tg/1: 10.0.0.1:10000\n"), 0o600))

	s, err := LoadStatic(path)
	require.NoError(t, err)
	addr, err := s.Resolve(context.Background(), "sys/tg/1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:10000", addr)

	require.NoError(t, os.WriteFile(path, []byte("objects: [unclosed"), 0o600))
	_, err = LoadStatic(path)
	assert.Error(t, err)
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, string) (string, error) { return "", f.err }

func TestChain(t *testing.T) {
	chain := Chain{NewStatic(nil), NewStatic(map[string]string{"a": "1.2.3.4:5"})}
	addr, err := chain.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4:5", addr)

	_, err = chain.Resolve(context.Background(), "b")
	assert.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("network down")
	_, err = Chain{failingResolver{boom}}.Resolve(context.Background(), "b")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, boom)
}

func TestTXTRoundTrip(t *testing.T) {
	txt := EncodeTXT([]string{"Sys/TG/1", "dserver/x/y"})
	assert.Equal(t, []string{"obj=sys/tg/1", "obj=dserver/x/y"}, txt)
	assert.Equal(t, []string{"sys/tg/1", "dserver/x/y"}, DecodeTXT(append(txt, "ver=1", "obj=")))
}

func TestEntryAddress(t *testing.T) {
	e := &zeroconf.ServiceEntry{Port: 10000}
	assert.Equal(t, "", entryAddress(e))

	e.HostName = "producer.local."
	assert.Equal(t, "producer.local:10000", entryAddress(e))

	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	assert.Equal(t, "[fe80::1]:10000", entryAddress(e))

	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.5")}
	assert.Equal(t, "192.168.1.5:10000", entryAddress(e))
}

func newEntry(instance string, port int, objects ...string) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{Port: port, Text: EncodeTXT(objects)}
	e.Instance = instance
	e.AddrIPv4 = []net.IP{net.ParseIP("127.0.0.1")}
	return e
}

func TestMDNSResolveWaitsForAnnouncement(t *testing.T) {
	m := NewMDNS(MDNSConfig{BrowseTimeout: time.Second})

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.add(newEntry("producer-1", 10000, "sys/tg/1", "dserver/tangotest/test"))
	}()

	addr, err := m.Resolve(context.Background(), "sys/tg/1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:10000", addr)

	// Re-announcement on a new port replaces every object of the instance.
	m.add(newEntry("producer-1", 10001, "sys/tg/1"))
	addr, err = m.Resolve(context.Background(), "sys/tg/1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:10001", addr)

	m.remove(newEntry("producer-1", 0))
	m.config.BrowseTimeout = 20 * time.Millisecond
	_, err = m.Resolve(context.Background(), "sys/tg/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMDNSResolveHonorsContext(t *testing.T) {
	m := NewMDNS(MDNSConfig{BrowseTimeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
