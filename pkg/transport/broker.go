package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Broker defaults.
const (
	DefaultDialTimeout = 3 * time.Second

	// maxDatagramSize bounds one multicast datagram.
	maxDatagramSize = 64 * 1024
)

// BrokerConfig configures a BrokerTransport.
type BrokerConfig struct {
	// DialTimeout bounds connecting to a publisher endpoint.
	DialTimeout time.Duration

	// MaxMessageSize is the largest accepted frame.
	MaxMessageSize uint32

	// Logger for operational messages. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives frame, message and control events.
	ProtocolLogger log.Logger
}

// DefaultBrokerConfig returns the default broker configuration.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		DialTimeout:    DefaultDialTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// socket is a connection to one publisher endpoint. Owned by the loop.
type socket struct {
	key      string
	endpoint string
	conn     net.Conn
	framer   *Framer // nil for multicast
	names    map[string]struct{}
	closed   bool
}

type inbound struct {
	sock *socket
	data []byte
	err  error
}

type controlCall struct {
	data  []byte
	reply chan []byte
}

// BrokerTransport receives events from publisher sockets. One loop
// goroutine owns every socket and applies control commands; readers only
// read and forward.
type BrokerTransport struct {
	config BrokerConfig
	logger *slog.Logger
	plog   log.Logger
	id     string

	ctrl    chan controlCall
	inbound chan inbound
	queue   *eventQueue
	ready   chan struct{}
	stop    chan struct{}
	done    chan struct{}

	started   atomic.Bool
	stopOnce  sync.Once
	openConns atomic.Int32
	badFrames atomic.Uint64

	// Loop-owned.
	sockets map[string]*socket
	filters map[string]*socket
}

// NewBrokerTransport creates a broker transport. Call Run to start it.
func NewBrokerTransport(config BrokerConfig) *BrokerTransport {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BrokerTransport{
		config:  config,
		logger:  logger,
		plog:    log.OrNoop(config.ProtocolLogger),
		id:      uuid.NewString(),
		ctrl:    make(chan controlCall),
		inbound: make(chan inbound, 64),
		queue:   newEventQueue(),
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		sockets: make(map[string]*socket),
		filters: make(map[string]*socket),
	}
}

// Kind returns KindBroker.
func (t *BrokerTransport) Kind() Kind { return KindBroker }

// Run starts the socket loop and dispatches messages to h on the calling
// goroutine. It returns after Close, an END command, or ctx cancellation.
func (t *BrokerTransport) Run(ctx context.Context, h Handler) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("broker transport already running")
	}
	go t.loop(ctx)
	close(t.ready)
	t.queue.dispatch(ctx, t.done, h)
	<-t.done
	return nil
}

// Ready is closed once Run has started the socket loop.
func (t *BrokerTransport) Ready() <-chan struct{} { return t.ready }

// ConnectHeartbeat subscribes to the heartbeat of channel on endpoint.
func (t *BrokerTransport) ConnectHeartbeat(ctx context.Context, endpoint, channel string) error {
	return t.control(ctx, &wire.ControlRequest{
		Version:   wire.ControlVersion,
		Command:   wire.CmdConnectHeartbeat,
		Endpoint:  endpoint,
		EventName: wire.HeartbeatName(channel),
	})
}

// DisconnectHeartbeat removes the heartbeat filter of channel.
func (t *BrokerTransport) DisconnectHeartbeat(ctx context.Context, channel string) error {
	return t.control(ctx, &wire.ControlRequest{
		Version:   wire.ControlVersion,
		Command:   wire.CmdDisconnectHeartbeat,
		EventName: wire.HeartbeatName(channel),
	})
}

// ConnectEvent subscribes to eventName on endpoint.
func (t *BrokerTransport) ConnectEvent(ctx context.Context, endpoint, eventName string) error {
	return t.control(ctx, &wire.ControlRequest{
		Version:   wire.ControlVersion,
		Command:   wire.CmdConnectEvent,
		Endpoint:  endpoint,
		EventName: eventName,
	})
}

// ConnectMulticastEvent joins the multicast group at endpoint and accepts
// eventName from it. rate (kbit/s) and interval size the receive buffer.
func (t *BrokerTransport) ConnectMulticastEvent(ctx context.Context, endpoint, eventName string, rate int, interval time.Duration) error {
	return t.control(ctx, &wire.ControlRequest{
		Version:   wire.ControlVersion,
		Command:   wire.CmdConnectMulticastEvent,
		Endpoint:  endpoint,
		EventName: eventName,
		Rate:      rate,
		Interval:  interval,
	})
}

// DisconnectEvent removes the filter for eventName.
func (t *BrokerTransport) DisconnectEvent(ctx context.Context, eventName string) error {
	return t.control(ctx, &wire.ControlRequest{
		Version:   wire.ControlVersion,
		Command:   wire.CmdDisconnectEvent,
		EventName: eventName,
	})
}

// Close sends END to a running loop and waits for it to exit.
func (t *BrokerTransport) Close() error {
	if t.started.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := t.control(ctx, &wire.ControlRequest{Version: wire.ControlVersion, Command: wire.CmdEnd})
		cancel()
		if err != nil && !errors.Is(err, ErrClosed) {
			t.logger.Warn("broker END failed", "err", err)
		}
	}
	t.stopOnce.Do(func() { close(t.stop) })
	if t.started.Load() {
		<-t.done
	}
	return nil
}

// OpenSockets returns the number of open publisher sockets.
func (t *BrokerTransport) OpenSockets() int { return int(t.openConns.Load()) }

// BadFrames returns the number of frames dropped as malformed.
func (t *BrokerTransport) BadFrames() uint64 { return t.badFrames.Load() }

// control sends an encoded request to the loop and waits for its reply.
func (t *BrokerTransport) control(ctx context.Context, req *wire.ControlRequest) error {
	data, err := wire.EncodeControlRequest(req)
	if err != nil {
		return err
	}
	if !t.started.Load() {
		return ErrNotRunning
	}

	call := controlCall{data: data, reply: make(chan []byte, 1)}
	select {
	case t.ctrl <- call:
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case reply := <-call.reply:
		return wire.DecodeControlReply(reply)
	case <-t.done:
		select {
		case reply := <-call.reply:
			return wire.DecodeControlReply(reply)
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *BrokerTransport) loop(ctx context.Context) {
	defer close(t.done)
	defer t.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case call := <-t.ctrl:
			end := t.handleControl(call)
			if end {
				return
			}
		case in := <-t.inbound:
			t.handleInbound(in)
		}
	}
}

func (t *BrokerTransport) handleControl(call controlCall) (end bool) {
	req, err := wire.DecodeControlRequest(call.data)
	if err == nil {
		msg := &wire.EventMessage{Kind: wire.KindControl, Control: req}
		err = t.execute(msg.Control)
		end = req.Command == wire.CmdEnd
	}

	ev := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: t.id,
		Direction:    log.DirectionIn,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		ControlMsg:   &log.ControlMsgEvent{Type: log.ControlMsgCommand, Reply: wire.ControlOK},
	}
	if req != nil {
		ev.ControlMsg.Command = req.Command
	}
	if err != nil {
		ev.ControlMsg.Reply = err.Error()
	}
	t.plog.Log(ev)

	reply, encErr := wire.EncodeControlReply(err)
	if encErr != nil {
		reply, _ = wire.EncodeControlReply(encErr)
	}
	call.reply <- reply
	return end
}

func (t *BrokerTransport) execute(req *wire.ControlRequest) error {
	name := strings.ToLower(req.EventName)

	switch req.Command {
	case wire.CmdConnectHeartbeat:
		s, err := t.streamSocket("hb|", req.Endpoint)
		if err != nil {
			return err
		}
		return t.attach(s, name)

	case wire.CmdConnectEvent:
		s, err := t.streamSocket("ev|", req.Endpoint)
		if err != nil {
			return err
		}
		return t.attach(s, name)

	case wire.CmdConnectMulticastEvent:
		s, err := t.multicastSocket(req.Endpoint, req.Rate, req.Interval)
		if err != nil {
			return err
		}
		return t.attach(s, name)

	case wire.CmdDisconnectHeartbeat, wire.CmdDisconnectEvent:
		s, ok := t.filters[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFilter, name)
		}
		t.detach(s, name)
		return nil

	case wire.CmdEnd:
		return nil
	}
	return fmt.Errorf("unsupported command %s", req.Command)
}

// attach routes name to s, moving it off any previous socket.
func (t *BrokerTransport) attach(s *socket, name string) error {
	if prev, ok := t.filters[name]; ok && prev != s {
		t.detach(prev, name)
	}
	t.filters[name] = s
	s.names[name] = struct{}{}

	if s.framer == nil {
		return nil
	}
	frame, err := wire.Marshal(wire.SubscribeFrame{Op: wire.OpSubscribe, Name: name})
	if err != nil {
		return err
	}
	if err := s.framer.WriteFrame(frame); err != nil {
		delete(t.filters, name)
		t.closeSocket(s)
		return fmt.Errorf("subscribe %s on %s: %w", name, s.endpoint, err)
	}
	return nil
}

func (t *BrokerTransport) detach(s *socket, name string) {
	delete(t.filters, name)
	delete(s.names, name)

	if s.framer != nil && !s.closed {
		if frame, err := wire.Marshal(wire.SubscribeFrame{Op: wire.OpUnsubscribe, Name: name}); err == nil {
			_ = s.framer.WriteFrame(frame)
		}
	}
	if len(s.names) == 0 {
		t.closeSocket(s)
	}
}

func (t *BrokerTransport) streamSocket(prefix, endpoint string) (*socket, error) {
	key := prefix + endpoint
	if s, ok := t.sockets[key]; ok && !s.closed {
		return s, nil
	}

	network, addr := splitEndpoint(endpoint)
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported endpoint %q", endpoint)
	}
	conn, err := net.DialTimeout(network, addr, t.config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	framer := NewFramerWithMaxSize(conn, t.config.MaxMessageSize)
	if t.config.ProtocolLogger != nil {
		framer.SetLogger(t.config.ProtocolLogger, t.id, conn.RemoteAddr().String(), log.RoleConsumer)
	}
	s := t.addSocket(key, endpoint, conn, framer)
	go t.readStream(s)
	t.logger.Debug("publisher socket connected", "endpoint", endpoint)
	return s, nil
}

func (t *BrokerTransport) multicastSocket(endpoint string, rate int, interval time.Duration) (*socket, error) {
	key := "mc|" + endpoint
	if s, ok := t.sockets[key]; ok && !s.closed {
		return s, nil
	}

	network, addr := splitEndpoint(endpoint)
	if network != "udp" {
		return nil, fmt.Errorf("multicast endpoint must be udp://group:port, got %q", endpoint)
	}
	gaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", endpoint, err)
	}
	conn, err := net.ListenMulticastUDP("udp", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", endpoint, err)
	}
	// Enough buffer for interval worth of traffic at rate kbit/s.
	if rate > 0 && interval > 0 {
		size := rate * 1024 / 8 * int(interval/time.Second)
		if size > 0 {
			_ = conn.SetReadBuffer(size)
		}
	}

	s := t.addSocket(key, endpoint, conn, nil)
	go t.readDatagrams(s, conn)
	return s, nil
}

func (t *BrokerTransport) addSocket(key, endpoint string, conn net.Conn, framer *Framer) *socket {
	s := &socket{
		key:      key,
		endpoint: endpoint,
		conn:     conn,
		framer:   framer,
		names:    make(map[string]struct{}),
	}
	t.sockets[key] = s
	t.openConns.Add(1)
	return s
}

func (t *BrokerTransport) closeSocket(s *socket) {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
	if t.sockets[s.key] == s {
		delete(t.sockets, s.key)
	}
	t.openConns.Add(-1)
}

func (t *BrokerTransport) closeAll() {
	for _, s := range t.sockets {
		t.closeSocket(s)
	}
	t.filters = make(map[string]*socket)
}

func (t *BrokerTransport) readStream(s *socket) {
	for {
		data, err := s.framer.ReadFrame()
		select {
		case t.inbound <- inbound{sock: s, data: data, err: err}:
		case <-t.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *BrokerTransport) readDatagrams(s *socket, conn net.Conn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		var data []byte
		if err == nil {
			data = append([]byte(nil), buf[:n]...)
		}
		select {
		case t.inbound <- inbound{sock: s, data: data, err: err}:
		case <-t.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *BrokerTransport) handleInbound(in inbound) {
	if in.sock.closed {
		return
	}
	if in.err != nil {
		t.logger.Warn("publisher socket lost", "endpoint", in.sock.endpoint, "err", in.err)
		t.closeSocket(in.sock)
		return
	}

	msg, err := wire.DecodeEvent(in.data)
	if err != nil {
		t.badFrames.Add(1)
		t.logger.Debug("dropping malformed frame", "endpoint", in.sock.endpoint, "err", err)
		t.plog.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: t.id,
			Direction:    log.DirectionIn,
			Layer:        log.LayerWire,
			Category:     log.CategoryError,
			Error:        &log.ErrorEventData{Layer: log.LayerWire, Message: err.Error(), Context: in.sock.endpoint},
		})
		return
	}

	name := msg.Key
	if msg.Kind == wire.KindHeartbeat {
		name = wire.HeartbeatName(msg.Channel)
	}
	if _, ok := t.filters[name]; !ok {
		return
	}

	t.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: t.id,
		Direction:    log.DirectionIn,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		Channel:      msg.Channel,
		Message:      &log.MessageEvent{Type: log.MessageTypeEvent, EventName: name, Kind: msg.Kind, Counter: msg.Counter},
	})
	t.queue.push(msg)
}

var _ Transport = (*BrokerTransport)(nil)
