package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/transport"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// DefaultCallTimeout bounds a call when the context has no earlier deadline.
const DefaultCallTimeout = 3 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// Timeout bounds each call.
	Timeout time.Duration

	// DialTimeout bounds establishing the connection.
	DialTimeout time.Duration

	MaxMessageSize uint32

	// KeepAlive pings the producer; a zero PingInterval disables it.
	KeepAlive KeepAliveConfig

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        DefaultCallTimeout,
		DialTimeout:    DefaultCallTimeout,
		MaxMessageSize: transport.DefaultMaxMessageSize,
		KeepAlive:      DefaultKeepAliveConfig(),
	}
}

// Client is one RPC connection to a producer process.
type Client struct {
	config ClientConfig
	logger *slog.Logger
	plog   log.Logger
	conn   net.Conn
	framer *transport.Framer
	id     string
	ka     *KeepAlive

	nextID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan *wire.Message

	pushMu sync.RWMutex
	onPush func([]byte)

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Dial connects to address and starts the client.
func Dial(ctx context.Context, address string, config ClientConfig) (*Client, error) {
	if config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.DialTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewClient(conn, config), nil
}

// NewClient starts a client over an established connection.
func NewClient(conn net.Conn, config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultCallTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Client{
		config:  config,
		logger:  logger,
		plog:    log.OrNoop(config.ProtocolLogger),
		conn:    conn,
		framer:  transport.NewFramerWithMaxSize(conn, config.MaxMessageSize),
		id:      uuid.NewString(),
		pending: make(map[uint32]chan *wire.Message),
		done:    make(chan struct{}),
	}
	if config.ProtocolLogger != nil {
		c.framer.SetLogger(config.ProtocolLogger, c.id, conn.RemoteAddr().String(), log.RoleConsumer)
	}

	go c.readLoop()

	if config.KeepAlive.PingInterval > 0 {
		c.ka = NewKeepAlive(config.KeepAlive, c.sendPing, func() {
			c.closeWithError(ErrKeepAliveTimeout)
		})
		c.ka.Start(context.Background())
	}
	return c
}

// ID returns the connection ID used in protocol logs.
func (c *Client) ID() string { return c.id }

// RemoteAddr returns the producer address.
func (c *Client) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// SetPushHandler registers the handler for push messages. It runs on the
// read goroutine and must not block.
func (c *Client) SetPushHandler(h func(event []byte)) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	c.onPush = h
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, nil while open.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// KeepAliveStats returns keep-alive statistics, zero when disabled.
func (c *Client) KeepAliveStats() KeepAliveStats {
	if c.ka == nil {
		return KeepAliveStats{}
	}
	return c.ka.Stats()
}

// Close closes the connection and fails pending calls with ErrClosed.
func (c *Client) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

// Call invokes method on object, decoding the result into result when it
// is non-nil.
func (c *Client) Call(ctx context.Context, object, method string, args, result any) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	rawArgs, err := wire.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	id := c.nextID.Add(1)
	if id == wire.PushMessageID {
		id = c.nextID.Add(1)
	}
	req := &wire.Message{Type: wire.MessageRequest, MessageID: id, Object: object, Method: method, Args: rawArgs}
	data, err := wire.EncodeMessage(req)
	if err != nil {
		return err
	}

	respCh := make(chan *wire.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	start := time.Now()
	c.logMessage(log.DirectionOut, req, nil)
	if err := c.framer.WriteFrame(data); err != nil {
		c.closeWithError(err)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}

	timer := time.NewTimer(c.config.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s.%s after %s", ErrTimeout, object, method, c.config.Timeout)
	case <-c.done:
		return c.closedErr()
	case resp := <-respCh:
		latency := time.Since(start)
		c.logMessage(log.DirectionIn, resp, &latency)
		if !resp.IsSuccess() {
			return &StatusError{Status: resp.Status, Errors: resp.Errors}
		}
		if result != nil {
			if err := wire.DecodeArgs(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Ping performs a round trip through the producer's RPC layer.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "", MethodPing, nil, nil)
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Client) sendPing(seq uint32) error {
	data, err := wire.EncodeMessage(&wire.Message{Type: wire.MessagePing, Seq: seq})
	if err != nil {
		return err
	}
	return c.framer.WriteFrame(data)
}

func (c *Client) readLoop() {
	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			c.closeWithError(err)
			return
		}
		msg, err := wire.DecodeMessage(data)
		if err != nil {
			c.logger.Debug("dropping bad rpc message", "conn_id", c.id, "err", err)
			continue
		}

		switch msg.Type {
		case wire.MessageResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.MessageID]
			c.pendingMu.Unlock()
			if !ok {
				c.logger.Debug("response for unknown call", "conn_id", c.id, "msg_id", msg.MessageID)
				continue
			}
			select {
			case ch <- msg:
			default:
			}

		case wire.MessagePush:
			c.pushMu.RLock()
			h := c.onPush
			c.pushMu.RUnlock()
			if h != nil {
				h(msg.Event)
			}

		case wire.MessagePing:
			if pong, err := wire.EncodeMessage(&wire.Message{Type: wire.MessagePong, Seq: msg.Seq}); err == nil {
				_ = c.framer.WriteFrame(pong)
			}

		case wire.MessagePong:
			if c.ka != nil {
				c.ka.PongReceived(msg.Seq)
			}

		default:
			c.logger.Debug("unexpected rpc message", "conn_id", c.id, "type", msg.Type.String())
		}
	}
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		if c.ka != nil {
			c.ka.Stop()
		}
		_ = c.conn.Close()
		close(c.done)
		if !errors.Is(err, ErrClosed) {
			c.logger.Debug("rpc connection lost", "conn_id", c.id, "remote", c.RemoteAddr(), "err", err)
		}
	})
}

func (c *Client) logMessage(dir log.Direction, msg *wire.Message, latency *time.Duration) {
	ev := &log.MessageEvent{
		MessageID: msg.MessageID,
		Object:    msg.Object,
		Method:    msg.Method,
		Latency:   latency,
	}
	if msg.Type == wire.MessageResponse {
		ev.Type = log.MessageTypeResponse
		status := msg.Status
		ev.Status = &status
	} else {
		ev.Type = log.MessageTypeRequest
	}
	c.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		LocalRole:    log.RoleConsumer,
		RemoteAddr:   c.RemoteAddr(),
		Message:      ev,
	})
}
