package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/transport"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Call is one request received by a Server.
type Call struct {
	Object string
	Method string
	Args   cbor.RawMessage

	// Conn is the connection the request arrived on; handlers keep it to
	// push events back to the caller.
	Conn *ServerConn
}

// Decode decodes the call arguments into v.
func (c *Call) Decode(v any) error {
	if err := wire.DecodeArgs(c.Args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Handler serves the methods of one object.
type Handler interface {
	Serve(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, call *Call) (any, error) { return f(ctx, call) }

// ServerConfig configures a Server.
type ServerConfig struct {
	MaxMessageSize uint32
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Server serves named objects over framed TCP.
type Server struct {
	config ServerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	objects map[string]Handler
	conns   map[*ServerConn]struct{}
	ln      net.Listener
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Register objects with Handle, then Listen.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		logger:  logger,
		objects: make(map[string]Handler),
		conns:   make(map[*ServerConn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handle registers h for object (case-insensitive).
func (s *Server) Handle(object string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[strings.ToLower(object)] = h
}

// Remove unregisters object.
func (s *Server) Remove(object string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, strings.ToLower(object))
}

// Listen starts accepting connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listening address, "" before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sc := &ServerConn{
			conn:   conn,
			framer: transport.NewFramerWithMaxSize(conn, s.config.MaxMessageSize),
			id:     uuid.NewString(),
			done:   make(chan struct{}),
		}
		if s.config.ProtocolLogger != nil {
			sc.framer.SetLogger(s.config.ProtocolLogger, sc.id, conn.RemoteAddr().String(), log.RoleProducer)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(sc)
	}
}

func (s *Server) serveConn(sc *ServerConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		sc.Close()
	}()

	for {
		data, err := sc.framer.ReadFrame()
		if err != nil {
			return
		}
		msg, err := wire.DecodeMessage(data)
		if err != nil {
			s.logger.Debug("dropping bad rpc message", "conn_id", sc.id, "err", err)
			continue
		}

		switch msg.Type {
		case wire.MessagePing:
			_ = sc.send(&wire.Message{Type: wire.MessagePong, Seq: msg.Seq})
		case wire.MessagePong:
		case wire.MessageRequest:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = sc.send(s.dispatch(msg, sc))
			}()
		default:
			s.logger.Debug("unexpected rpc message", "conn_id", sc.id, "type", msg.Type.String())
		}
	}
}

func (s *Server) dispatch(req *wire.Message, sc *ServerConn) *wire.Message {
	resp := &wire.Message{Type: wire.MessageResponse, MessageID: req.MessageID}
	if req.Method == MethodPing {
		return resp
	}

	s.mu.RLock()
	h, ok := s.objects[strings.ToLower(req.Object)]
	s.mu.RUnlock()
	if !ok {
		resp.Status = wire.StatusUnknownObject
		resp.Errors = wire.NewErrorList(wire.ReasonDeviceNotFound, fmt.Sprintf("object %q not served", req.Object), s.Addr())
		return resp
	}

	start := time.Now()
	result, err := h.Serve(s.ctx, &Call{Object: req.Object, Method: req.Method, Args: req.Args, Conn: sc})
	if err != nil {
		var se *StatusError
		switch {
		case errors.As(err, &se):
			resp.Status = se.Status
			resp.Errors = se.Errors
		case errors.Is(err, ErrUnknownMethod):
			resp.Status = wire.StatusUnknownMethod
			resp.Errors = wire.NewErrorList(wire.ReasonCommandFailed, err.Error(), req.Object)
		case errors.Is(err, ErrInvalidArgs):
			resp.Status = wire.StatusInvalidArgs
			resp.Errors = wire.NewErrorList(wire.ReasonCommandFailed, err.Error(), req.Object)
		default:
			resp.Status = wire.StatusFailed
			resp.Errors = wire.NewErrorList(wire.ReasonCommandFailed, err.Error(), req.Object)
		}
		return resp
	}

	raw, err := wire.EncodeArgs(result)
	if err != nil {
		resp.Status = wire.StatusFailed
		resp.Errors = wire.NewErrorList(wire.ReasonCommandFailed, "encode result: "+err.Error(), req.Object)
		return resp
	}
	resp.Result = raw
	if elapsed := time.Since(start); elapsed > time.Second {
		s.logger.Debug("slow rpc", "object", req.Object, "method", req.Method, "elapsed", elapsed)
	}
	return resp
}

// ServerConn is the producer side of one client connection.
type ServerConn struct {
	conn   net.Conn
	framer *transport.Framer
	id     string

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the connection ID.
func (c *ServerConn) ID() string { return c.id }

// RemoteAddr returns the client address.
func (c *ServerConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Done is closed when the connection is gone.
func (c *ServerConn) Done() <-chan struct{} { return c.done }

// Push sends an encoded event frame set to the client.
func (c *ServerConn) Push(event []byte) error {
	return c.send(&wire.Message{Type: wire.MessagePush, Event: event})
}

// Close closes the connection.
func (c *ServerConn) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *ServerConn) send(msg *wire.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.framer.WriteFrame(data)
}
