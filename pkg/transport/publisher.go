package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	MaxMessageSize uint32
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Publisher is the producer side of a broker socket. Subscribers connect,
// send wire.SubscribeFrame messages, and receive every published frame
// whose name they subscribed to.
type Publisher struct {
	config PublisherConfig
	logger *slog.Logger
	ln     net.Listener

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	conn   net.Conn
	framer *Framer

	mu    sync.Mutex
	names map[string]struct{}
}

func (s *subscriber) wants(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[name]
	return ok
}

// NewPublisher listens on addr ("host:port", port 0 picks one) and starts
// accepting subscribers.
func NewPublisher(addr string, config PublisherConfig) (*Publisher, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Publisher{
		config: config,
		logger: logger,
		ln:     ln,
		subs:   make(map[*subscriber]struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Endpoint returns the endpoint consumers connect to.
func (p *Publisher) Endpoint() string {
	return "tcp://" + p.ln.Addr().String()
}

// Publish sends data to every subscriber of name and returns how many
// received it. Subscribers that fail to accept the frame are dropped.
func (p *Publisher) Publish(name string, data []byte) int {
	name = strings.ToLower(name)

	p.mu.Lock()
	targets := make([]*subscriber, 0, len(p.subs))
	for s := range p.subs {
		if s.wants(name) {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()

	sent := 0
	for _, s := range targets {
		if err := s.framer.WriteFrame(data); err != nil {
			p.logger.Debug("dropping subscriber", "remote", s.conn.RemoteAddr().String(), "err", err)
			p.drop(s)
			continue
		}
		sent++
	}
	return sent
}

// Subscribers returns the number of connections subscribed to name.
func (p *Publisher) Subscribers(name string) int {
	name = strings.ToLower(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for s := range p.subs {
		if s.wants(name) {
			n++
		}
	}
	return n
}

// Close stops accepting and disconnects every subscriber.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for s := range p.subs {
		_ = s.conn.Close()
	}
	p.mu.Unlock()

	err := p.ln.Close()
	p.wg.Wait()
	return err
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		s := &subscriber{
			conn:   conn,
			framer: NewFramerWithMaxSize(conn, p.config.MaxMessageSize),
			names:  make(map[string]struct{}),
		}
		if p.config.ProtocolLogger != nil {
			s.framer.SetLogger(p.config.ProtocolLogger, uuid.NewString(), conn.RemoteAddr().String(), log.RoleProducer)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.subs[s] = struct{}{}
		p.mu.Unlock()

		p.wg.Add(1)
		go p.readSubscriptions(s)
	}
}

func (p *Publisher) readSubscriptions(s *subscriber) {
	defer p.wg.Done()
	defer p.drop(s)

	for {
		data, err := s.framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("subscriber read failed", "err", err)
			}
			return
		}
		var frame wire.SubscribeFrame
		if err := wire.Unmarshal(data, &frame); err != nil {
			p.logger.Debug("bad subscribe frame", "err", err)
			continue
		}
		name := strings.ToLower(frame.Name)
		s.mu.Lock()
		switch frame.Op {
		case wire.OpSubscribe:
			s.names[name] = struct{}{}
		case wire.OpUnsubscribe:
			delete(s.names, name)
		}
		s.mu.Unlock()
	}
}

func (p *Publisher) drop(s *subscriber) {
	p.mu.Lock()
	delete(p.subs, s)
	p.mu.Unlock()
	_ = s.conn.Close()
}
