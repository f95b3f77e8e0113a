package tcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"octopilot/internal/domain"
	"octopilot/internal/messaging"
)

// Server is the dispatcher end. Local endpoints register like on the in-process
// bus; agent routes are learned from the hello each agent sends after
// connecting and forgotten when its connection drops. A live route only moves
// to a new connection when that hello names a new agent instance.
type Server struct {
	addr   string
	buffer int
	logger *log.Logger

	mu       sync.RWMutex
	listener net.Listener
	local    map[string]chan domain.Envelope
	routes   map[string]*peer
	peers    map[*peer]struct{}
	wg       sync.WaitGroup
	ready    chan struct{}
}

var _ messaging.Transport = (*Server)(nil)

func NewServer(addr string, buffer int, logger *log.Logger) *Server {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		addr:   addr,
		buffer: buffer,
		logger: logger,
		local:  make(map[string]chan domain.Envelope),
		routes: make(map[string]*peer),
		peers:  make(map[*peer]struct{}),
		ready:  make(chan struct{}),
	}
}

func (s *Server) Register(address string) <-chan domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.local[address]; ok {
		return ch
	}
	ch := make(chan domain.Envelope, s.buffer)
	s.local[address] = ch
	return ch
}

func (s *Server) Unregister(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.local[address]
	if !ok {
		return
	}
	delete(s.local, address)
	close(ch)
}

func (s *Server) Publish(env domain.Envelope) error {
	address := messaging.Route(env)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch, ok := s.local[address]; ok {
		select {
		case ch <- env:
			return nil
		default:
			return &messaging.TransportError{Op: "publish", Address: address, Err: messaging.ErrAgentQueueFull}
		}
	}
	p, ok := s.routes[address]
	if !ok {
		return &messaging.TransportError{Op: "publish", Address: address, Err: messaging.ErrAgentNotRegistered}
	}
	if !p.enqueue(env) {
		return &messaging.TransportError{Op: "publish", Address: address, Err: messaging.ErrAgentQueueFull}
	}
	return nil
}

// Addr is the bound listen address once Serve has started.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener.Addr()
}

// Serve accepts agent connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)
	s.logger.Printf("tcp transport listening addr=%s", listener.Addr())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
		s.mu.RLock()
		for p := range s.peers {
			p.close()
		}
		s.mu.RUnlock()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Printf("tcp accept failed: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	p := newPeer(conn, s.buffer, s.logger)
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()
	go p.writeLoop()

	bound := ""
	err := p.readLoop(func(env domain.Envelope) {
		if env.Type == domain.EnvelopeCommand {
			s.logger.Printf("tcp inbound agent=%s dropped command from agent side", env.AgentID)
			return
		}
		address := messaging.AgentAddress(env.ArenaID, env.AgentID)
		if env.Type == domain.EnvelopeConnectionStatus {
			var status domain.ConnectionStatusPayload
			if env.Decode(&status) == nil && status.Status == domain.LinkHello && address != bound {
				if bound != "" {
					s.unbind(bound, p)
					bound = ""
				}
				if !s.bind(address, status.Instance, p) {
					p.close()
					return
				}
				bound = address
			}
		}
		if address != bound {
			s.logger.Printf("tcp inbound agent=%s type=%s dropped: connection is bound to %q", env.AgentID, env.Type, bound)
			return
		}
		if err := s.Publish(env); err != nil {
			s.logger.Printf("tcp inbound agent=%s type=%s dropped: %v", env.AgentID, env.Type, err)
		}
	})
	if bound != "" {
		s.unbind(bound, p)
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Printf("tcp connection remote=%s closed: %v", conn.RemoteAddr(), err)
	}
}

// bind routes address to p. A live peer already holding the route keeps it
// unless instance differs from the one it announced.
func (s *Server) bind(address, instance string, p *peer) bool {
	s.mu.Lock()
	old := s.routes[address]
	if old != nil && old != p && old.alive() && old.instance == instance {
		s.mu.Unlock()
		s.logger.Printf("tcp route address=%s refused remote=%s: held by remote=%s instance=%s",
			address, p.conn.RemoteAddr(), old.conn.RemoteAddr(), instance)
		return false
	}
	p.instance = instance
	s.routes[address] = p
	s.mu.Unlock()
	if old != nil && old != p {
		old.close()
	}
	s.logger.Printf("tcp route address=%s remote=%s instance=%s", address, p.conn.RemoteAddr(), instance)
	return true
}

func (s *Server) unbind(address string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routes[address] == p {
		delete(s.routes, address)
	}
}
