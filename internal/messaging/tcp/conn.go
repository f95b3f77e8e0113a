package tcp

import (
	"log"
	"net"
	"sync"
	"time"

	"octopilot/internal/domain"
)

const (
	writeTimeout = 5 * time.Second
	// idleTimeout drops a connection that has been silent across many
	// heartbeats, so a half-open peer does not keep its route.
	idleTimeout = 30 * time.Second
)

// peer owns one TCP connection: a bounded outbound queue drained by a single
// writer goroutine, and a reader that hands every envelope to deliver.
type peer struct {
	conn   net.Conn
	queue  chan domain.Envelope
	logger *log.Logger

	// instance is guarded by the server mutex.
	instance string

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(conn net.Conn, buffer int, logger *log.Logger) *peer {
	return &peer{
		conn:   conn,
		queue:  make(chan domain.Envelope, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (p *peer) enqueue(env domain.Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.queue <- env:
		return true
	default:
		return false
	}
}

func (p *peer) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) writeLoop() {
	defer p.close()
	for {
		select {
		case <-p.done:
			return
		case env := <-p.queue:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := WriteFrame(p.conn, env); err != nil {
				p.logger.Printf("tcp write remote=%s failed: %v", p.conn.RemoteAddr(), err)
				return
			}
		}
	}
}

func (p *peer) readLoop(deliver func(domain.Envelope)) error {
	defer p.close()
	for {
		var env domain.Envelope
		_ = p.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if err := ReadFrame(p.conn, &env); err != nil {
			return err
		}
		deliver(env)
	}
}
