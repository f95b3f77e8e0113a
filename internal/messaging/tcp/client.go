package tcp

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"octopilot/internal/domain"
	"octopilot/internal/messaging"
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Client is the agent end. It redials with exponential backoff and, on every
// new connection, writes the hello envelope before anything queued so the
// server can route commands back.
type Client struct {
	addr   string
	logger *log.Logger

	mu    sync.RWMutex
	local map[string]chan domain.Envelope
	hello func() (domain.Envelope, error)
	out   chan domain.Envelope
	buf   int
}

var _ messaging.Transport = (*Client)(nil)

func NewClient(addr string, buffer int, logger *log.Logger) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		addr:   addr,
		logger: logger,
		local:  make(map[string]chan domain.Envelope),
		out:    make(chan domain.Envelope, buffer),
		buf:    buffer,
	}
}

// OnConnect sets the envelope written first on every connection.
func (c *Client) OnConnect(hello func() (domain.Envelope, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hello = hello
}

func (c *Client) Register(address string) <-chan domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.local[address]; ok {
		return ch
	}
	ch := make(chan domain.Envelope, c.buf)
	c.local[address] = ch
	return ch
}

func (c *Client) Unregister(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.local[address]
	if !ok {
		return
	}
	delete(c.local, address)
	close(ch)
}

// Publish queues env for the dispatcher. Envelopes addressed to a local
// endpoint are delivered directly.
func (c *Client) Publish(env domain.Envelope) error {
	address := messaging.Route(env)
	c.mu.RLock()
	ch, isLocal := c.local[address]
	if isLocal {
		defer c.mu.RUnlock()
		select {
		case ch <- env:
			return nil
		default:
			return &messaging.TransportError{Op: "publish", Address: address, Err: messaging.ErrAgentQueueFull}
		}
	}
	c.mu.RUnlock()

	select {
	case c.out <- env:
		return nil
	default:
		return &messaging.TransportError{Op: "publish", Address: address, Err: messaging.ErrAgentQueueFull}
	}
}

func (c *Client) deliver(env domain.Envelope) error {
	address := messaging.Route(env)
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.local[address]
	if !ok {
		return &messaging.TransportError{Op: "deliver", Address: address, Err: messaging.ErrAgentNotRegistered}
	}
	select {
	case ch <- env:
		return nil
	default:
		return &messaging.TransportError{Op: "deliver", Address: address, Err: messaging.ErrAgentQueueFull}
	}
}

// Run keeps a connection to the dispatcher open until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Printf("tcp client addr=%s disconnected: %v (retry in %s)", c.addr, err, backoff)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
		if err == nil {
			backoff = minBackoff
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, maxBackoff)
	conn, err := d.DialContext(dialCtx, "tcp", c.addr)
	cancel()
	if err != nil {
		return &messaging.TransportError{Op: "dial", Address: c.addr, Err: err}
	}
	p := newPeer(conn, 1, c.logger)
	defer p.close()

	c.mu.RLock()
	hello := c.hello
	c.mu.RUnlock()
	if hello != nil {
		env, err := hello()
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := WriteFrame(conn, env); err != nil {
			return &messaging.TransportError{Op: "hello", Address: c.addr, Err: err}
		}
	}
	c.logger.Printf("tcp client connected addr=%s", c.addr)

	go func() {
		for {
			select {
			case <-ctx.Done():
				p.close()
				return
			case <-p.done:
				return
			case env := <-c.out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := WriteFrame(conn, env); err != nil {
					c.logger.Printf("tcp client write type=%s failed: %v", env.Type, err)
					p.close()
					return
				}
			}
		}
	}()

	err = p.readLoop(func(env domain.Envelope) {
		if err := c.deliver(env); err != nil {
			c.logger.Printf("tcp client inbound type=%s dropped: %v", env.Type, err)
		}
	})
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return &messaging.TransportError{Op: "read", Address: c.addr, Err: err}
}
