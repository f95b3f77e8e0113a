package inproc

import (
	"sync"

	"octopilot/internal/domain"
	"octopilot/internal/messaging"
)

// Fault decides how many copies of env are delivered: 0 drops it, 2 or more
// duplicate it. Tests use it to simulate a lossy link.
type Fault func(env domain.Envelope) int

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Envelope
	buffer int
	fault  Fault
}

var _ messaging.Transport = (*Bus)(nil)

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Envelope),
		buffer: buffer,
	}
}

func (b *Bus) SetFault(f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = f
}

func (b *Bus) Register(address string) <-chan domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[address]; ok {
		return ch
	}
	ch := make(chan domain.Envelope, b.buffer)
	b.subs[address] = ch
	return ch
}

func (b *Bus) Unregister(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[address]
	if !ok {
		return
	}
	delete(b.subs, address)
	close(ch)
}

func (b *Bus) Publish(env domain.Envelope) error {
	address := messaging.Route(env)

	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.subs[address]
	if !ok {
		return &messaging.TransportError{Op: "publish", Address: address, Err: messaging.ErrAgentNotRegistered}
	}
	copies := 1
	if b.fault != nil {
		copies = b.fault(env)
	}
	for range copies {
		select {
		case ch <- env:
		default:
			return &messaging.TransportError{Op: "publish", Address: address, Err: messaging.ErrAgentQueueFull}
		}
	}
	return nil
}
