// Package dispatcher coordinates the agents of each arena: it sequences
// commands over the messaging layer, tracks agent liveness and drives the
// trial state machine of every session.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"octopilot/internal/domain"
	"octopilot/internal/messaging"
)

var (
	ErrArenaNotFound = errors.New("arena not found")
	ErrArenaExists   = errors.New("arena already registered")
)

// Dispatcher hosts one Arena per configured arena on a shared transport.
type Dispatcher struct {
	transport messaging.Transport
	journal   Journal
	policy    Policy
	cfg       Config
	logger    *log.Logger

	mu      sync.RWMutex
	arenas  map[string]*Arena
	started bool
}

func New(transport messaging.Transport, journal Journal, pol Policy, cfg Config, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		transport: transport,
		journal:   journal,
		policy:    pol,
		cfg:       cfg,
		logger:    logger,
		arenas:    make(map[string]*Arena),
	}
}

// AddArena registers an arena. Arenas must be added before Run.
func (d *Dispatcher) AddArena(spec domain.TaskSpec) (*Arena, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil, fmt.Errorf("add arena %q: dispatcher already running", spec.ArenaID)
	}
	if _, ok := d.arenas[spec.ArenaID]; ok {
		return nil, fmt.Errorf("%q: %w", spec.ArenaID, ErrArenaExists)
	}
	a := NewArena(spec, d.transport, d.journal, d.policy, d.cfg, d.logger)
	d.arenas[spec.ArenaID] = a
	return a, nil
}

func (d *Dispatcher) Arena(id string) (*Arena, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.arenas[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrArenaNotFound)
	}
	return a, nil
}

// Arenas returns the hosted arenas ordered by id.
func (d *Dispatcher) Arenas() []*Arena {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Arena, 0, len(d.arenas))
	for _, a := range d.arenas {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Run runs every arena until ctx is cancelled. Arenas are independent: one
// arena's session state never affects another's.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	arenas := d.Arenas()
	if len(arenas) == 0 {
		return errors.New("no arenas configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range arenas {
		g.Go(func() error {
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("arena %s: %w", a.ID(), err)
			}
			return nil
		})
	}
	d.logger.Printf("dispatcher running arenas=%d", len(arenas))
	return g.Wait()
}
