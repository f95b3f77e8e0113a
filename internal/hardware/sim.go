package hardware

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"octopilot/internal/domain"
)

var ErrClosed = errors.New("hardware backend closed")

const defaultSoundDuration = 500 * time.Millisecond

// SimConfig tunes the simulated backend.
type SimConfig struct {
	AgentID       string
	SoundDuration time.Duration
	// AutopokeRate is the mean number of simulated pokes per second on armed
	// channels. Zero disables the simulated mouse.
	AutopokeRate float64
	Rand         *rand.Rand
}

// SimStats counts hardware side effects.
type SimStats struct {
	Arms     int
	Disarms  int
	Plays    int
	Silences int
	Rewards  int
}

// Sim is a software stand-in for the GPIO pins and speakers of one Pi.
type Sim struct {
	cfg SimConfig

	mu      sync.Mutex
	armed   map[domain.Channel]bool
	playing *time.Timer
	onDone  func()
	onPoke  PokeFunc
	onFault FaultFunc
	stats   SimStats
	closed  bool
	stop    chan struct{}
}

var _ Backend = (*Sim)(nil)

func NewSim(cfg SimConfig) *Sim {
	if cfg.SoundDuration <= 0 {
		cfg.SoundDuration = defaultSoundDuration
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := &Sim{
		cfg:   cfg,
		armed: make(map[domain.Channel]bool),
		stop:  make(chan struct{}),
	}
	if cfg.AutopokeRate > 0 {
		go s.autopoke()
	}
	return s
}

func (s *Sim) OnPoke(fn PokeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPoke = fn
}

func (s *Sim) OnFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFault = fn
}

func (s *Sim) Arm(ch domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.armed[ch] = true
	s.stats.Arms++
	return nil
}

func (s *Sim) Disarm(ch domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.armed, ch)
	s.stats.Disarms++
	return nil
}

func (s *Sim) Play(soundID string, params map[string]float64, done func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.stopPlayingLocked()
	d := s.cfg.SoundDuration
	if ms, ok := params["duration_ms"]; ok && ms > 0 {
		d = time.Duration(ms * float64(time.Millisecond))
	}
	s.stats.Plays++
	s.onDone = done
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.playing != timer {
			s.mu.Unlock()
			return
		}
		s.playing = nil
		fn := s.onDone
		s.onDone = nil
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	s.playing = timer
	return nil
}

func (s *Sim) Silence() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stats.Silences++
	fn := s.stopPlayingLocked()
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *Sim) stopPlayingLocked() func() {
	if s.playing == nil {
		return nil
	}
	s.playing.Stop()
	s.playing = nil
	fn := s.onDone
	s.onDone = nil
	return fn
}

func (s *Sim) Open(ch domain.Channel, d time.Duration, done func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.stats.Rewards++
	time.AfterFunc(d, func() {
		if done != nil {
			done()
		}
	})
	return nil
}

// Poke simulates one full poke (entry then exit) on ch.
func (s *Sim) Poke(ch domain.Channel) {
	s.mu.Lock()
	fn := s.onPoke
	s.mu.Unlock()
	if fn == nil {
		return
	}
	now := time.Now()
	fn(ch, domain.EdgeIn, now)
	fn(ch, domain.EdgeOut, now.Add(20*time.Millisecond))
}

// Fault reports a hardware fault on ch as if a pin had failed.
func (s *Sim) Fault(ch domain.Channel, detail string) {
	s.mu.Lock()
	fn := s.onFault
	s.mu.Unlock()
	if fn != nil {
		fn(domain.HardwareFault{AgentID: s.cfg.AgentID, Channel: ch, Detail: detail})
	}
}

func (s *Sim) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Sim) IsArmed(ch domain.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed[ch]
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopPlayingLocked()
	close(s.stop)
	return nil
}

// autopoke pokes a random armed channel with exponentially distributed gaps.
func (s *Sim) autopoke() {
	for {
		s.mu.Lock()
		gap := time.Duration(s.cfg.Rand.ExpFloat64() / s.cfg.AutopokeRate * float64(time.Second))
		s.mu.Unlock()
		select {
		case <-s.stop:
			return
		case <-time.After(gap):
		}

		s.mu.Lock()
		var armed []domain.Channel
		for _, ch := range domain.AllChannels {
			if s.armed[ch] {
				armed = append(armed, ch)
			}
		}
		var ch domain.Channel
		if len(armed) > 0 {
			ch = armed[s.cfg.Rand.IntN(len(armed))]
		}
		s.mu.Unlock()
		if ch != "" {
			s.Poke(ch)
		}
	}
}
