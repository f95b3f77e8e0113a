// Package hardware is the boundary between an agent and its Pi: nose-poke
// sensors, the audio engine and the reward solenoids.
package hardware

import (
	"time"

	"octopilot/internal/domain"
)

// PokeFunc receives raw sensor edges. It is called from hardware goroutines
// and must not block.
type PokeFunc func(ch domain.Channel, edge domain.Edge, ts time.Time)

type FaultFunc func(fault domain.HardwareFault)

type Sensors interface {
	Arm(ch domain.Channel) error
	Disarm(ch domain.Channel) error
}

type Audio interface {
	// Play starts soundID and calls done once it has finished or was
	// silenced.
	Play(soundID string, params map[string]float64, done func()) error
	Silence() error
}

type Solenoids interface {
	// Open actuates the reward valve of ch for d and calls done afterwards.
	// An open valve always runs to completion.
	Open(ch domain.Channel, d time.Duration, done func()) error
}

type Backend interface {
	Sensors
	Audio
	Solenoids
	OnPoke(fn PokeFunc)
	OnFault(fn FaultFunc)
	Close() error
}
