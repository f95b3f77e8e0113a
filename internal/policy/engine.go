// Package policy decides which inbound envelopes an arena accepts.
package policy

import (
	"fmt"
	"time"

	"octopilot/internal/domain"
)

const defaultMaxClockSkew = time.Minute

type Engine struct {
	maxSkew time.Duration
	now     func() time.Time
}

func New(maxSkew time.Duration) *Engine {
	if maxSkew <= 0 {
		maxSkew = defaultMaxClockSkew
	}
	return &Engine{maxSkew: maxSkew, now: time.Now}
}

// Admit accepts envelopes sent upstream by an agent listed in spec. The
// reason explains a rejection.
func (e *Engine) Admit(spec domain.TaskSpec, env domain.Envelope) (bool, string) {
	if env.ArenaID != spec.ArenaID {
		return false, fmt.Sprintf("arena %q does not match %q", env.ArenaID, spec.ArenaID)
	}
	if _, ok := spec.Agent(env.AgentID); !ok {
		return false, fmt.Sprintf("agent %q is not part of the arena", env.AgentID)
	}
	switch env.Type {
	case domain.EnvelopePokeEvent, domain.EnvelopeHeartbeat, domain.EnvelopeAck, domain.EnvelopeConnectionStatus:
	default:
		return false, fmt.Sprintf("type %q is not accepted from agents", env.Type)
	}
	if env.Timestamp.IsZero() {
		return false, "missing timestamp"
	}
	if env.Timestamp.Sub(e.now()) > e.maxSkew {
		return false, fmt.Sprintf("timestamp %s is ahead of the dispatcher clock", env.Timestamp.Format(time.RFC3339Nano))
	}
	return true, ""
}
