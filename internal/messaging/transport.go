// Package messaging defines how envelopes travel between the dispatcher and
// its agents. Delivery is best effort: ordering and retries are rebuilt on top
// from sequence numbers and acknowledgements.
package messaging

import (
	"errors"
	"fmt"

	"octopilot/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("address is not registered")
	ErrAgentQueueFull     = errors.New("address queue is full")
	ErrNotConnected       = errors.New("not connected")
)

// Transport moves envelopes between addresses. Publish never blocks; a full
// or unknown destination is reported as a *TransportError.
type Transport interface {
	Register(address string) <-chan domain.Envelope
	Unregister(address string)
	Publish(env domain.Envelope) error
}

type TransportError struct {
	Op      string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func AgentAddress(arenaID, agentID string) string {
	return arenaID + "/" + agentID
}

func DispatcherAddress(arenaID string) string {
	return arenaID + "/dispatcher"
}

// Route returns the destination of env. Commands travel to the agent they
// name; every other envelope type travels upstream to the arena dispatcher.
func Route(env domain.Envelope) string {
	if env.Type == domain.EnvelopeCommand {
		return AgentAddress(env.ArenaID, env.AgentID)
	}
	return DispatcherAddress(env.ArenaID)
}
