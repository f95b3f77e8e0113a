package domain

import "fmt"

// ProtocolError marks a malformed or unexpected envelope. Receivers log and
// drop it without acknowledging, so the sender's retry path takes over.
type ProtocolError struct {
	Type    EnvelopeType
	AgentID string
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error type=%s agent=%s: %s", e.Type, e.AgentID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// HardwareFault is raised by a hardware backend for one agent. It disarms
// that agent only.
type HardwareFault struct {
	AgentID string
	Channel Channel
	Detail  string
}

func (e *HardwareFault) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("hardware fault agent=%s channel=%s: %s", e.AgentID, e.Channel, e.Detail)
	}
	return fmt.Sprintf("hardware fault agent=%s: %s", e.AgentID, e.Detail)
}
