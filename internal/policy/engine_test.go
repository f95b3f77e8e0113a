package policy

import (
	"testing"
	"time"

	"octopilot/internal/domain"
)

func TestAdmit(t *testing.T) {
	spec := domain.TaskSpec{
		ArenaID: "arena-1",
		Agents:  []domain.AgentSpec{{ID: "rpi01"}, {ID: "rpi02"}},
	}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine := New(time.Minute)
	engine.now = func() time.Time { return now }

	cases := []struct {
		name  string
		env   domain.Envelope
		allow bool
	}{
		{"heartbeat", domain.Envelope{ArenaID: "arena-1", AgentID: "rpi01", Type: domain.EnvelopeHeartbeat, Timestamp: now}, true},
		{"poke", domain.Envelope{ArenaID: "arena-1", AgentID: "rpi02", Type: domain.EnvelopePokeEvent, Timestamp: now}, true},
		{"other arena", domain.Envelope{ArenaID: "arena-2", AgentID: "rpi01", Type: domain.EnvelopeHeartbeat, Timestamp: now}, false},
		{"stranger", domain.Envelope{ArenaID: "arena-1", AgentID: "rpi09", Type: domain.EnvelopeHeartbeat, Timestamp: now}, false},
		{"command upstream", domain.Envelope{ArenaID: "arena-1", AgentID: "rpi01", Type: domain.EnvelopeCommand, Timestamp: now}, false},
		{"no timestamp", domain.Envelope{ArenaID: "arena-1", AgentID: "rpi01", Type: domain.EnvelopeAck}, false},
		{"future", domain.Envelope{ArenaID: "arena-1", AgentID: "rpi01", Type: domain.EnvelopeAck, Timestamp: now.Add(time.Hour)}, false},
	}
	for _, tc := range cases {
		allowed, reason := engine.Admit(spec, tc.env)
		if allowed != tc.allow {
			t.Fatalf("%s: allowed=%v reason=%q, want %v", tc.name, allowed, reason, tc.allow)
		}
		if !allowed && reason == "" {
			t.Fatalf("%s: rejection without reason", tc.name)
		}
	}
}
