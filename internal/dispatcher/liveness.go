package dispatcher

import (
	"time"

	"octopilot/internal/domain"
)

type LivenessConfig struct {
	DegradedAfter time.Duration
	LostAfter     time.Duration
}

// Transition is a change of an agent's connection status.
type Transition struct {
	AgentID string
	From    domain.ConnStatus
	To      domain.ConnStatus
}

// Liveness tracks when each agent was last heard from. Status only improves
// on traffic (Seen) and only degrades on Check, which the arena runs every
// heartbeat interval; an agent silent past LostAfter is therefore reported
// lost by the first Check after the timeout, at most one interval late.
type Liveness struct {
	cfg    LivenessConfig
	order  []string
	agents map[string]*agentLiveness
}

type agentLiveness struct {
	lastSeen time.Time
	status   domain.ConnStatus
	faulted  bool
}

// NewLiveness starts every agent as lost until it is heard from.
func NewLiveness(agentIDs []string, cfg LivenessConfig) *Liveness {
	l := &Liveness{cfg: cfg, agents: make(map[string]*agentLiveness, len(agentIDs))}
	for _, id := range agentIDs {
		l.order = append(l.order, id)
		l.agents[id] = &agentLiveness{status: domain.ConnLost}
	}
	return l
}

// Seen refreshes the agent and reports a transition when it was not
// connected.
func (l *Liveness) Seen(agentID string, now time.Time) (Transition, bool) {
	a, ok := l.agents[agentID]
	if !ok {
		return Transition{}, false
	}
	if now.After(a.lastSeen) {
		a.lastSeen = now
	}
	if a.status == domain.ConnConnected {
		return Transition{}, false
	}
	t := Transition{AgentID: agentID, From: a.status, To: domain.ConnConnected}
	a.status = domain.ConnConnected
	return t, true
}

// Check downgrades agents whose silence exceeded the thresholds.
func (l *Liveness) Check(now time.Time) []Transition {
	var out []Transition
	for _, id := range l.order {
		a := l.agents[id]
		if a.status == domain.ConnLost {
			continue
		}
		silence := now.Sub(a.lastSeen)
		next := a.status
		switch {
		case silence > l.cfg.LostAfter:
			next = domain.ConnLost
		case silence > l.cfg.DegradedAfter:
			next = domain.ConnDegraded
		}
		if next != a.status {
			out = append(out, Transition{AgentID: id, From: a.status, To: next})
			a.status = next
		}
	}
	return out
}

// MarkLost forces the agent to lost, as on an orderly goodbye.
func (l *Liveness) MarkLost(agentID string) (Transition, bool) {
	a, ok := l.agents[agentID]
	if !ok || a.status == domain.ConnLost {
		return Transition{}, false
	}
	t := Transition{AgentID: agentID, From: a.status, To: domain.ConnLost}
	a.status = domain.ConnLost
	return t, true
}

func (l *Liveness) SetFaulted(agentID string, faulted bool) {
	if a, ok := l.agents[agentID]; ok {
		a.faulted = faulted
	}
}

func (l *Liveness) Status(agentID string) domain.ConnStatus {
	if a, ok := l.agents[agentID]; ok {
		return a.status
	}
	return domain.ConnLost
}

// Reachable is true for agents that are neither lost nor faulted.
func (l *Liveness) Reachable(agentID string) bool {
	a, ok := l.agents[agentID]
	return ok && a.status != domain.ConnLost && !a.faulted
}

func (l *Liveness) ReachableCount() int {
	n := 0
	for _, id := range l.order {
		if l.Reachable(id) {
			n++
		}
	}
	return n
}

func (l *Liveness) Snapshot() []domain.AgentStatus {
	out := make([]domain.AgentStatus, 0, len(l.order))
	for _, id := range l.order {
		a := l.agents[id]
		out = append(out, domain.AgentStatus{AgentID: id, Status: a.status, Faulted: a.faulted, LastSeen: a.lastSeen})
	}
	return out
}

// Rebind carries state over to a new agent set, keeping known agents.
func (l *Liveness) Rebind(agentIDs []string) *Liveness {
	next := NewLiveness(agentIDs, l.cfg)
	for _, id := range agentIDs {
		if a, ok := l.agents[id]; ok {
			copied := *a
			next.agents[id] = &copied
		}
	}
	return next
}
