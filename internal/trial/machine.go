// Package trial sequences the trials of one arena session. The Machine is
// driven entirely by its inputs: every call carries the current time and
// returns the commands to send and the trial records that were closed.
package trial

import (
	"math/rand/v2"
	"slices"
	"time"

	"octopilot/internal/domain"
)

// Directive is a command addressed to one agent.
type Directive struct {
	AgentID string
	Command domain.Command
}

type Output struct {
	Commands []Directive
	Records  []domain.TrialRecord
}

func (o *Output) send(agentID string, cmd domain.Command) {
	o.Commands = append(o.Commands, Directive{AgentID: agentID, Command: cmd})
}

// Merge appends other to o.
func (o *Output) Merge(other Output) {
	o.Commands = append(o.Commands, other.Commands...)
	o.Records = append(o.Records, other.Records...)
}

func (o Output) Empty() bool {
	return len(o.Commands) == 0 && len(o.Records) == 0
}

type Machine struct {
	spec      domain.TaskSpec
	sessionID string
	chooser   *Chooser

	state     domain.TrialState
	trial     int
	completed int
	started   time.Time
	deadline  time.Time

	down    map[string]string
	paused  bool
	stopped bool
	reason  string

	record     *domain.TrialRecord
	rewarded   map[string]bool
	windowOpen bool
	windowEnd  time.Time
	candidates []domain.PokeEvent
	lastPoke   map[string]time.Time
}

func New(spec domain.TaskSpec, sessionID string, rng *rand.Rand) *Machine {
	return &Machine{
		spec:      spec,
		sessionID: sessionID,
		chooser:   NewChooser(spec, rng),
		state:     domain.TrialAwaitingStart,
		down:      make(map[string]string),
	}
}

func (m *Machine) State() domain.TrialState { return m.state }

// Trial is the index of the active or most recent trial, starting at 1.
func (m *Machine) Trial() int { return m.trial }

func (m *Machine) Completed() int { return m.completed }

func (m *Machine) Done() bool { return m.state == domain.TrialSessionComplete }

// Reason explains why the session completed.
func (m *Machine) Reason() string { return m.reason }

// Reachable reports whether agentID may take part in the next trial.
func (m *Machine) Reachable(agentID string) bool {
	_, isDown := m.down[agentID]
	return !isDown
}

// Start opens the session and arms the first trial unless paused.
func (m *Machine) Start(now time.Time) Output {
	var out Output
	m.started = now
	m.advance(now, &out)
	return out
}

// Tick applies every deadline that has passed by now.
func (m *Machine) Tick(now time.Time) Output {
	var out Output
	m.advance(now, &out)
	return out
}

// Poke feeds one hardware event. Only entry edges stamped with the active
// trial count, and repeats on the same port within the debounce window are
// coalesced into the first.
func (m *Machine) Poke(ev domain.PokeEvent, now time.Time) Output {
	var out Output
	m.advance(now, &out)
	if m.state != domain.TrialArmed || ev.Edge != domain.EdgeIn || ev.Trial != m.trial {
		return out
	}
	if !m.Reachable(ev.AgentID) {
		return out
	}
	port, ok := m.spec.PortFor(ev.AgentID, ev.Channel)
	if !ok {
		return out
	}
	if last, seen := m.lastPoke[port.Name]; seen && absDuration(ev.Timestamp.Sub(last)) < m.spec.Timing.PokeDebounce {
		if ev.Timestamp.Before(last) {
			m.lastPoke[port.Name] = ev.Timestamp
			for i := range m.candidates {
				if m.candidates[i].AgentID == ev.AgentID && m.candidates[i].Channel == ev.Channel {
					m.candidates[i].Timestamp = ev.Timestamp
				}
			}
			for i := range m.record.Pokes {
				if m.record.Pokes[i].Port == port.Name && m.record.Pokes[i].Timestamp.Equal(last) {
					m.record.Pokes[i].Timestamp = ev.Timestamp
				}
			}
			slices.SortStableFunc(m.record.Pokes, func(a, b domain.PokeRecord) int {
				return a.Timestamp.Compare(b.Timestamp)
			})
		}
		return out
	}
	m.lastPoke[port.Name] = ev.Timestamp
	m.record.Pokes = append(m.record.Pokes, domain.PokeRecord{
		Port:      port.Name,
		AgentID:   ev.AgentID,
		Channel:   ev.Channel,
		Timestamp: ev.Timestamp,
	})
	m.candidates = append(m.candidates, ev)
	if !m.windowOpen {
		m.windowOpen = true
		m.windowEnd = now.Add(m.spec.Timing.PokeDebounce)
	}
	m.advance(now, &out)
	return out
}

// AgentDown marks an agent lost or faulted. When it owns a rewarded port of
// the armed trial, that trial is aborted. Before Start it only records the
// agent as unavailable.
func (m *Machine) AgentDown(agentID, reason string, now time.Time) Output {
	var out Output
	if _, known := m.spec.Agent(agentID); !known {
		return out
	}
	m.down[agentID] = reason
	if m.started.IsZero() {
		return out
	}
	m.advance(now, &out)
	if m.state == domain.TrialArmed && m.ownsRewardedPort(agentID) {
		m.abort(now, agentID+" "+reason, &out)
		m.enterInterTrial(now)
		m.advance(now, &out)
	}
	return out
}

// AgentUp makes the agent eligible again from the next trial on.
func (m *Machine) AgentUp(agentID string) {
	delete(m.down, agentID)
}

func (m *Machine) ReachableCount() int {
	n := 0
	for _, a := range m.spec.Agents {
		if m.Reachable(a.ID) {
			n++
		}
	}
	return n
}

// Pause holds the session at the next trial boundary.
func (m *Machine) Pause() {
	m.paused = true
}

func (m *Machine) Resume(now time.Time) Output {
	var out Output
	m.paused = false
	m.advance(now, &out)
	return out
}

// Stop ends the session cooperatively. An armed trial is aborted right away;
// a playing trial finishes its sound and reward first.
func (m *Machine) Stop(now time.Time, reason string) Output {
	var out Output
	if m.state == domain.TrialSessionComplete {
		return out
	}
	m.stopped = true
	m.paused = false
	if reason == "" {
		reason = "stopped"
	}
	m.reason = reason
	m.advance(now, &out)
	if m.state == domain.TrialArmed {
		m.abort(now, reason, &out)
		m.enterInterTrial(now)
	}
	m.advance(now, &out)
	return out
}

func (m *Machine) advance(now time.Time, out *Output) {
	for {
		before := m.state
		switch m.state {
		case domain.TrialAwaitingStart:
			m.startTrial(now, out)
		case domain.TrialArmed:
			switch {
			case m.windowOpen && !now.Before(m.windowEnd):
				m.resolve(now, out)
			case !m.windowOpen && !now.Before(m.deadline):
				m.timeout(now, out)
			}
		case domain.TrialSoundPlaying:
			if !now.Before(m.deadline) {
				m.enterInterTrial(now)
			}
		case domain.TrialInterTrial:
			if m.stopped || !now.Before(m.deadline) {
				m.state = domain.TrialAwaitingStart
			}
		}
		if m.state == before {
			return
		}
	}
}

func (m *Machine) startTrial(now time.Time, out *Output) {
	switch {
	case m.stopped:
		m.complete(m.reason, out)
		return
	case m.spec.MaxTrials > 0 && m.completed >= m.spec.MaxTrials:
		m.complete("max trials reached", out)
		return
	case m.spec.MaxSessionDuration > 0 && now.Sub(m.started) >= m.spec.MaxSessionDuration:
		m.complete("session duration reached", out)
		return
	case m.paused:
		return
	}

	goal, rewarded, err := m.chooser.Choose(m.Reachable)
	if err != nil {
		return
	}
	m.trial++
	m.record = &domain.TrialRecord{
		SessionID:     m.sessionID,
		ArenaID:       m.spec.ArenaID,
		Trial:         m.trial,
		StartedAt:     now,
		GoalPort:      goal,
		RewardedPorts: rewarded,
	}
	m.rewarded = make(map[string]bool, len(rewarded))
	for _, name := range rewarded {
		m.rewarded[name] = true
	}
	m.windowOpen = false
	m.candidates = nil
	m.lastPoke = make(map[string]time.Time)
	m.deadline = now.Add(m.spec.Timing.ResponseTimeout)
	m.state = domain.TrialArmed
	for _, id := range m.reachableAgents() {
		out.send(id, domain.Arm(m.trial, domain.ChannelLeft, domain.ChannelRight))
	}
}

// resolve closes the debounce window. The earliest hardware timestamp wins,
// ties going to the lower agent id and then the lower channel, so the result
// does not depend on arrival order.
func (m *Machine) resolve(now time.Time, out *Output) {
	m.windowOpen = false
	winner := slices.MinFunc(m.candidates, func(a, b domain.PokeEvent) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		if a.AgentID != b.AgentID {
			if a.AgentID < b.AgentID {
				return -1
			}
			return 1
		}
		switch {
		case a.Channel < b.Channel:
			return -1
		case a.Channel > b.Channel:
			return 1
		}
		return 0
	})
	m.candidates = nil
	port, _ := m.spec.PortFor(winner.AgentID, winner.Channel)

	if m.rewarded[port.Name] {
		for _, id := range m.reachableAgents() {
			if id != winner.AgentID {
				out.send(id, domain.Disarm())
			}
		}
		sound, _ := m.spec.Sound(port.SoundID)
		out.send(winner.AgentID, domain.PlaySound(sound.ID, sound.Params))
		out.send(winner.AgentID, domain.OpenReward(winner.Channel, m.spec.Reward.Duration))
		m.record.SoundID = sound.ID
		m.finish(now, domain.OutcomeHit, port.Name, out)
		m.state = domain.TrialSoundPlaying
		m.deadline = now.Add(max(m.spec.Timing.FeedbackDuration, m.spec.Reward.Duration))
		return
	}

	for _, id := range m.reachableAgents() {
		out.send(id, domain.Disarm())
	}
	if errSound, ok := m.spec.Sound(m.spec.ErrorSoundID); ok && m.Reachable(winner.AgentID) {
		out.send(winner.AgentID, domain.PlaySound(errSound.ID, errSound.Params))
		m.record.SoundID = errSound.ID
		m.finish(now, domain.OutcomeMiss, "poked "+port.Name, out)
		m.state = domain.TrialSoundPlaying
		m.deadline = now.Add(m.spec.Timing.FeedbackDuration)
		return
	}
	m.finish(now, domain.OutcomeMiss, "poked "+port.Name, out)
	m.enterInterTrial(now)
}

func (m *Machine) timeout(now time.Time, out *Output) {
	for _, id := range m.reachableAgents() {
		out.send(id, domain.Disarm())
	}
	m.finish(now, domain.OutcomeTimeout, "no response", out)
	m.enterInterTrial(now)
}

func (m *Machine) abort(now time.Time, reason string, out *Output) {
	m.windowOpen = false
	m.candidates = nil
	for _, id := range m.reachableAgents() {
		out.send(id, domain.Disarm())
	}
	m.finish(now, domain.OutcomeAborted, reason, out)
}

func (m *Machine) finish(now time.Time, outcome domain.Outcome, reason string, out *Output) {
	rec := *m.record
	rec.EndedAt = now
	rec.Outcome = outcome
	rec.Reason = reason
	rec.RewardedPorts = append([]string(nil), rec.RewardedPorts...)
	rec.Pokes = append([]domain.PokeRecord(nil), rec.Pokes...)
	out.Records = append(out.Records, rec)
	m.completed++
}

func (m *Machine) enterInterTrial(now time.Time) {
	m.state = domain.TrialInterTrial
	m.deadline = now.Add(m.spec.Timing.MinInterTrialInterval)
}

func (m *Machine) complete(reason string, out *Output) {
	m.state = domain.TrialSessionComplete
	m.reason = reason
	for _, id := range m.reachableAgents() {
		out.send(id, domain.Command{Type: domain.CommandStop})
	}
}

func (m *Machine) ownsRewardedPort(agentID string) bool {
	for name := range m.rewarded {
		if p, ok := m.spec.Port(name); ok && p.AgentID == agentID {
			return true
		}
	}
	return false
}

func (m *Machine) reachableAgents() []string {
	out := make([]string, 0, len(m.spec.Agents))
	for _, a := range m.spec.Agents {
		if m.Reachable(a.ID) {
			out = append(out, a.ID)
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
