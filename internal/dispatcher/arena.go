package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"octopilot/internal/domain"
	"octopilot/internal/messaging"
	"octopilot/internal/policy"
	"octopilot/internal/trial"
)

const dispatcherActor = "dispatcher"

var (
	ErrQuorumNotMet    = errors.New("not enough reachable agents")
	ErrSessionActive   = errors.New("session already active")
	ErrInvalidPhase    = errors.New("operation not allowed in current phase")
	ErrArenaMismatch   = errors.New("task spec belongs to another arena")
	ErrArenaNotRunning = errors.New("arena is not running")
)

type Policy interface {
	Admit(spec domain.TaskSpec, env domain.Envelope) (bool, string)
}

type Config struct {
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	DegradedAfter     time.Duration
	LostAfter         time.Duration
	AckTimeout        time.Duration
	MaxRetries        int
	SubscriberBuffer  int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3 * c.HeartbeatInterval
	}
	if c.LostAfter <= 0 {
		c.LostAfter = 5 * c.HeartbeatInterval
	}
	if c.LostAfter < c.DegradedAfter {
		c.LostAfter = c.DegradedAfter
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 16
	}
	return c
}

type controlOp int

const (
	opStart controlOp = iota
	opPause
	opResume
	opStop
	opReplace
)

type request struct {
	op     controlOp
	spec   domain.TaskSpec
	reason string
	reply  chan error
}

// Arena runs the sessions of one physical arena. All session state is owned
// by the goroutine in Run; other goroutines talk to it through control
// requests and read published snapshots.
type Arena struct {
	id        string
	cfg       Config
	transport messaging.Transport
	journal   Journal
	policy    Policy
	logger    *log.Logger

	control chan request
	running chan struct{}
	done    chan struct{}
	ctx     context.Context

	// owned by the Run goroutine
	spec      domain.TaskSpec
	phase     domain.SessionPhase
	sessionID string
	startedAt *time.Time
	reason    string
	stopping  bool
	machine   *trial.Machine
	link      *Link
	live      *Liveness
	outcomes  map[domain.Outcome]int

	mu      sync.RWMutex
	pubSpec domain.TaskSpec
	snap    domain.SessionSnapshot
	trials  []domain.TrialRecord
	subs    map[int]chan domain.SessionSnapshot
	nextSub int
}

func NewArena(spec domain.TaskSpec, transport messaging.Transport, journal Journal, pol Policy, cfg Config, logger *log.Logger) *Arena {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if journal == nil {
		journal = nopJournal{}
	}
	if pol == nil {
		pol = policy.New(0)
	}
	a := &Arena{
		id:        spec.ArenaID,
		cfg:       cfg,
		transport: transport,
		journal:   journal,
		policy:    pol,
		logger:    logger,
		control:   make(chan request),
		running:   make(chan struct{}),
		done:      make(chan struct{}),
		spec:      spec,
		phase:     domain.PhaseIdle,
		link:      NewLink(spec.ArenaID, transport, LinkConfig{AckTimeout: cfg.AckTimeout, MaxRetries: cfg.MaxRetries}, logger),
		live:      NewLiveness(spec.AgentIDs(), LivenessConfig{DegradedAfter: cfg.DegradedAfter, LostAfter: cfg.LostAfter}),
		outcomes:  make(map[domain.Outcome]int),
		pubSpec:   spec,
		subs:      make(map[int]chan domain.SessionSnapshot),
	}
	a.snap = a.buildSnapshot(time.Now().UTC())
	return a
}

func (a *Arena) ID() string { return a.id }

// Run owns the arena until ctx is cancelled. An active session is stopped
// and its agents are told to stop on the way out.
func (a *Arena) Run(ctx context.Context) error {
	a.ctx = ctx
	defer close(a.done)
	inbox := a.transport.Register(messaging.DispatcherAddress(a.id))
	defer a.transport.Unregister(messaging.DispatcherAddress(a.id))

	tick := time.NewTicker(a.cfg.TickInterval)
	defer tick.Stop()
	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	a.logger.Printf("arena=%s started agents=%v epoch=%s", a.id, a.spec.AgentIDs(), a.link.Epoch())
	close(a.running)
	for {
		var now time.Time
		select {
		case <-ctx.Done():
			a.shutdown(time.Now().UTC())
			return nil
		case env, ok := <-inbox:
			if !ok {
				a.shutdown(time.Now().UTC())
				return nil
			}
			now = time.Now().UTC()
			a.handleEnvelope(env, now)
		case req := <-a.control:
			now = time.Now().UTC()
			req.reply <- a.handleControl(req, now)
		case t := <-tick.C:
			now = t.UTC()
			a.tick(now)
		case t := <-heartbeat.C:
			now = t.UTC()
			a.heartbeat(now)
		}
		a.publish(now)
	}
}

func (a *Arena) StartSession(ctx context.Context) error {
	return a.call(ctx, request{op: opStart})
}

func (a *Arena) PauseSession(ctx context.Context) error {
	return a.call(ctx, request{op: opPause})
}

// ResumeSession continues a paused session, or a stalled one once enough
// agents are reachable again.
func (a *Arena) ResumeSession(ctx context.Context) error {
	return a.call(ctx, request{op: opResume})
}

func (a *Arena) StopSession(ctx context.Context, reason string) error {
	return a.call(ctx, request{op: opStop, reason: reason})
}

// ReplaceSpec swaps the TaskSpec used by the next session.
func (a *Arena) ReplaceSpec(ctx context.Context, spec domain.TaskSpec) error {
	return a.call(ctx, request{op: opReplace, spec: spec})
}

func (a *Arena) call(ctx context.Context, req request) error {
	select {
	case <-a.running:
	default:
		return ErrArenaNotRunning
	}
	req.reply = make(chan error, 1)
	select {
	case a.control <- req:
	case <-a.done:
		return ErrArenaNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Arena) Snapshot() domain.SessionSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneSnapshot(a.snap)
}

func (a *Arena) Spec() domain.TaskSpec {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pubSpec
}

// Trials returns the records of the current or last session.
func (a *Arena) Trials() []domain.TrialRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.TrialRecord, len(a.trials))
	copy(out, a.trials)
	return out
}

// Subscribe delivers a snapshot on every change. Slow subscribers miss
// intermediate snapshots rather than block the arena.
func (a *Arena) Subscribe() (<-chan domain.SessionSnapshot, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	ch := make(chan domain.SessionSnapshot, a.cfg.SubscriberBuffer)
	ch <- cloneSnapshot(a.snap)
	a.subs[id] = ch
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
	}
}

func (a *Arena) handleControl(req request, now time.Time) error {
	switch req.op {
	case opStart:
		return a.startSession(now)
	case opPause:
		if a.phase != domain.PhaseRunning {
			return fmt.Errorf("pause in phase %s: %w", a.phase, ErrInvalidPhase)
		}
		a.phase = domain.PhasePaused
		a.machine.Pause()
		a.decide("session_paused", "operator paused session", nil)
		return nil
	case opResume:
		if a.phase != domain.PhasePaused && a.phase != domain.PhaseStalled {
			return fmt.Errorf("resume in phase %s: %w", a.phase, ErrInvalidPhase)
		}
		if n := a.live.ReachableCount(); n < a.spec.MinReachableAgents {
			return fmt.Errorf("%d of %d agents reachable: %w", n, a.spec.MinReachableAgents, ErrQuorumNotMet)
		}
		from := a.phase
		a.phase = domain.PhaseRunning
		a.reason = ""
		a.decide("session_resumed", "operator resumed session", map[string]any{"from": from})
		a.apply(a.machine.Resume(now))
		a.checkComplete(now)
		return nil
	case opStop:
		if !a.active() {
			return fmt.Errorf("stop in phase %s: %w", a.phase, ErrInvalidPhase)
		}
		reason := req.reason
		if reason == "" {
			reason = "operator stop"
		}
		a.stopping = true
		a.reason = reason
		a.decide("session_stop_requested", reason, nil)
		a.apply(a.machine.Stop(now, reason))
		a.checkComplete(now)
		return nil
	case opReplace:
		if a.active() {
			return ErrSessionActive
		}
		if req.spec.ArenaID != a.id {
			return fmt.Errorf("%q: %w", req.spec.ArenaID, ErrArenaMismatch)
		}
		a.spec = req.spec
		a.live = a.live.Rebind(req.spec.AgentIDs())
		a.mu.Lock()
		a.pubSpec = req.spec
		a.mu.Unlock()
		a.decide("spec_replaced", "task spec replaced", map[string]any{
			"box": req.spec.BoxName, "mouse": req.spec.MouseName, "task": req.spec.TaskName,
		})
		return nil
	}
	return fmt.Errorf("unknown control op %d", req.op)
}

func (a *Arena) active() bool {
	switch a.phase {
	case domain.PhaseRunning, domain.PhasePaused, domain.PhaseStalled:
		return true
	}
	return false
}

func (a *Arena) startSession(now time.Time) error {
	if a.active() {
		return ErrSessionActive
	}
	if n := a.live.ReachableCount(); n < a.spec.MinReachableAgents {
		return fmt.Errorf("%d of %d agents reachable: %w", n, a.spec.MinReachableAgents, ErrQuorumNotMet)
	}

	a.sessionID = uuid.NewString()
	a.machine = trial.New(a.spec, a.sessionID, nil)
	for _, id := range a.spec.AgentIDs() {
		if !a.live.Reachable(id) {
			a.machine.AgentDown(id, string(a.live.Status(id)), now)
		}
	}
	a.phase = domain.PhaseRunning
	a.reason = ""
	a.stopping = false
	a.startedAt = &now
	a.outcomes = make(map[domain.Outcome]int)
	a.mu.Lock()
	a.trials = nil
	a.mu.Unlock()

	specJSON, _ := json.Marshal(a.spec)
	if err := a.journal.CreateSession(a.journalCtx(), domain.Session{
		ID:        a.sessionID,
		ArenaID:   a.id,
		BoxName:   a.spec.BoxName,
		MouseName: a.spec.MouseName,
		TaskName:  a.spec.TaskName,
		Spec:      specJSON,
		StartedAt: now,
	}); err != nil {
		a.logger.Printf("arena=%s journal create session failed: %v", a.id, err)
	}
	a.decide("session_started", "operator started session", map[string]any{
		"reachable": a.live.ReachableCount(),
		"mouse":     a.spec.MouseName,
		"task":      a.spec.TaskName,
	})
	a.logger.Printf("arena=%s session=%s started mouse=%s task=%s", a.id, a.sessionID, a.spec.MouseName, a.spec.TaskName)
	a.apply(a.machine.Start(now))
	a.checkComplete(now)
	return nil
}

func (a *Arena) handleEnvelope(env domain.Envelope, now time.Time) {
	if ok, reason := a.policy.Admit(a.spec, env); !ok {
		a.logger.Printf("arena=%s %v", a.id, &domain.ProtocolError{Type: env.Type, AgentID: env.AgentID, Reason: reason})
		return
	}

	var status domain.ConnectionStatusPayload
	if env.Type == domain.EnvelopeConnectionStatus {
		if err := env.Decode(&status); err != nil {
			a.logger.Printf("arena=%s %v", a.id, err)
			return
		}
		if status.Status == domain.LinkHello && a.link.Hello(env.AgentID, status.Instance) {
			a.logger.Printf("arena=%s agent=%s hello instance=%s", a.id, env.AgentID, status.Instance)
		}
	}
	if !a.link.Accept(env) {
		return
	}

	if status.Status != domain.LinkGoodbye {
		if t, changed := a.live.Seen(env.AgentID, now); changed {
			a.onTransition(t, now)
		}
	}

	switch env.Type {
	case domain.EnvelopeHeartbeat:
	case domain.EnvelopeAck:
		var ack domain.AckPayload
		if err := env.Decode(&ack); err != nil {
			a.logger.Printf("arena=%s %v", a.id, err)
			return
		}
		cmd, settled := a.link.Ack(env.AgentID, ack.SeqNo)
		switch ack.Result {
		case domain.AckRejected:
			a.logger.Printf("arena=%s agent=%s rejected seq=%d: %s", a.id, env.AgentID, ack.SeqNo, ack.Error)
			a.decide("command_rejected", ack.Error, map[string]any{"agent_id": env.AgentID, "seq_no": ack.SeqNo})
		case domain.AckSkipped:
			if !settled {
				return
			}
			a.logger.Printf("arena=%s agent=%s skipped seq=%d command=%s", a.id, env.AgentID, ack.SeqNo, cmd)
			a.decide("command_expired", "agent skipped sequence gap", map[string]any{
				"agent_id": env.AgentID, "seq_no": ack.SeqNo, "command": cmd.Type,
			})
		}
	case domain.EnvelopePokeEvent:
		var ev domain.PokeEvent
		if err := env.Decode(&ev); err != nil {
			a.logger.Printf("arena=%s %v", a.id, err)
			return
		}
		if ev.AgentID != env.AgentID {
			a.logger.Printf("arena=%s %v", a.id, &domain.ProtocolError{Type: env.Type, AgentID: env.AgentID, Reason: "poke names agent " + ev.AgentID})
			return
		}
		if a.machine != nil && a.active() {
			a.apply(a.machine.Poke(ev, now))
			a.checkComplete(now)
		}
	case domain.EnvelopeConnectionStatus:
		a.handleStatus(env.AgentID, status, now)
	}
}

func (a *Arena) handleStatus(agentID string, status domain.ConnectionStatusPayload, now time.Time) {
	switch status.Status {
	case domain.LinkGoodbye:
		if t, changed := a.live.MarkLost(agentID); changed {
			a.onTransition(t, now)
		}
	case domain.LinkFault:
		a.live.SetFaulted(agentID, true)
		a.logger.Printf("arena=%s agent=%s fault channel=%s: %s", a.id, agentID, status.Channel, status.Detail)
		a.decide("agent_faulted", status.Detail, map[string]any{"agent_id": agentID, "channel": status.Channel})
		a.agentDown(agentID, "faulted", now)
	case domain.LinkRecovered:
		a.live.SetFaulted(agentID, false)
		a.decide("agent_recovered", "hardware fault cleared", map[string]any{"agent_id": agentID})
		if a.machine != nil && a.live.Reachable(agentID) {
			a.machine.AgentUp(agentID)
		}
	}
}

func (a *Arena) onTransition(t Transition, now time.Time) {
	a.logger.Printf("arena=%s agent=%s %s -> %s", a.id, t.AgentID, t.From, t.To)
	switch t.To {
	case domain.ConnLost:
		a.decide("agent_lost", "agent silent past lost timeout", map[string]any{"agent_id": t.AgentID, "from": t.From})
		a.agentDown(t.AgentID, "lost", now)
	case domain.ConnConnected:
		if t.From == domain.ConnLost {
			a.decide("agent_connected", "agent reachable", map[string]any{"agent_id": t.AgentID})
			if a.machine != nil && a.live.Reachable(t.AgentID) {
				a.machine.AgentUp(t.AgentID)
			}
		}
	}
}

func (a *Arena) agentDown(agentID, reason string, now time.Time) {
	if a.machine == nil || !a.active() {
		return
	}
	a.apply(a.machine.AgentDown(agentID, reason, now))
	a.checkQuorum()
	a.checkComplete(now)
}

// checkQuorum stalls a running or paused session when too few agents remain.
// Leaving the stalled phase is an operator decision.
func (a *Arena) checkQuorum() {
	if a.phase != domain.PhaseRunning && a.phase != domain.PhasePaused {
		return
	}
	n := a.live.ReachableCount()
	if n >= a.spec.MinReachableAgents {
		return
	}
	a.phase = domain.PhaseStalled
	a.machine.Pause()
	a.reason = fmt.Sprintf("quorum lost: %d of %d agents reachable", n, a.spec.MinReachableAgents)
	a.logger.Printf("arena=%s session=%s stalled: %s", a.id, a.sessionID, a.reason)
	a.decide("session_stalled", a.reason, map[string]any{"reachable": n, "required": a.spec.MinReachableAgents})
}

func (a *Arena) tick(now time.Time) {
	for _, exp := range a.link.Retry(now) {
		a.logger.Printf("arena=%s agent=%s gave up on seq=%d %s after %d attempts", a.id, exp.AgentID, exp.SeqNo, exp.Command, exp.Attempts)
		a.decide("command_expired", "ack retries exhausted", map[string]any{
			"agent_id": exp.AgentID, "seq_no": exp.SeqNo, "command": exp.Command.Type, "attempts": exp.Attempts,
		})
	}
	if a.machine != nil && a.active() {
		a.apply(a.machine.Tick(now))
		a.checkComplete(now)
	}
}

func (a *Arena) heartbeat(now time.Time) {
	for _, t := range a.live.Check(now) {
		a.onTransition(t, now)
	}
	for _, id := range a.spec.AgentIDs() {
		if a.live.Status(id) == domain.ConnLost {
			continue
		}
		if err := a.link.Keepalive(id, now); err != nil && !errors.Is(err, messaging.ErrAgentNotRegistered) {
			a.logger.Printf("arena=%s agent=%s keepalive failed: %v", a.id, id, err)
		}
	}
}

func (a *Arena) apply(out trial.Output) {
	now := time.Now().UTC()
	for _, d := range out.Commands {
		if err := a.link.Send(d.AgentID, d.Command, now); err != nil {
			a.logger.Printf("arena=%s agent=%s send %s failed (will retry): %v", a.id, d.AgentID, d.Command, err)
		}
	}
	for _, rec := range out.Records {
		a.outcomes[rec.Outcome]++
		a.mu.Lock()
		a.trials = append(a.trials, rec)
		a.mu.Unlock()
		a.logger.Printf("arena=%s session=%s trial=%d outcome=%s goal=%s reason=%q", a.id, rec.SessionID, rec.Trial, rec.Outcome, rec.GoalPort, rec.Reason)
		if err := a.journal.AppendTrial(a.journalCtx(), rec); err != nil {
			a.logger.Printf("arena=%s journal append trial=%d failed: %v", a.id, rec.Trial, err)
		}
	}
}

func (a *Arena) checkComplete(now time.Time) {
	if a.machine == nil || !a.machine.Done() || !a.active() {
		return
	}
	a.phase = domain.PhaseStopped
	a.reason = a.machine.Reason()
	a.stopping = false
	if err := a.journal.EndSession(a.journalCtx(), a.sessionID, a.reason, now); err != nil {
		a.logger.Printf("arena=%s journal end session failed: %v", a.id, err)
	}
	a.decide("session_completed", a.reason, map[string]any{"trials": a.machine.Completed(), "outcomes": a.outcomes})
	a.logger.Printf("arena=%s session=%s completed: %s trials=%d", a.id, a.sessionID, a.reason, a.machine.Completed())
}

func (a *Arena) shutdown(now time.Time) {
	if a.active() {
		a.apply(a.machine.Stop(now, "dispatcher shutdown"))
		if !a.machine.Done() {
			for _, id := range a.spec.AgentIDs() {
				_ = a.link.Send(id, domain.Command{Type: domain.CommandStop}, now)
			}
		}
		a.phase = domain.PhaseStopped
		a.reason = "dispatcher shutdown"
		if err := a.journal.EndSession(context.Background(), a.sessionID, a.reason, now); err != nil {
			a.logger.Printf("arena=%s journal end session failed: %v", a.id, err)
		}
	}
	a.publish(now)
	a.mu.Lock()
	for id, sub := range a.subs {
		delete(a.subs, id)
		close(sub)
	}
	a.mu.Unlock()
	a.logger.Printf("arena=%s stopped", a.id)
}

func (a *Arena) decide(action, reason string, payload map[string]any) {
	raw := []byte("{}")
	if payload != nil {
		raw = mustJSON(payload)
	}
	if err := a.journal.LogDecision(a.journalCtx(), domain.DecisionLog{
		ArenaID:   a.id,
		SessionID: a.sessionID,
		Actor:     dispatcherActor,
		Action:    action,
		Reason:    reason,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		a.logger.Printf("arena=%s journal decision %s failed: %v", a.id, action, err)
	}
}

func (a *Arena) journalCtx() context.Context {
	if a.ctx == nil || a.ctx.Err() != nil {
		return context.Background()
	}
	return a.ctx
}

func (a *Arena) buildSnapshot(now time.Time) domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ArenaID:   a.id,
		SessionID: a.sessionID,
		Phase:     a.phase,
		Agents:    a.live.Snapshot(),
		Outcomes:  make(map[domain.Outcome]int, len(a.outcomes)),
		StartedAt: a.startedAt,
		Reason:    a.reason,
		UpdatedAt: now,
	}
	for k, v := range a.outcomes {
		snap.Outcomes[k] = v
	}
	for i := range snap.Agents {
		snap.Agents[i].PendingCommands = a.link.Pending(snap.Agents[i].AgentID)
	}
	if a.machine != nil {
		snap.TrialIndex = a.machine.Trial()
		snap.TrialState = a.machine.State()
	}
	if a.stopping && snap.Reason == "" {
		snap.Reason = "stopping"
	}
	return snap
}

// publish refreshes the snapshot and notifies subscribers when anything
// other than agent last-seen times changed.
func (a *Arena) publish(now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	next := a.buildSnapshot(now)
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := snapshotChanged(a.snap, next)
	a.snap = next
	if !changed {
		return
	}
	for _, sub := range a.subs {
		select {
		case sub <- cloneSnapshot(next):
		default:
		}
	}
}

func snapshotChanged(prev, next domain.SessionSnapshot) bool {
	if prev.SessionID != next.SessionID || prev.Phase != next.Phase || prev.TrialIndex != next.TrialIndex ||
		prev.TrialState != next.TrialState || prev.Reason != next.Reason || len(prev.Agents) != len(next.Agents) {
		return true
	}
	for i := range prev.Agents {
		if prev.Agents[i].AgentID != next.Agents[i].AgentID || prev.Agents[i].Status != next.Agents[i].Status ||
			prev.Agents[i].Faulted != next.Agents[i].Faulted || prev.Agents[i].PendingCommands != next.Agents[i].PendingCommands {
			return true
		}
	}
	for k, v := range next.Outcomes {
		if prev.Outcomes[k] != v {
			return true
		}
	}
	return false
}

func cloneSnapshot(s domain.SessionSnapshot) domain.SessionSnapshot {
	s.Agents = slices.Clone(s.Agents)
	outcomes := make(map[domain.Outcome]int, len(s.Outcomes))
	for k, v := range s.Outcomes {
		outcomes[k] = v
	}
	s.Outcomes = outcomes
	return s
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
