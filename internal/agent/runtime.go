// Package agent runs on each Pi. It applies dispatcher commands to the local
// hardware and reports nose pokes, heartbeats and faults upstream.
package agent

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"octopilot/internal/domain"
	"octopilot/internal/hardware"
	"octopilot/internal/messaging"
)

type Config struct {
	ArenaID             string
	AgentID             string
	HeartbeatInterval   time.Duration
	DispatcherLostAfter time.Duration
	// ReorderWindow is how long a command that arrived ahead of a missing
	// sequence number waits for the gap to fill. It must outlast the
	// dispatcher's ack timeout times its retry budget.
	ReorderWindow time.Duration
	QueueSize     int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.DispatcherLostAfter <= 0 {
		c.DispatcherLostAfter = 5 * c.HeartbeatInterval
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = 4 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

const skippedMemory = 256

type eventKind int

const (
	eventPoke eventKind = iota
	eventSoundDone
	eventRewardDone
	eventFault
	eventRecovered
)

type event struct {
	kind    eventKind
	channel domain.Channel
	edge    domain.Edge
	at      time.Time
	gen     uint64
	detail  string
}

type pendingCommand struct {
	cmd     domain.Command
	arrived time.Time
}

// Runtime is the agent state machine. Hardware callbacks, completion timers
// and dispatcher commands are all consumed by the single goroutine in Run.
type Runtime struct {
	cfg       Config
	transport messaging.Transport
	hw        hardware.Backend
	logger    *log.Logger
	instance  string

	events chan event
	outSeq atomic.Uint64

	// owned by the Run goroutine
	state          domain.AgentState
	armed          map[domain.Channel]bool
	trial          int
	playing        bool
	playGen        uint64
	rewarding      bool
	faulted        bool
	epoch          string
	lastSeq        uint64
	pending        map[uint64]pendingCommand
	skipped        map[uint64]struct{}
	lastDispatcher time.Time

	mu       sync.RWMutex
	snapshot Status
}

// Status is a copy of the runtime state safe to read from other goroutines.
type Status struct {
	State   domain.AgentState
	Armed   []domain.Channel
	Trial   int
	Faulted bool
	LastSeq uint64
}

func New(cfg Config, transport messaging.Transport, hw hardware.Backend, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	r := &Runtime{
		cfg:       cfg,
		transport: transport,
		hw:        hw,
		logger:    logger,
		instance:  uuid.NewString(),
		events:    make(chan event, cfg.QueueSize),
		state:     domain.AgentIdle,
		armed:     make(map[domain.Channel]bool),
		pending:   make(map[uint64]pendingCommand),
		skipped:   make(map[uint64]struct{}),
	}
	r.snapshot = Status{State: domain.AgentIdle}
	hw.OnPoke(func(ch domain.Channel, edge domain.Edge, ts time.Time) {
		r.enqueue(event{kind: eventPoke, channel: ch, edge: edge, at: ts})
	})
	hw.OnFault(func(f domain.HardwareFault) {
		r.enqueue(event{kind: eventFault, channel: f.Channel, detail: f.Detail})
	})
	return r
}

func (r *Runtime) Instance() string { return r.instance }

func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.snapshot
	s.Armed = slices.Clone(s.Armed)
	return s
}

// Recovered clears a previously reported hardware fault.
func (r *Runtime) Recovered() {
	r.enqueue(event{kind: eventRecovered})
}

// Hello is the ConnectionStatus envelope announcing this instance. Transports
// that reconnect send it first on every new connection.
func (r *Runtime) Hello() (domain.Envelope, error) {
	return r.envelope(domain.EnvelopeConnectionStatus, domain.ConnectionStatusPayload{
		Status:   domain.LinkHello,
		Instance: r.instance,
	})
}

func (r *Runtime) enqueue(ev event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Printf("agent=%s event queue full, dropped kind=%d channel=%s", r.cfg.AgentID, ev.kind, ev.channel)
	}
}

// Run processes events until ctx is cancelled, then disarms the hardware and
// says goodbye.
func (r *Runtime) Run(ctx context.Context) error {
	address := messaging.AgentAddress(r.cfg.ArenaID, r.cfg.AgentID)
	inbox := r.transport.Register(address)
	defer r.transport.Unregister(address)

	r.lastDispatcher = time.Now()
	if env, err := r.Hello(); err == nil {
		r.publish(env)
	}
	r.logger.Printf("agent=%s arena=%s instance=%s started", r.cfg.AgentID, r.cfg.ArenaID, r.instance)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	var gap *time.Timer
	var gapC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case env, ok := <-inbox:
			if !ok {
				r.shutdown()
				return nil
			}
			r.handleEnvelope(env, time.Now())
		case ev := <-r.events:
			r.handleEvent(ev)
		case now := <-ticker.C:
			r.heartbeat(now)
		case now := <-gapC:
			gap, gapC = nil, nil
			r.drain(now)
		}

		if len(r.pending) == 0 && gap != nil {
			gap.Stop()
			gap, gapC = nil, nil
		}
		if len(r.pending) > 0 && gap == nil {
			gap = time.NewTimer(r.cfg.ReorderWindow)
			gapC = gap.C
		}
		r.publishStatus()
	}
}

func (r *Runtime) shutdown() {
	r.disarmLocal()
	r.state = domain.AgentIdle
	r.publishStatus()
	if env, err := r.envelope(domain.EnvelopeConnectionStatus, domain.ConnectionStatusPayload{
		Status:   domain.LinkGoodbye,
		Instance: r.instance,
	}); err == nil {
		r.publish(env)
	}
	r.logger.Printf("agent=%s stopped", r.cfg.AgentID)
}

func (r *Runtime) handleEnvelope(env domain.Envelope, now time.Time) {
	if env.Type != domain.EnvelopeCommand || env.ArenaID != r.cfg.ArenaID || env.AgentID != r.cfg.AgentID {
		r.logger.Printf("agent=%s %v", r.cfg.AgentID, &domain.ProtocolError{
			Type: env.Type, AgentID: env.AgentID, Reason: "unexpected envelope",
		})
		return
	}
	var cmd domain.Command
	if err := env.Decode(&cmd); err != nil {
		r.logger.Printf("agent=%s %v", r.cfg.AgentID, err)
		return
	}
	r.lastDispatcher = now

	if cmd.Epoch != "" && cmd.Epoch != r.epoch {
		if r.epoch != "" {
			r.logger.Printf("agent=%s dispatcher epoch changed %s -> %s, resetting sequence", r.cfg.AgentID, r.epoch, cmd.Epoch)
		}
		r.epoch = cmd.Epoch
		r.lastSeq = 0
		clear(r.pending)
		clear(r.skipped)
	}
	if env.SeqNo == 0 {
		// unsequenced keepalive
		return
	}
	if env.SeqNo <= r.lastSeq {
		if _, gone := r.skipped[env.SeqNo]; gone {
			r.ack(env.SeqNo, domain.AckSkipped, "arrived after its gap was skipped")
			return
		}
		r.ack(env.SeqNo, domain.AckDuplicate, "")
		return
	}
	if _, waiting := r.pending[env.SeqNo]; waiting {
		return
	}
	r.pending[env.SeqNo] = pendingCommand{cmd: cmd, arrived: now}
	r.drain(now)
}

// drain applies queued commands in sequence order. A gap older than the
// reorder window is skipped and each missing seq is acked as skipped, so the
// dispatcher never counts it as applied.
func (r *Runtime) drain(now time.Time) {
	for len(r.pending) > 0 {
		next := r.lastSeq + 1
		if p, ok := r.pending[next]; ok {
			delete(r.pending, next)
			r.lastSeq = next
			r.apply(next, p.cmd)
			continue
		}
		oldest := slices.Min(keys(r.pending))
		if now.Sub(r.pending[oldest].arrived) < r.cfg.ReorderWindow {
			return
		}
		r.logger.Printf("agent=%s skipping seq %d..%d", r.cfg.AgentID, next, oldest-1)
		for seq := next; seq < oldest; seq++ {
			r.skipped[seq] = struct{}{}
			r.ack(seq, domain.AckSkipped, "sequence gap not filled")
		}
		r.lastSeq = oldest - 1
		r.pruneSkipped()
	}
}

func (r *Runtime) pruneSkipped() {
	if len(r.skipped) <= skippedMemory {
		return
	}
	for seq := range r.skipped {
		if seq+skippedMemory < r.lastSeq {
			delete(r.skipped, seq)
		}
	}
}

func (r *Runtime) apply(seq uint64, cmd domain.Command) {
	var err error
	switch cmd.Type {
	case domain.CommandArm:
		err = r.arm(cmd)
	case domain.CommandDisarm:
		r.disarm()
	case domain.CommandPlaySound:
		err = r.play(cmd)
	case domain.CommandOpenReward:
		err = r.openReward(cmd)
	case domain.CommandStop:
		r.disarm()
		r.trial = 0
	case domain.CommandHeartbeat:
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}
	if err != nil {
		r.logger.Printf("agent=%s %v", r.cfg.AgentID, &domain.ProtocolError{
			Type: domain.EnvelopeCommand, AgentID: r.cfg.AgentID, Reason: cmd.String() + " rejected", Err: err,
		})
		r.ack(seq, domain.AckRejected, err.Error())
		return
	}
	r.ack(seq, domain.AckOK, "")
}

func (r *Runtime) arm(cmd domain.Command) error {
	if r.faulted {
		return fmt.Errorf("hardware faulted")
	}
	if r.state == domain.AgentRewardOpen {
		return fmt.Errorf("reward in progress")
	}
	want := make(map[domain.Channel]bool, len(cmd.Channels))
	for _, ch := range cmd.Channels {
		if !ch.Valid() {
			return fmt.Errorf("invalid channel %q", ch)
		}
		want[ch] = true
	}
	for _, ch := range domain.AllChannels {
		switch {
		case want[ch] && !r.armed[ch]:
			if err := r.hw.Arm(ch); err != nil {
				return fmt.Errorf("arm %s: %w", ch, err)
			}
			r.armed[ch] = true
		case !want[ch] && r.armed[ch]:
			if err := r.hw.Disarm(ch); err != nil {
				r.logger.Printf("agent=%s disarm %s failed: %v", r.cfg.AgentID, ch, err)
			}
			delete(r.armed, ch)
		}
	}
	r.trial = cmd.Trial
	if r.state == domain.AgentIdle {
		r.state = domain.AgentArmed
	}
	return nil
}

// disarm silences audio and releases the sensors. A running reward is left
// to finish and the runtime settles in Idle when it does.
func (r *Runtime) disarm() {
	r.disarmLocal()
	if !r.rewarding {
		r.state = domain.AgentIdle
	}
}

func (r *Runtime) disarmLocal() {
	if r.playing {
		r.playing = false
		r.playGen++
		if err := r.hw.Silence(); err != nil {
			r.logger.Printf("agent=%s silence failed: %v", r.cfg.AgentID, err)
		}
	}
	for _, ch := range domain.AllChannels {
		if !r.armed[ch] {
			continue
		}
		if err := r.hw.Disarm(ch); err != nil {
			r.logger.Printf("agent=%s disarm %s failed: %v", r.cfg.AgentID, ch, err)
		}
		delete(r.armed, ch)
	}
}

func (r *Runtime) play(cmd domain.Command) error {
	if cmd.SoundID == "" {
		return fmt.Errorf("missing sound id")
	}
	r.playGen++
	gen := r.playGen
	if err := r.hw.Play(cmd.SoundID, cmd.Params, func() {
		r.enqueue(event{kind: eventSoundDone, gen: gen})
	}); err != nil {
		return fmt.Errorf("play %s: %w", cmd.SoundID, err)
	}
	r.playing = true
	if r.state != domain.AgentRewardOpen {
		r.state = domain.AgentPlaying
	}
	return nil
}

func (r *Runtime) openReward(cmd domain.Command) error {
	if r.faulted {
		return fmt.Errorf("hardware faulted")
	}
	if r.rewarding {
		return fmt.Errorf("reward already open")
	}
	if !cmd.Channel.Valid() || cmd.Duration <= 0 {
		return fmt.Errorf("invalid reward %s for %s", cmd.Channel, cmd.Duration)
	}
	if err := r.hw.Open(cmd.Channel, cmd.Duration, func() {
		r.enqueue(event{kind: eventRewardDone})
	}); err != nil {
		return fmt.Errorf("open %s: %w", cmd.Channel, err)
	}
	r.rewarding = true
	r.state = domain.AgentRewardOpen
	return nil
}

func (r *Runtime) handleEvent(ev event) {
	switch ev.kind {
	case eventPoke:
		if !r.armed[ev.channel] {
			return
		}
		r.sendPoke(ev)
	case eventSoundDone:
		if ev.gen != r.playGen || !r.playing {
			return
		}
		r.playing = false
		if r.state == domain.AgentPlaying {
			r.settle()
		}
	case eventRewardDone:
		r.rewarding = false
		if r.playing {
			r.state = domain.AgentPlaying
			return
		}
		r.settle()
	case eventFault:
		r.faulted = true
		r.disarm()
		r.logger.Printf("agent=%s hardware fault channel=%s: %s", r.cfg.AgentID, ev.channel, ev.detail)
		r.sendStatus(domain.LinkFault, ev.channel, ev.detail)
	case eventRecovered:
		if !r.faulted {
			return
		}
		r.faulted = false
		r.logger.Printf("agent=%s hardware recovered", r.cfg.AgentID)
		r.sendStatus(domain.LinkRecovered, "", "")
	}
}

// settle returns to Armed while sensors are still armed, otherwise to Idle.
func (r *Runtime) settle() {
	if len(r.armed) > 0 {
		r.state = domain.AgentArmed
		return
	}
	r.state = domain.AgentIdle
}

func (r *Runtime) sendPoke(ev event) {
	env, err := r.envelope(domain.EnvelopePokeEvent, domain.PokeEvent{
		AgentID:   r.cfg.AgentID,
		Channel:   ev.channel,
		Edge:      ev.edge,
		Timestamp: ev.at,
		Trial:     r.trial,
	})
	if err != nil {
		r.logger.Printf("agent=%s encode poke failed: %v", r.cfg.AgentID, err)
		return
	}
	r.publish(env)
}

func (r *Runtime) sendStatus(status domain.LinkStatus, ch domain.Channel, detail string) {
	env, err := r.envelope(domain.EnvelopeConnectionStatus, domain.ConnectionStatusPayload{
		Status:   status,
		Instance: r.instance,
		Channel:  ch,
		Detail:   detail,
	})
	if err != nil {
		return
	}
	r.publish(env)
}

func (r *Runtime) heartbeat(now time.Time) {
	if r.state != domain.AgentIdle && now.Sub(r.lastDispatcher) > r.cfg.DispatcherLostAfter {
		r.logger.Printf("agent=%s dispatcher silent for %s, disarming", r.cfg.AgentID, now.Sub(r.lastDispatcher).Round(time.Millisecond))
		r.disarm()
	}
	env, err := r.envelope(domain.EnvelopeHeartbeat, domain.HeartbeatPayload{State: r.state})
	if err != nil {
		return
	}
	r.publish(env)
}

func (r *Runtime) ack(seq uint64, result, errText string) {
	env, err := r.envelope(domain.EnvelopeAck, domain.AckPayload{SeqNo: seq, Result: result, Error: errText})
	if err != nil {
		return
	}
	r.publish(env)
}

func (r *Runtime) envelope(typ domain.EnvelopeType, payload any) (domain.Envelope, error) {
	return domain.NewEnvelope(r.cfg.ArenaID, r.cfg.AgentID, r.outSeq.Add(1), typ, payload, time.Now())
}

func (r *Runtime) publish(env domain.Envelope) {
	if err := r.transport.Publish(env); err != nil {
		r.logger.Printf("agent=%s publish %s seq=%d failed: %v", r.cfg.AgentID, env.Type, env.SeqNo, err)
	}
}

func (r *Runtime) publishStatus() {
	armed := make([]domain.Channel, 0, len(r.armed))
	for _, ch := range domain.AllChannels {
		if r.armed[ch] {
			armed = append(armed, ch)
		}
	}
	r.mu.Lock()
	r.snapshot = Status{State: r.state, Armed: armed, Trial: r.trial, Faulted: r.faulted, LastSeq: r.lastSeq}
	r.mu.Unlock()
}

func keys(m map[uint64]pendingCommand) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
