package dispatcher

import (
	"log"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"octopilot/internal/domain"
	"octopilot/internal/messaging"
)

const dedupWindow = 256

type LinkConfig struct {
	AckTimeout time.Duration
	MaxRetries int
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Link sequences commands to each agent of one arena and re-sends those
// that were not acknowledged in time. It also filters duplicate inbound
// envelopes. A Link is owned by its arena goroutine and is not safe for
// concurrent use.
type Link struct {
	arenaID   string
	epoch     string
	transport messaging.Transport
	cfg       LinkConfig
	logger    *log.Logger
	peers     map[string]*linkPeer
}

type linkPeer struct {
	nextSeq  uint64
	unacked  []*outbound
	instance string
	highest  uint64
	seen     map[uint64]struct{}
}

type outbound struct {
	env      domain.Envelope
	cmd      domain.Command
	sentAt   time.Time
	attempts int
}

// Expired describes a command dropped after its retry budget ran out.
type Expired struct {
	AgentID  string
	SeqNo    uint64
	Command  domain.Command
	Attempts int
}

func NewLink(arenaID string, transport messaging.Transport, cfg LinkConfig, logger *log.Logger) *Link {
	if logger == nil {
		logger = log.Default()
	}
	return &Link{
		arenaID:   arenaID,
		epoch:     uuid.NewString(),
		transport: transport,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		peers:     make(map[string]*linkPeer),
	}
}

// Epoch identifies this dispatcher instance to agents; a new epoch resets
// their expected sequence.
func (l *Link) Epoch() string { return l.epoch }

func (l *Link) peer(agentID string) *linkPeer {
	p, ok := l.peers[agentID]
	if !ok {
		p = &linkPeer{seen: make(map[uint64]struct{})}
		l.peers[agentID] = p
	}
	return p
}

// Send stamps cmd with the next sequence number for agentID and publishes it.
// The command is tracked until acknowledged even when the first publish
// fails.
func (l *Link) Send(agentID string, cmd domain.Command, now time.Time) error {
	p := l.peer(agentID)
	p.nextSeq++
	cmd.Epoch = l.epoch
	env, err := domain.NewEnvelope(l.arenaID, agentID, p.nextSeq, domain.EnvelopeCommand, cmd, now)
	if err != nil {
		return err
	}
	p.unacked = append(p.unacked, &outbound{env: env, cmd: cmd, sentAt: now, attempts: 1})
	return l.transport.Publish(env)
}

// Keepalive sends an unsequenced heartbeat command so the agent knows the
// dispatcher is alive.
func (l *Link) Keepalive(agentID string, now time.Time) error {
	env, err := domain.NewEnvelope(l.arenaID, agentID, 0, domain.EnvelopeCommand,
		domain.Command{Type: domain.CommandHeartbeat, Epoch: l.epoch}, now)
	if err != nil {
		return err
	}
	return l.transport.Publish(env)
}

// Ack settles exactly seq and returns the command it acknowledged. Older
// commands stay pending until their own ack arrives.
func (l *Link) Ack(agentID string, seq uint64) (domain.Command, bool) {
	p, ok := l.peers[agentID]
	if !ok {
		return domain.Command{}, false
	}
	for i, o := range p.unacked {
		if o.env.SeqNo == seq {
			p.unacked = slices.Delete(p.unacked, i, i+1)
			return o.cmd, true
		}
	}
	return domain.Command{}, false
}

// Retry re-publishes every command whose ack is overdue, keeping its
// sequence number, and returns those that exhausted their retries.
func (l *Link) Retry(now time.Time) []Expired {
	var expired []Expired
	for _, agentID := range l.agentIDs() {
		p := l.peers[agentID]
		kept := p.unacked[:0]
		for _, o := range p.unacked {
			if now.Sub(o.sentAt) < l.cfg.AckTimeout {
				kept = append(kept, o)
				continue
			}
			if o.attempts > l.cfg.MaxRetries {
				expired = append(expired, Expired{AgentID: agentID, SeqNo: o.env.SeqNo, Command: o.cmd, Attempts: o.attempts})
				continue
			}
			o.attempts++
			o.sentAt = now
			if err := l.transport.Publish(o.env); err != nil {
				l.logger.Printf("arena=%s agent=%s retry seq=%d attempt=%d failed: %v", l.arenaID, agentID, o.env.SeqNo, o.attempts, err)
			}
			kept = append(kept, o)
		}
		p.unacked = kept
	}
	return expired
}

// Hello records the agent instance. A new instance is a fresh process, so
// outbound sequencing restarts and pending commands are dropped. It reports
// whether the instance changed.
func (l *Link) Hello(agentID, instance string) bool {
	p := l.peer(agentID)
	if p.instance == instance {
		return false
	}
	p.instance = instance
	p.nextSeq = 0
	p.unacked = nil
	p.highest = 0
	clear(p.seen)
	return true
}

// Accept reports whether env is new. Duplicates and envelopes too far behind
// the newest one seen from the agent are rejected.
func (l *Link) Accept(env domain.Envelope) bool {
	p := l.peer(env.AgentID)
	if env.SeqNo == 0 {
		return true
	}
	if p.highest > dedupWindow && env.SeqNo <= p.highest-dedupWindow {
		return false
	}
	if _, dup := p.seen[env.SeqNo]; dup {
		return false
	}
	p.seen[env.SeqNo] = struct{}{}
	if env.SeqNo > p.highest {
		p.highest = env.SeqNo
	}
	if len(p.seen) > 2*dedupWindow {
		for seq := range p.seen {
			if p.highest > dedupWindow && seq <= p.highest-dedupWindow {
				delete(p.seen, seq)
			}
		}
	}
	return true
}

func (l *Link) Pending(agentID string) int {
	if p, ok := l.peers[agentID]; ok {
		return len(p.unacked)
	}
	return 0
}

func (l *Link) agentIDs() []string {
	ids := make([]string, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
