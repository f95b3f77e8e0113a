package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Channel string

const (
	ChannelLeft  Channel = "L"
	ChannelRight Channel = "R"
)

var AllChannels = []Channel{ChannelLeft, ChannelRight}

func (c Channel) Valid() bool {
	return c == ChannelLeft || c == ChannelRight
}

type Edge string

const (
	EdgeIn  Edge = "in"
	EdgeOut Edge = "out"
)

type Orientation string

const (
	OrientationNorth Orientation = "north"
	OrientationEast  Orientation = "east"
	OrientationSouth Orientation = "south"
	OrientationWest  Orientation = "west"
)

// Orientations lists the four physical slots of an arena in clockwise order.
var Orientations = []Orientation{OrientationNorth, OrientationEast, OrientationSouth, OrientationWest}

type CommandType string

const (
	CommandArm        CommandType = "arm"
	CommandDisarm     CommandType = "disarm"
	CommandPlaySound  CommandType = "play_sound"
	CommandOpenReward CommandType = "open_reward"
	CommandHeartbeat  CommandType = "heartbeat"
	CommandStop       CommandType = "stop"
)

type EnvelopeType string

const (
	EnvelopeCommand          EnvelopeType = "Command"
	EnvelopePokeEvent        EnvelopeType = "PokeEvent"
	EnvelopeHeartbeat        EnvelopeType = "Heartbeat"
	EnvelopeAck              EnvelopeType = "Ack"
	EnvelopeConnectionStatus EnvelopeType = "ConnectionStatus"
)

type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeTimeout Outcome = "timeout"
	OutcomeAborted Outcome = "aborted"
)

type ConnStatus string

const (
	ConnConnected ConnStatus = "connected"
	ConnDegraded  ConnStatus = "degraded"
	ConnLost      ConnStatus = "lost"
)

type SessionPhase string

const (
	PhaseIdle    SessionPhase = "idle"
	PhaseRunning SessionPhase = "running"
	PhasePaused  SessionPhase = "paused"
	PhaseStopped SessionPhase = "stopped"
	PhaseStalled SessionPhase = "stalled"
)

type AgentState string

const (
	AgentIdle       AgentState = "idle"
	AgentArmed      AgentState = "armed"
	AgentPlaying    AgentState = "playing"
	AgentRewardOpen AgentState = "reward_open"
)

type TrialState string

const (
	TrialAwaitingStart   TrialState = "awaiting_trial_start"
	TrialArmed           TrialState = "armed"
	TrialSoundPlaying    TrialState = "sound_playing"
	TrialInterTrial      TrialState = "inter_trial_interval"
	TrialSessionComplete TrialState = "session_complete"
)

// LinkStatus is the kind carried by a ConnectionStatus envelope.
type LinkStatus string

const (
	LinkHello     LinkStatus = "hello"
	LinkGoodbye   LinkStatus = "goodbye"
	LinkFault     LinkStatus = "fault"
	LinkRecovered LinkStatus = "recovered"
)

type PokeEvent struct {
	AgentID   string    `json:"agent_id"`
	Channel   Channel   `json:"channel"`
	Edge      Edge      `json:"edge"`
	Timestamp time.Time `json:"timestamp"`
	Trial     int       `json:"trial"`
}

type Command struct {
	Type     CommandType        `json:"type"`
	Channels []Channel          `json:"channels,omitempty"`
	Trial    int                `json:"trial,omitempty"`
	SoundID  string             `json:"sound_id,omitempty"`
	Params   map[string]float64 `json:"params,omitempty"`
	Channel  Channel            `json:"channel,omitempty"`
	Duration time.Duration      `json:"duration,omitempty"`
	Epoch    string             `json:"epoch,omitempty"`
}

func Arm(trial int, channels ...Channel) Command {
	return Command{Type: CommandArm, Trial: trial, Channels: channels}
}

func Disarm() Command {
	return Command{Type: CommandDisarm}
}

func PlaySound(soundID string, params map[string]float64) Command {
	return Command{Type: CommandPlaySound, SoundID: soundID, Params: params}
}

func OpenReward(ch Channel, d time.Duration) Command {
	return Command{Type: CommandOpenReward, Channel: ch, Duration: d}
}

func (c Command) String() string {
	switch c.Type {
	case CommandArm:
		return fmt.Sprintf("arm(%v trial=%d)", c.Channels, c.Trial)
	case CommandPlaySound:
		return fmt.Sprintf("play_sound(%s)", c.SoundID)
	case CommandOpenReward:
		return fmt.Sprintf("open_reward(%s %s)", c.Channel, c.Duration)
	default:
		return string(c.Type)
	}
}

type HeartbeatPayload struct {
	State AgentState `json:"state,omitempty"`
}

// Ack results.
const (
	AckOK        = "ok"
	AckDuplicate = "duplicate"
	AckRejected  = "rejected"
	AckSkipped   = "skipped"
)

type AckPayload struct {
	SeqNo  uint64 `json:"seq_no"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type ConnectionStatusPayload struct {
	Status   LinkStatus `json:"status"`
	Instance string     `json:"instance,omitempty"`
	Channel  Channel    `json:"channel,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

// Envelope is the wire unit exchanged between the dispatcher and agents.
type Envelope struct {
	ArenaID   string          `json:"arena_id"`
	AgentID   string          `json:"agent_id"`
	SeqNo     uint64          `json:"seq_no"`
	Type      EnvelopeType    `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEnvelope(arenaID, agentID string, seq uint64, typ EnvelopeType, payload any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		ArenaID:   arenaID,
		AgentID:   agentID,
		SeqNo:     seq,
		Type:      typ,
		Payload:   raw,
		Timestamp: ts.UTC(),
	}, nil
}

// Decode unmarshals the payload into v, reporting failures as ProtocolError.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return &ProtocolError{Type: e.Type, AgentID: e.AgentID, Reason: "empty payload"}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &ProtocolError{Type: e.Type, AgentID: e.AgentID, Reason: "decode payload", Err: err}
	}
	return nil
}

type PokeRecord struct {
	Port      string    `json:"port"`
	AgentID   string    `json:"agent_id"`
	Channel   Channel   `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

type TrialRecord struct {
	SessionID     string       `json:"session_id"`
	ArenaID       string       `json:"arena_id"`
	Trial         int          `json:"trial"`
	StartedAt     time.Time    `json:"started_at"`
	EndedAt       time.Time    `json:"ended_at"`
	GoalPort      string       `json:"goal_port"`
	RewardedPorts []string     `json:"rewarded_ports"`
	Pokes         []PokeRecord `json:"pokes,omitempty"`
	Outcome       Outcome      `json:"outcome"`
	SoundID       string       `json:"sound_id,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

type AgentStatus struct {
	AgentID         string     `json:"agent_id"`
	Status          ConnStatus `json:"status"`
	Faulted         bool       `json:"faulted"`
	LastSeen        time.Time  `json:"last_seen"`
	PendingCommands int        `json:"pending_commands"`
}

// SessionSnapshot is the read-only view of one arena pushed to observers.
type SessionSnapshot struct {
	ArenaID    string          `json:"arena_id"`
	SessionID  string          `json:"session_id,omitempty"`
	Phase      SessionPhase    `json:"phase"`
	TrialIndex int             `json:"trial_index"`
	TrialState TrialState      `json:"trial_state"`
	Agents     []AgentStatus   `json:"agents"`
	Outcomes   map[Outcome]int `json:"outcomes"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	ArenaID   string          `json:"arena_id"`
	SessionID string          `json:"session_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session is the journal entry for one run of a TaskSpec in an arena.
type Session struct {
	ID        string          `json:"id"`
	ArenaID   string          `json:"arena_id"`
	BoxName   string          `json:"box_name"`
	MouseName string          `json:"mouse_name"`
	TaskName  string          `json:"task_name"`
	Spec      json.RawMessage `json:"spec"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}
