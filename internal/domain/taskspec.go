package domain

import "time"

type AgentSpec struct {
	ID          string      `json:"id"`
	Orientation Orientation `json:"orientation"`
	Address     string      `json:"address,omitempty"`
	LeftPort    string      `json:"left_port"`
	RightPort   string      `json:"right_port"`
}

type PortSpec struct {
	Name     string  `json:"name"`
	AgentID  string  `json:"agent_id"`
	Channel  Channel `json:"channel"`
	Position float64 `json:"position"`
	SoundID  string  `json:"sound_id"`
}

type SoundSpec struct {
	ID     string             `json:"id"`
	Params map[string]float64 `json:"params,omitempty"`
}

type RewardSpec struct {
	Duration time.Duration `json:"duration"`
	Value    float64       `json:"value"`
}

// RewardPolicy selects the rewarded ports of a trial. A non-empty FixedPorts
// list rewards exactly those ports on every trial; otherwise a goal is drawn
// and every port within Radius of it (circular port order) is rewarded.
type RewardPolicy struct {
	FixedPorts []string `json:"fixed_ports,omitempty"`
	Radius     int      `json:"radius"`
}

type Timing struct {
	PokeDebounce          time.Duration `json:"poke_debounce"`
	ResponseTimeout       time.Duration `json:"response_timeout"`
	MinInterTrialInterval time.Duration `json:"min_inter_trial_interval"`
	FeedbackDuration      time.Duration `json:"feedback_duration"`
}

// TaskSpec is the composed, validated configuration of one arena for one
// session. Values are produced by compose.Compose and must be treated as
// read-only; a new session gets a new TaskSpec.
type TaskSpec struct {
	ArenaID            string        `json:"arena_id"`
	BoxName            string        `json:"box_name"`
	MouseName          string        `json:"mouse_name"`
	TaskName           string        `json:"task_name"`
	Agents             []AgentSpec   `json:"agents"`
	Ports              []PortSpec    `json:"ports"`
	Sounds             []SoundSpec   `json:"sounds"`
	ErrorSoundID       string        `json:"error_sound_id,omitempty"`
	Reward             RewardSpec    `json:"reward"`
	RewardPolicy       RewardPolicy  `json:"reward_policy"`
	Timing             Timing        `json:"timing"`
	MaxTrials          int           `json:"max_trials,omitempty"`
	MaxSessionDuration time.Duration `json:"max_session_duration,omitempty"`
	MinReachableAgents int           `json:"min_reachable_agents"`
}

func (s TaskSpec) Agent(id string) (AgentSpec, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentSpec{}, false
}

func (s TaskSpec) AgentIDs() []string {
	out := make([]string, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, a.ID)
	}
	return out
}

func (s TaskSpec) Port(name string) (PortSpec, bool) {
	for _, p := range s.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}

func (s TaskSpec) PortFor(agentID string, ch Channel) (PortSpec, bool) {
	for _, p := range s.Ports {
		if p.AgentID == agentID && p.Channel == ch {
			return p, true
		}
	}
	return PortSpec{}, false
}

func (s TaskSpec) Sound(id string) (SoundSpec, bool) {
	for _, snd := range s.Sounds {
		if snd.ID == id {
			return snd, true
		}
	}
	return SoundSpec{}, false
}
