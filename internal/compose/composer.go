// Package compose merges box, mouse, pi and task parameters into the single
// TaskSpec an arena runs a session with.
package compose

import (
	"strings"
	"time"

	"octopilot/internal/config"
	"octopilot/internal/domain"
)

// ArenaSize is the number of agents, one per orientation slot, an arena needs.
const ArenaSize = 4

const (
	DefaultPokeDebounce       = 50 * time.Millisecond
	DefaultResponseTimeout    = 5 * time.Second
	DefaultMinInterTrial      = 1 * time.Second
	DefaultFeedbackDuration   = 500 * time.Millisecond
	DefaultRewardDuration     = 50 * time.Millisecond
	DefaultMinReachableAgents = 3
)

// Compose validates the inputs as a whole and returns the TaskSpec for
// arenaID. Any problem yields a zero TaskSpec and an error joining every
// *ConfigError found.
func Compose(arenaID string, box config.Box, mouse config.Mouse, pis []config.Pi, task config.Task) (domain.TaskSpec, error) {
	var errs problems

	if strings.TrimSpace(arenaID) == "" {
		errs.add(KindMissingField, "arena.id", "arena id is empty")
	}
	if strings.TrimSpace(box.Name) == "" {
		errs.add(KindMissingField, "box.name", "box name is empty")
	}
	if strings.TrimSpace(mouse.Name) == "" {
		errs.add(KindMissingField, "mouse.name", "mouse name is empty")
	}
	if strings.TrimSpace(task.Name) == "" {
		errs.add(KindMissingField, "task.name", "task name is empty")
	}

	agents, ports := composeAgents(box, &errs)
	checkPis(box, pis, &errs)
	sounds := composeSounds(task, &errs)
	assignPortSounds(task, ports, sounds, &errs)
	policy := composeRewardPolicy(task, ports, &errs)
	reward := composeReward(task, mouse, &errs)
	timing := composeTiming(task, &errs)

	quorum := task.MinReachableAgents
	switch {
	case quorum == 0:
		quorum = DefaultMinReachableAgents
	case quorum < 0 || quorum > ArenaSize:
		errs.add(KindConflict, "task.min_reachable_agents", "must be between 1 and %d, got %d", ArenaSize, quorum)
	}
	if task.MaxTrials < 0 {
		errs.add(KindConflict, "task.max_trials", "must not be negative")
	}
	if task.MaxSessionSeconds < 0 {
		errs.add(KindConflict, "task.max_session_seconds", "must not be negative")
	}

	if err := errs.err(); err != nil {
		return domain.TaskSpec{}, err
	}

	spec := domain.TaskSpec{
		ArenaID:            arenaID,
		BoxName:            box.Name,
		MouseName:          mouse.Name,
		TaskName:           task.Name,
		Agents:             agents,
		Ports:              ports,
		Sounds:             sounds,
		ErrorSoundID:       task.ErrorSound,
		Reward:             reward,
		RewardPolicy:       policy,
		Timing:             timing,
		MaxTrials:          task.MaxTrials,
		MaxSessionDuration: time.Duration(task.MaxSessionSeconds) * time.Second,
		MinReachableAgents: quorum,
	}
	return spec, nil
}

// composeAgents orders agents by orientation slot so that the resulting port
// list (left then right of each agent) follows the arena circumference.
func composeAgents(box config.Box, errs *problems) ([]domain.AgentSpec, []domain.PortSpec) {
	switch {
	case len(box.ConnectedPis) < ArenaSize:
		errs.add(KindMissingField, "box.connected_pis", "box %q lists %d pis, an arena needs %d", box.Name, len(box.ConnectedPis), ArenaSize)
	case len(box.ConnectedPis) > ArenaSize:
		errs.add(KindConflict, "box.connected_pis", "box %q lists %d pis, an arena holds %d", box.Name, len(box.ConnectedPis), ArenaSize)
	}

	bySlot := make(map[domain.Orientation]config.BoxPi, ArenaSize)
	seenAgent := make(map[string]bool, len(box.ConnectedPis))
	seenPort := make(map[string]string, 2*len(box.ConnectedPis))
	for i, bp := range box.ConnectedPis {
		if strings.TrimSpace(bp.Name) == "" {
			errs.add(KindMissingField, "box.connected_pis.name", "pi #%d has no name", i)
			continue
		}
		if seenAgent[bp.Name] {
			errs.add(KindConflict, "box.connected_pis.name", "pi %q listed twice", bp.Name)
			continue
		}
		seenAgent[bp.Name] = true

		slot := domain.Orientation(strings.ToLower(strings.TrimSpace(bp.Orientation)))
		if !validOrientation(slot) {
			if bp.Orientation == "" {
				errs.add(KindMissingField, "box.connected_pis.orientation", "pi %q has no orientation", bp.Name)
			} else {
				errs.add(KindInvalidReference, "box.connected_pis.orientation", "pi %q has unknown orientation %q", bp.Name, bp.Orientation)
			}
			continue
		}
		if other, taken := bySlot[slot]; taken {
			errs.add(KindConflict, "box.connected_pis.orientation", "pis %q and %q both occupy %s", other.Name, bp.Name, slot)
			continue
		}
		if bp.LeftPortName == "" {
			bp.LeftPortName = bp.Name + "_L"
		}
		if bp.RightPortName == "" {
			bp.RightPortName = bp.Name + "_R"
		}
		for _, port := range []string{bp.LeftPortName, bp.RightPortName} {
			if owner, dup := seenPort[port]; dup {
				errs.add(KindConflict, "box.connected_pis.port_name", "port %q used by %q and %q", port, owner, bp.Name)
			}
			seenPort[port] = bp.Name
		}
		bySlot[slot] = bp
	}

	agents := make([]domain.AgentSpec, 0, ArenaSize)
	ports := make([]domain.PortSpec, 0, 2*ArenaSize)
	for _, slot := range domain.Orientations {
		bp, ok := bySlot[slot]
		if !ok {
			continue
		}
		agents = append(agents, domain.AgentSpec{
			ID:          bp.Name,
			Orientation: slot,
			Address:     bp.Address,
			LeftPort:    bp.LeftPortName,
			RightPort:   bp.RightPortName,
		})
		ports = append(ports,
			domain.PortSpec{Name: bp.LeftPortName, AgentID: bp.Name, Channel: domain.ChannelLeft, Position: bp.LeftPortPosition},
			domain.PortSpec{Name: bp.RightPortName, AgentID: bp.Name, Channel: domain.ChannelRight, Position: bp.RightPortPosition},
		)
	}
	return agents, ports
}

func validOrientation(o domain.Orientation) bool {
	for _, known := range domain.Orientations {
		if o == known {
			return true
		}
	}
	return false
}

func checkPis(box config.Box, pis []config.Pi, errs *problems) {
	byName := make(map[string]config.Pi, len(pis))
	for _, pi := range pis {
		if strings.TrimSpace(pi.Name) == "" {
			errs.add(KindMissingField, "pi.name", "pi config has no name")
			continue
		}
		if _, dup := byName[pi.Name]; dup {
			errs.add(KindConflict, "pi.name", "pi config %q given twice", pi.Name)
			continue
		}
		byName[pi.Name] = pi
	}

	inBox := make(map[string]bool, len(box.ConnectedPis))
	for _, bp := range box.ConnectedPis {
		if bp.Name == "" {
			continue
		}
		inBox[bp.Name] = true
		pi, ok := byName[bp.Name]
		if !ok {
			errs.add(KindMissingField, "pi", "no pi config for %q", bp.Name)
			continue
		}
		switch {
		case pi.Box == "":
			errs.add(KindMissingField, "pi.box", "pi %q does not name its box", pi.Name)
		case pi.Box != box.Name:
			errs.add(KindInvalidReference, "pi.box", "pi %q belongs to box %q, not %q", pi.Name, pi.Box, box.Name)
		}
	}
	for name := range byName {
		if !inBox[name] {
			errs.add(KindInvalidReference, "pi.name", "pi %q is not connected to box %q", name, box.Name)
		}
	}
}

func composeSounds(task config.Task, errs *problems) []domain.SoundSpec {
	sounds := make([]domain.SoundSpec, 0, len(task.Sounds))
	seen := make(map[string]bool, len(task.Sounds))
	for i, s := range task.Sounds {
		if strings.TrimSpace(s.ID) == "" {
			errs.add(KindMissingField, "task.sounds.id", "sound #%d has no id", i)
			continue
		}
		if seen[s.ID] {
			errs.add(KindConflict, "task.sounds.id", "sound %q defined twice", s.ID)
			continue
		}
		seen[s.ID] = true
		params := make(map[string]float64, len(s.Params))
		for k, v := range s.Params {
			params[k] = v
		}
		sounds = append(sounds, domain.SoundSpec{ID: s.ID, Params: params})
	}
	if task.ErrorSound != "" && !seen[task.ErrorSound] {
		errs.add(KindInvalidReference, "task.error_sound", "sound %q is not defined", task.ErrorSound)
	}
	return sounds
}

// assignPortSounds resolves each port's reward sound: the per-port override
// when present, otherwise the task's reward sound.
func assignPortSounds(task config.Task, ports []domain.PortSpec, sounds []domain.SoundSpec, errs *problems) {
	known := make(map[string]bool, len(sounds))
	for _, s := range sounds {
		known[s.ID] = true
	}
	portIdx := make(map[string]int, len(ports))
	for i, p := range ports {
		portIdx[p.Name] = i
	}

	if task.RewardSound != "" && !known[task.RewardSound] {
		errs.add(KindInvalidReference, "task.reward_sound", "sound %q is not defined", task.RewardSound)
	}
	for port, sound := range task.PortSounds {
		if _, ok := portIdx[port]; !ok {
			errs.add(KindInvalidReference, "task.port_sounds", "port %q is not in the box", port)
			continue
		}
		if !known[sound] {
			errs.add(KindInvalidReference, "task.port_sounds", "port %q maps to undefined sound %q", port, sound)
		}
	}

	for i := range ports {
		sound, ok := task.PortSounds[ports[i].Name]
		if !ok {
			sound = task.RewardSound
		}
		if sound == "" {
			errs.add(KindMissingField, "task.reward_sound", "port %q has no reward sound", ports[i].Name)
			continue
		}
		ports[i].SoundID = sound
	}
}

func composeRewardPolicy(task config.Task, ports []domain.PortSpec, errs *problems) domain.RewardPolicy {
	if task.RewardRadius < 0 {
		errs.add(KindConflict, "task.reward_radius", "must not be negative")
	}
	known := make(map[string]bool, len(ports))
	for _, p := range ports {
		known[p.Name] = true
	}
	fixed := make([]string, 0, len(task.RewardedPorts))
	seen := make(map[string]bool, len(task.RewardedPorts))
	for _, name := range task.RewardedPorts {
		if !known[name] {
			errs.add(KindInvalidReference, "task.rewarded_ports", "port %q is not in the box", name)
			continue
		}
		if seen[name] {
			errs.add(KindConflict, "task.rewarded_ports", "port %q listed twice", name)
			continue
		}
		seen[name] = true
		fixed = append(fixed, name)
	}
	return domain.RewardPolicy{FixedPorts: fixed, Radius: task.RewardRadius}
}

func composeReward(task config.Task, mouse config.Mouse, errs *problems) domain.RewardSpec {
	base := DefaultRewardDuration
	switch {
	case task.RewardDurationMS < 0:
		errs.add(KindConflict, "task.reward_duration_ms", "must not be negative")
	case task.RewardDurationMS > 0:
		base = time.Duration(task.RewardDurationMS) * time.Millisecond
	}
	value := mouse.RewardValue
	switch {
	case value < 0:
		errs.add(KindConflict, "mouse.reward_value", "must not be negative")
		return domain.RewardSpec{}
	case value == 0:
		value = 1
	}
	d := time.Duration(float64(base) * value)
	if d <= 0 {
		errs.add(KindConflict, "mouse.reward_value", "reward value %g scales a %s reward to nothing", value, base)
	}
	return domain.RewardSpec{Duration: d, Value: value}
}

func composeTiming(task config.Task, errs *problems) domain.Timing {
	return domain.Timing{
		PokeDebounce:          msOrDefault(task.PokeDebounceMS, DefaultPokeDebounce, "task.poke_debounce_ms", errs),
		ResponseTimeout:       msOrDefault(task.ResponseTimeoutMS, DefaultResponseTimeout, "task.response_timeout_ms", errs),
		MinInterTrialInterval: msOrDefault(task.MinITIMS, DefaultMinInterTrial, "task.min_iti_ms", errs),
		FeedbackDuration:      msOrDefault(task.FeedbackDurationMS, DefaultFeedbackDuration, "task.feedback_duration_ms", errs),
	}
}

func msOrDefault(v int, def time.Duration, field string, errs *problems) time.Duration {
	switch {
	case v < 0:
		errs.add(KindConflict, field, "must not be negative")
		return 0
	case v == 0:
		return def
	default:
		return time.Duration(v) * time.Millisecond
	}
}
