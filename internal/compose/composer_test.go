package compose

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octopilot/internal/config"
	"octopilot/internal/domain"
)

func fixture() (config.Box, config.Mouse, []config.Pi, config.Task) {
	box := config.Box{
		Name: "box1",
		ConnectedPis: []config.BoxPi{
			{Name: "rpi03", Orientation: "south"},
			{Name: "rpi01", Orientation: "north", LeftPortName: "p1", RightPortName: "p2"},
			{Name: "rpi04", Orientation: "West"},
			{Name: "rpi02", Orientation: "east"},
		},
	}
	mouse := config.Mouse{Name: "m1", RewardValue: 2}
	pis := []config.Pi{
		{Name: "rpi01", Box: "box1"},
		{Name: "rpi02", Box: "box1"},
		{Name: "rpi03", Box: "box1"},
		{Name: "rpi04", Box: "box1"},
	}
	task := config.Task{
		Name:             "sound_seek",
		RewardRadius:     1,
		RewardDurationMS: 40,
		Sounds: []config.TaskSound{
			{ID: "tone", Params: map[string]float64{"center_freq": 5000}},
			{ID: "chirp"},
			{ID: "noise"},
		},
		RewardSound: "tone",
		ErrorSound:  "noise",
		PortSounds:  map[string]string{"p2": "chirp"},
	}
	return box, mouse, pis, task
}

func TestComposeOrdersPortsAroundArena(t *testing.T) {
	box, mouse, pis, task := fixture()

	spec, err := Compose("arena-1", box, mouse, pis, task)
	require.NoError(t, err)

	require.Len(t, spec.Agents, 4)
	assert.Equal(t, []string{"rpi01", "rpi02", "rpi03", "rpi04"}, spec.AgentIDs())
	assert.Equal(t, domain.OrientationWest, spec.Agents[3].Orientation)

	names := make([]string, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"p1", "p2", "rpi02_L", "rpi02_R", "rpi03_L", "rpi03_R", "rpi04_L", "rpi04_R"}, names)

	p2, ok := spec.Port("p2")
	require.True(t, ok)
	assert.Equal(t, "chirp", p2.SoundID)
	assert.Equal(t, domain.ChannelRight, p2.Channel)
	left, ok := spec.PortFor("rpi03", domain.ChannelLeft)
	require.True(t, ok)
	assert.Equal(t, "tone", left.SoundID)

	assert.Equal(t, 80*time.Millisecond, spec.Reward.Duration)
	assert.Equal(t, "noise", spec.ErrorSoundID)
	assert.Equal(t, DefaultMinReachableAgents, spec.MinReachableAgents)
	assert.Equal(t, domain.Timing{
		PokeDebounce:          DefaultPokeDebounce,
		ResponseTimeout:       DefaultResponseTimeout,
		MinInterTrialInterval: DefaultMinInterTrial,
		FeedbackDuration:      DefaultFeedbackDuration,
	}, spec.Timing)
}

func TestComposeEveryPortResolves(t *testing.T) {
	box, mouse, pis, task := fixture()
	task.RewardedPorts = []string{"rpi02_R", "p1"}

	spec, err := Compose("arena-1", box, mouse, pis, task)
	require.NoError(t, err)

	for _, p := range spec.Ports {
		agent, ok := spec.Agent(p.AgentID)
		require.True(t, ok, "port %s", p.Name)
		want := agent.LeftPort
		if p.Channel == domain.ChannelRight {
			want = agent.RightPort
		}
		assert.Equal(t, want, p.Name)
		_, ok = spec.Sound(p.SoundID)
		assert.True(t, ok, "port %s sound %s", p.Name, p.SoundID)
	}
	for _, name := range spec.RewardPolicy.FixedPorts {
		_, ok := spec.Port(name)
		assert.True(t, ok, name)
	}
}

func TestComposeRejectsDuplicateOrientation(t *testing.T) {
	box, mouse, pis, task := fixture()
	box.ConnectedPis[2].Orientation = "north"

	spec, err := Compose("arena-1", box, mouse, pis, task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Empty(t, spec.Agents)
}

func TestComposeRejectsForeignPi(t *testing.T) {
	box, mouse, pis, task := fixture()
	pis[1].Box = "box9"

	_, err := Compose("arena-1", box, mouse, pis, task)
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, KindInvalidReference, cfgErr.Kind)
	assert.Equal(t, "pi.box", cfgErr.Field)
}

func TestComposeReportsEveryProblem(t *testing.T) {
	box, mouse, pis, task := fixture()
	pis = pis[:3]
	task.RewardSound = ""
	task.RewardedPorts = []string{"nowhere"}
	task.PokeDebounceMS = -5

	_, err := Compose("arena-1", box, mouse, pis, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), `no pi config for "rpi04"`)
	assert.Contains(t, err.Error(), `port "rpi02_L" has no reward sound`)
}

func TestComposeRequiresFourPis(t *testing.T) {
	box, mouse, pis, task := fixture()
	box.ConnectedPis = box.ConnectedPis[:3]
	pis = []config.Pi{pis[0], pis[2], pis[3]}

	_, err := Compose("arena-1", box, mouse, pis, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.NotErrorIs(t, err, ErrInvalidReference)
}

func TestComposeRejectsRewardThatRoundsToZero(t *testing.T) {
	box, mouse, pis, task := fixture()
	mouse.RewardValue = 1e-9

	_, err := Compose("arena-1", box, mouse, pis, task)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, KindConflict, cfgErr.Kind)
	assert.Equal(t, "mouse.reward_value", cfgErr.Field)

	mouse.RewardValue = 0.5
	spec, err := Compose("arena-1", box, mouse, pis, task)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, spec.Reward.Duration)
}

func TestComposeUndefinedSoundReference(t *testing.T) {
	box, mouse, pis, task := fixture()
	task.PortSounds["rpi04_L"] = "whistle"
	task.ErrorSound = "buzz"

	_, err := Compose("arena-1", box, mouse, pis, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrMissingField)
}
