package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeParam(t *testing.T, dir, kind, file, content string) {
	t.Helper()
	sub := filepath.Join(dir, kind)
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, file), []byte(content), 0o644))
}

func TestLoadArenaMixedFormats(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeParam(t, dir, KindBox, "box1.toml", `
dispatcher_addr = "192.168.0.10:5555"

[[connected_pis]]
name = "rpi01"
orientation = "north"
left_port_position = 315
right_port_position = 45

[[connected_pis]]
name = "rpi02"
orientation = "east"
`)
	writeParam(t, dir, KindMouse, "m1.yaml", "reward_value: 0.5\n")
	writeParam(t, dir, KindTask, "poketrain.json", `{"reward_radius": 1, "reward_sound": "tone", "sounds": [{"id": "tone", "params": {"center_freq": 5000}}]}`)
	writeParam(t, dir, KindPi, "rpi01.toml", "box = \"box1\"\nleft_nosepoke = 8\n")
	writeParam(t, dir, KindPi, "rpi02.yml", "box: box1\n")

	params, err := LoadArena(dir, ArenaConfig{ID: "arena1", Box: "box1", Mouse: "m1", Task: "poketrain"})
	require.NoError(t, err)

	assert.Equal(t, "box1", params.Box.Name)
	require.Len(t, params.Box.ConnectedPis, 2)
	assert.Equal(t, 315.0, params.Box.ConnectedPis[0].LeftPortPosition)
	assert.Equal(t, "m1", params.Mouse.Name)
	assert.Equal(t, 0.5, params.Mouse.RewardValue)
	assert.Equal(t, "poketrain", params.Task.Name)
	assert.Equal(t, 5000.0, params.Task.Sounds[0].Params["center_freq"])
	require.Len(t, params.Pis, 2)
	assert.Equal(t, 8, params.Pis[0].LeftNosepokePin)
	assert.Equal(t, "rpi02", params.Pis[1].Name)
	assert.Equal(t, "box1", params.Pis[1].Box)
}

func TestLoadParamsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadMouse(t.TempDir(), "ghost")
	require.ErrorIs(t, err, ErrParamsNotFound)
}

func TestLoadParamsDecodeError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeParam(t, dir, KindTask, "broken.json", `{"reward_radius": `)
	_, err := LoadTask(dir, "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrParamsNotFound)
}

func TestClassifyParamPath(t *testing.T) {
	t.Parallel()

	change, ok := classifyParamPath(filepath.Join("/etc/octopilot/params", "task", "poketrain.toml"))
	require.True(t, ok)
	assert.Equal(t, ParamChange{Kind: KindTask, Name: "poketrain", Path: "/etc/octopilot/params/task/poketrain.toml"}, change)

	_, ok = classifyParamPath("/etc/octopilot/params/task/.poketrain.toml.swp")
	assert.False(t, ok)
	_, ok = classifyParamPath("/etc/octopilot/params/other/x.toml")
	assert.False(t, ok)
}

func TestLoadRuntimeConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
params_dir = "params"

[dispatcher]
listen_addr = ":5555"
heartbeat_interval_ms = 250

[[arenas]]
id = "arena1"
box = "box1"
mouse = "m1"
task = "poketrain"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "params"), cfg.ParamsDir)
	assert.Equal(t, ":5555", cfg.Dispatcher.ListenAddr)
	assert.Equal(t, 250, cfg.Dispatcher.HeartbeatIntervalMS)
	require.Len(t, cfg.Arenas, 1)
	assert.Equal(t, "poketrain", cfg.Arenas[0].Task)
	assert.Contains(t, cfg.Raw, "dispatcher")
}
