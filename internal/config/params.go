package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Parameter kinds map to subdirectories of the params directory.
const (
	KindBox   = "box"
	KindMouse = "mouse"
	KindPi    = "pi"
	KindTask  = "task"
)

var ErrParamsNotFound = errors.New("parameter file not found")

var paramExtensions = []string{".toml", ".yaml", ".yml", ".json"}

type Box struct {
	Name           string  `toml:"name" yaml:"name" json:"name"`
	DispatcherAddr string  `toml:"dispatcher_addr" yaml:"dispatcher_addr" json:"dispatcher_addr"`
	ConnectedPis   []BoxPi `toml:"connected_pis" yaml:"connected_pis" json:"connected_pis"`
}

type BoxPi struct {
	Name              string  `toml:"name" yaml:"name" json:"name"`
	Address           string  `toml:"address" yaml:"address" json:"address"`
	Orientation       string  `toml:"orientation" yaml:"orientation" json:"orientation"`
	LeftPortName      string  `toml:"left_port_name" yaml:"left_port_name" json:"left_port_name"`
	RightPortName     string  `toml:"right_port_name" yaml:"right_port_name" json:"right_port_name"`
	LeftPortPosition  float64 `toml:"left_port_position" yaml:"left_port_position" json:"left_port_position"`
	RightPortPosition float64 `toml:"right_port_position" yaml:"right_port_position" json:"right_port_position"`
}

type Mouse struct {
	Name string `toml:"name" yaml:"name" json:"name"`
	// RewardValue scales the task's base reward duration; zero means 1.
	RewardValue float64 `toml:"reward_value" yaml:"reward_value" json:"reward_value"`
}

type Pi struct {
	Name             string `toml:"name" yaml:"name" json:"name"`
	Box              string `toml:"box" yaml:"box" json:"box"`
	NosepokeType     string `toml:"nosepoke_type" yaml:"nosepoke_type" json:"nosepoke_type"`
	LeftNosepokePin  int    `toml:"left_nosepoke" yaml:"left_nosepoke" json:"left_nosepoke"`
	RightNosepokePin int    `toml:"right_nosepoke" yaml:"right_nosepoke" json:"right_nosepoke"`
	LeftSolenoidPin  int    `toml:"left_solenoid" yaml:"left_solenoid" json:"left_solenoid"`
	RightSolenoidPin int    `toml:"right_solenoid" yaml:"right_solenoid" json:"right_solenoid"`
}

type Task struct {
	Name               string            `toml:"name" yaml:"name" json:"name"`
	RewardRadius       int               `toml:"reward_radius" yaml:"reward_radius" json:"reward_radius"`
	RewardedPorts      []string          `toml:"rewarded_ports" yaml:"rewarded_ports" json:"rewarded_ports"`
	RewardDurationMS   int               `toml:"reward_duration_ms" yaml:"reward_duration_ms" json:"reward_duration_ms"`
	Sounds             []TaskSound       `toml:"sounds" yaml:"sounds" json:"sounds"`
	RewardSound        string            `toml:"reward_sound" yaml:"reward_sound" json:"reward_sound"`
	ErrorSound         string            `toml:"error_sound" yaml:"error_sound" json:"error_sound"`
	PortSounds         map[string]string `toml:"port_sounds" yaml:"port_sounds" json:"port_sounds"`
	PokeDebounceMS     int               `toml:"poke_debounce_ms" yaml:"poke_debounce_ms" json:"poke_debounce_ms"`
	ResponseTimeoutMS  int               `toml:"response_timeout_ms" yaml:"response_timeout_ms" json:"response_timeout_ms"`
	MinITIMS           int               `toml:"min_iti_ms" yaml:"min_iti_ms" json:"min_iti_ms"`
	FeedbackDurationMS int               `toml:"feedback_duration_ms" yaml:"feedback_duration_ms" json:"feedback_duration_ms"`
	MaxTrials          int               `toml:"max_trials" yaml:"max_trials" json:"max_trials"`
	MaxSessionSeconds  int               `toml:"max_session_seconds" yaml:"max_session_seconds" json:"max_session_seconds"`
	MinReachableAgents int               `toml:"min_reachable_agents" yaml:"min_reachable_agents" json:"min_reachable_agents"`
}

type TaskSound struct {
	ID     string             `toml:"id" yaml:"id" json:"id"`
	Params map[string]float64 `toml:"params" yaml:"params" json:"params"`
}

func LoadBox(dir, name string) (Box, error) {
	var box Box
	if err := loadParams(dir, KindBox, name, &box); err != nil {
		return Box{}, err
	}
	if box.Name == "" {
		box.Name = name
	}
	return box, nil
}

func LoadMouse(dir, name string) (Mouse, error) {
	var mouse Mouse
	if err := loadParams(dir, KindMouse, name, &mouse); err != nil {
		return Mouse{}, err
	}
	if mouse.Name == "" {
		mouse.Name = name
	}
	return mouse, nil
}

func LoadPi(dir, name string) (Pi, error) {
	var pi Pi
	if err := loadParams(dir, KindPi, name, &pi); err != nil {
		return Pi{}, err
	}
	if pi.Name == "" {
		pi.Name = name
	}
	return pi, nil
}

func LoadTask(dir, name string) (Task, error) {
	var task Task
	if err := loadParams(dir, KindTask, name, &task); err != nil {
		return Task{}, err
	}
	if task.Name == "" {
		task.Name = name
	}
	return task, nil
}

// ArenaParams bundles the parsed inputs of one arena's composition.
type ArenaParams struct {
	Box   Box
	Mouse Mouse
	Pis   []Pi
	Task  Task
}

// LoadArena reads the box, mouse and task files named by arena plus one pi
// file for every pi the box lists.
func LoadArena(dir string, arena ArenaConfig) (ArenaParams, error) {
	box, err := LoadBox(dir, arena.Box)
	if err != nil {
		return ArenaParams{}, err
	}
	mouse, err := LoadMouse(dir, arena.Mouse)
	if err != nil {
		return ArenaParams{}, err
	}
	task, err := LoadTask(dir, arena.Task)
	if err != nil {
		return ArenaParams{}, err
	}
	pis := make([]Pi, 0, len(box.ConnectedPis))
	for _, bp := range box.ConnectedPis {
		pi, err := LoadPi(dir, bp.Name)
		if err != nil {
			return ArenaParams{}, err
		}
		pis = append(pis, pi)
	}
	return ArenaParams{Box: box, Mouse: mouse, Pis: pis, Task: task}, nil
}

func loadParams(dir, kind, name string, v any) error {
	if name == "" {
		return fmt.Errorf("load %s params: name is empty", kind)
	}
	for _, ext := range paramExtensions {
		path := filepath.Join(dir, kind, name+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("read %s params %s: %w", kind, path, err)
		}
		switch ext {
		case ".toml":
			if _, err := toml.Decode(string(data), v); err != nil {
				return fmt.Errorf("decode %s params %s: %w", kind, path, err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, v); err != nil {
				return fmt.Errorf("decode %s params %s: %w", kind, path, err)
			}
		case ".json":
			if err := json.Unmarshal(data, v); err != nil {
				return fmt.Errorf("decode %s params %s: %w", kind, path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s/%s", ErrParamsNotFound, kind, name)
}
