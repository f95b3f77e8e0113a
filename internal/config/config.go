package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ParamsDir  string                  `toml:"params_dir"`
	Dispatcher DispatcherRuntimeConfig `toml:"dispatcher"`
	Agent      AgentRuntimeConfig      `toml:"agent"`
	Arenas     []ArenaConfig           `toml:"arenas"`
	Raw        map[string]any          `toml:"-"`
	Path       string                  `toml:"-"`
}

type DispatcherRuntimeConfig struct {
	HTTPAddr            string `toml:"http_addr"`
	ListenAddr          string `toml:"listen_addr"`
	DBPath              string `toml:"db_path"`
	TickIntervalMS      int    `toml:"tick_interval_ms"`
	HeartbeatIntervalMS int    `toml:"heartbeat_interval_ms"`
	DegradedAfterMS     int    `toml:"degraded_after_ms"`
	LostAfterMS         int    `toml:"lost_after_ms"`
	AckTimeoutMS        int    `toml:"ack_timeout_ms"`
	MaxRetries          int    `toml:"max_retries"`
}

type AgentRuntimeConfig struct {
	Name                  string  `toml:"name"`
	Arena                 string  `toml:"arena"`
	DispatcherAddr        string  `toml:"dispatcher_addr"`
	HeartbeatIntervalMS   int     `toml:"heartbeat_interval_ms"`
	DispatcherLostAfterMS int     `toml:"dispatcher_lost_after_ms"`
	QueueSize             int     `toml:"queue_size"`
	AutopokeRate          float64 `toml:"autopoke_rate"`
}

// ArenaConfig names the parameter files that compose one arena's TaskSpec.
type ArenaConfig struct {
	ID    string `toml:"id"`
	Box   string `toml:"box"`
	Mouse string `toml:"mouse"`
	Task  string `toml:"task"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	if cfg.ParamsDir == "" {
		cfg.ParamsDir = filepath.Join(filepath.Dir(resolved), "params")
	} else if !filepath.IsAbs(cfg.ParamsDir) && !strings.HasPrefix(cfg.ParamsDir, "~") {
		cfg.ParamsDir = filepath.Join(filepath.Dir(resolved), cfg.ParamsDir)
	}
	cfg.ParamsDir, err = expandHome(cfg.ParamsDir)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expandHome(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(p, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		p = filepath.Join(home, trimmed)
	}
	return filepath.Clean(p), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".octopilot/config.toml"
	}
	return filepath.Join(home, ".octopilot", "config.toml")
}
