package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"octopilot/internal/agent"
	"octopilot/internal/config"
	"octopilot/internal/hardware"
	"octopilot/internal/messaging/tcp"
)

const goodbyeFlush = 200 * time.Millisecond

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("OCTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:          "octopilot-agent",
		Short:        "Run one Pi agent against the dispatcher using the simulated hardware backend",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			opts, err := resolveOptions(v)
			if err != nil {
				return err
			}
			return run(ctx, opts)
		},
	}
	cmd.Flags().String("config", "", "path to config.toml (default: ~/.octopilot/config.toml)")
	cmd.Flags().String("name", "", "agent id, the pi name in the box parameters")
	cmd.Flags().String("arena", "", "arena id")
	cmd.Flags().String("dispatcher-addr", "", "dispatcher transport address")
	cmd.Flags().Float64("autopoke-rate", 0, "simulated pokes per second on armed ports (0 disables)")
	return cmd
}

type options struct {
	agent          agent.Config
	dispatcherAddr string
	autopokeRate   float64
}

// resolveOptions layers flags and OCTOPILOT_* variables over the [agent]
// table of the config file. A missing config file is fine when flags supply
// everything.
func resolveOptions(v *viper.Viper) (options, error) {
	var file config.AgentRuntimeConfig
	if cfg, err := config.Load(v.GetString("config")); err == nil {
		file = cfg.Agent
	} else if v.GetString("config") != "" {
		return options{}, fmt.Errorf("load config: %w", err)
	}

	opts := options{
		agent: agent.Config{
			ArenaID:             firstNonEmpty(v.GetString("arena"), file.Arena),
			AgentID:             firstNonEmpty(v.GetString("name"), file.Name),
			HeartbeatInterval:   durationMS(file.HeartbeatIntervalMS, time.Second),
			DispatcherLostAfter: durationMS(file.DispatcherLostAfterMS, 0),
			QueueSize:           file.QueueSize,
		},
		dispatcherAddr: firstNonEmpty(v.GetString("dispatcher-addr"), file.DispatcherAddr, "127.0.0.1:7070"),
		autopokeRate:   file.AutopokeRate,
	}
	if v.IsSet("autopoke-rate") {
		opts.autopokeRate = v.GetFloat64("autopoke-rate")
	}
	if opts.agent.AgentID == "" {
		return options{}, fmt.Errorf("agent name is required (--name or OCTOPILOT_NAME)")
	}
	if opts.agent.ArenaID == "" {
		return options{}, fmt.Errorf("arena id is required (--arena or OCTOPILOT_ARENA)")
	}
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	client := tcp.NewClient(opts.dispatcherAddr, 256, log.Default())
	sim := hardware.NewSim(hardware.SimConfig{
		AgentID:      opts.agent.AgentID,
		AutopokeRate: opts.autopokeRate,
	})
	defer func() {
		_ = sim.Close()
	}()
	rt := agent.New(opts.agent, client, sim, log.Default())
	client.OnConnect(rt.Hello)

	// The transport outlives the runtime so the goodbye can still go out.
	clientCtx, stopClient := context.WithCancel(context.Background())
	defer stopClient()
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(clientCtx) }()

	log.Printf("octopilot agent=%s arena=%s dispatcher=%s autopoke=%.2f/s",
		opts.agent.AgentID, opts.agent.ArenaID, opts.dispatcherAddr, opts.autopokeRate)
	err := rt.Run(ctx)

	time.Sleep(goodbyeFlush)
	stopClient()
	if cerr := <-clientDone; err == nil {
		err = cerr
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
