package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"octopilot/internal/compose"
	"octopilot/internal/config"
	"octopilot/internal/dispatcher"
	"octopilot/internal/domain"
	"octopilot/internal/messaging/tcp"
	"octopilot/internal/policy"
	sqlitestore "octopilot/internal/store/sqlite"
)

var _ dispatcher.Journal = (*sqlitestore.Store)(nil)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every configured arena with the TCP transport and HTTP control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, v)
		},
	}
	cmd.Flags().String("http-addr", "", "http listen address override")
	cmd.Flags().String("listen-addr", "", "agent transport listen address override")
	cmd.Flags().String("db", "", "sqlite database path override")
	return cmd
}

func newComposeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "compose [arena-id]",
		Short: "Validate the parameter files of each arena and print the composed task specs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v.GetString("config"))
			if err != nil {
				return err
			}
			specs := make([]domain.TaskSpec, 0, len(cfg.Arenas))
			var errs []error
			for _, arena := range cfg.Arenas {
				if len(args) == 1 && arena.ID != args[0] {
					continue
				}
				spec, err := composeArena(cfg.ParamsDir, arena)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				specs = append(specs, spec)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(specs); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
}

func composeArena(paramsDir string, arena config.ArenaConfig) (domain.TaskSpec, error) {
	params, err := config.LoadArena(paramsDir, arena)
	if err != nil {
		return domain.TaskSpec{}, fmt.Errorf("arena %s: %w", arena.ID, err)
	}
	spec, err := compose.Compose(arena.ID, params.Box, params.Mouse, params.Pis, params.Task)
	if err != nil {
		return domain.TaskSpec{}, fmt.Errorf("arena %s: %w", arena.ID, err)
	}
	return spec, nil
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Arenas) == 0 {
		return fmt.Errorf("config %s defines no arenas", cfg.Path)
	}

	httpAddr := firstNonEmpty(v.GetString("http-addr"), cfg.Dispatcher.HTTPAddr, ":8091")
	listenAddr := firstNonEmpty(v.GetString("listen-addr"), cfg.Dispatcher.ListenAddr, ":7070")
	dbPath := filepath.Clean(firstNonEmpty(v.GetString("db"), cfg.Dispatcher.DBPath, "data/octopilot.db"))

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	transport := tcp.NewServer(listenAddr, 256, log.Default())
	d := dispatcher.New(transport, store, policy.New(0), dispatcher.Config{
		TickInterval:      durationMS(cfg.Dispatcher.TickIntervalMS, 10*time.Millisecond),
		HeartbeatInterval: durationMS(cfg.Dispatcher.HeartbeatIntervalMS, time.Second),
		DegradedAfter:     durationMS(cfg.Dispatcher.DegradedAfterMS, 3*time.Second),
		LostAfter:         durationMS(cfg.Dispatcher.LostAfterMS, 5*time.Second),
		AckTimeout:        durationMS(cfg.Dispatcher.AckTimeoutMS, 500*time.Millisecond),
		MaxRetries:        cfg.Dispatcher.MaxRetries,
	}, log.Default())

	for _, arena := range cfg.Arenas {
		spec, err := composeArena(cfg.ParamsDir, arena)
		if err != nil {
			return err
		}
		if _, err := d.AddArena(spec); err != nil {
			return err
		}
	}

	a := &app{cfg: cfg, dispatcher: d, store: store}
	server := &http.Server{
		Addr:              httpAddr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transport.Serve(ctx) })
	g.Go(func() error { return d.Run(ctx) })
	g.Go(func() error {
		return config.WatchParams(ctx, cfg.ParamsDir, log.Default(), func(config.ParamChange) {
			reloadIdleArenas(ctx, cfg, d)
		})
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	log.Printf("octopilot dispatcher started http=%s transport=%s db=%s params=%s arenas=%d",
		httpAddr, listenAddr, dbPath, cfg.ParamsDir, len(cfg.Arenas))
	return g.Wait()
}

// reloadIdleArenas recomposes every arena after a parameter file changed.
// Arenas with a session in progress keep their spec.
func reloadIdleArenas(ctx context.Context, cfg config.Config, d *dispatcher.Dispatcher) {
	for _, arenaCfg := range cfg.Arenas {
		arena, err := d.Arena(arenaCfg.ID)
		if err != nil {
			continue
		}
		spec, err := composeArena(cfg.ParamsDir, arenaCfg)
		if err != nil {
			log.Printf("arena=%s recompose rejected: %v", arenaCfg.ID, err)
			continue
		}
		switch err := arena.ReplaceSpec(ctx, spec); {
		case errors.Is(err, dispatcher.ErrSessionActive):
			log.Printf("arena=%s session active, keeping current spec", arenaCfg.ID)
		case err != nil:
			log.Printf("arena=%s replace spec failed: %v", arenaCfg.ID, err)
		}
	}
}
