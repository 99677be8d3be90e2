package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rmtree/internal/api"
	"rmtree/internal/api/auth"
	"rmtree/internal/config"
	"rmtree/internal/database"
	"rmtree/internal/disk"
	"rmtree/internal/metrics"
	"rmtree/internal/scheduler"
)

const (
	healthInterval     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second
	tokenTTL           = 24 * time.Hour
)

type runOptions struct {
	once   bool
	dryRun bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep configured targets on a schedule",
		Long: `Run the rmtree daemon.

Every interval_minutes the daemon removes each configured target (or, with
keep_root, everything inside it). A sweep can also be requested with
POST /trigger on the metrics port or POST /api/v1/sweep on the API.

The config file is watched and reloaded on change. Invalid edits are logged
and ignored.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, g, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "Sweep once and exit")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Report what would be removed without deleting anything")
	return cmd
}

func runDaemon(cmd *cobra.Command, g *globalOptions, opts *runOptions) error {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireTargets(); err != nil {
		return err
	}

	logger, closer, err := g.logger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Info().
		Str("version", version).
		Str("config", g.configPath).
		Int("targets", len(cfg.Targets)).
		Bool("dry_run", opts.dryRun || cfg.DryRun).
		Msg("rmtree starting")

	metrics.Init()

	sweeperOpts := []scheduler.Option{scheduler.WithDryRun(opts.dryRun)}
	var history *database.HistoryDB
	if cfg.DatabasePath != "" {
		history, err = database.NewHistoryDB(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() {
			if err := history.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close history database")
			}
		}()
		sweeperOpts = append(sweeperOpts, scheduler.WithHistory(history))
	}

	sweeper := scheduler.New(cfg, logger, sweeperOpts...)
	ctx := cmd.Context()

	if opts.once {
		sum := sweeper.Sweep(ctx, scheduler.TriggerCLI)
		if !sum.OK {
			return errPartial
		}
		return nil
	}

	return serve(ctx, g, cfg, sweeper, history, logger)
}

// serve runs the scheduler with its metrics server, API and config watcher until ctx is done.
func serve(ctx context.Context, g *globalOptions, cfg *config.Config, sweeper *scheduler.Sweeper, history *database.HistoryDB, logger zerolog.Logger) error {
	hc := metrics.NewHealthChecker(healthInterval)
	if history != nil {
		hc.RegisterComponent("history", history.Ping, healthCheckTimeout)
	}
	hc.RegisterComponent("targets", func(context.Context) error {
		return checkTargets(sweeper.Config())
	}, healthCheckTimeout)
	metrics.SetHealthChecker(hc)
	hc.Start()
	defer hc.Stop()

	if err := metrics.StartServer(cfg.PrometheusAddress(), logger); err != nil {
		return err
	}
	defer metrics.Shutdown(context.WithoutCancel(ctx), logger)

	if cfg.API.JWTSecretFile != "" {
		srv, err := newAPIServer(cfg, sweeper, history, logger)
		if err != nil {
			return err
		}
		if err := srv.Start(cfg.APIAddress()); err != nil {
			return err
		}
		defer func() {
			if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error().Err(err).Msg("api shutdown failed")
			}
		}()
	} else {
		logger.Info().Msg("api disabled: api.jwt_secret_file not set")
	}

	triggers := make(chan string, 1)
	metrics.SetTriggerChannel(triggers)
	defer metrics.SetTriggerChannel(nil)

	group, gctx := errgroup.WithContext(ctx)

	if watcher, err := config.NewWatcher(g.configPath, logger); err != nil {
		logger.Warn().Err(err).Str("config", g.configPath).Msg("config reload disabled")
	} else {
		defer watcher.Close()
		watcher.OnChange(sweeper.SetConfig)
		group.Go(func() error { return watcher.Run(gctx) })
	}

	group.Go(func() error { return sweeper.Run(gctx, triggers) })

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("rmtree stopped")
	return nil
}

func newAPIServer(cfg *config.Config, sweeper *scheduler.Sweeper, history *database.HistoryDB, logger zerolog.Logger) (*api.Server, error) {
	secret, err := auth.LoadSecret(cfg.API.JWTSecretFile)
	if err != nil {
		return nil, err
	}
	jwtManager, err := auth.NewJWTManager(secret, tokenTTL)
	if err != nil {
		return nil, err
	}
	deps := api.Deps{
		Remover: sweeper,
		Config:  sweeper.Config,
		JWT:     jwtManager,
	}
	if history != nil {
		deps.History = history
	}
	return api.New(cfg.API, deps, logger)
}

// checkTargets fails when any target sits on a stale mount.
func checkTargets(cfg *config.Config) error {
	for _, t := range cfg.Targets {
		if disk.IsStale(t.Path, cfg.StaleTimeout()) {
			return fmt.Errorf("target %s: stale mount", t.Path)
		}
	}
	return nil
}
