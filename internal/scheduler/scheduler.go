package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rmtree/internal/config"
	"rmtree/internal/disk"
	"rmtree/internal/fsops"
	"rmtree/internal/limiter"
	"rmtree/internal/metrics"
	"rmtree/internal/remover"
	"rmtree/internal/safety"
)

// Triggers label where a run came from in history and metrics.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
)

// Skip reasons
const (
	SkipStale = "stale"
)

var (
	ErrRefused       = errors.New("target refused")
	ErrInvalidTarget = errors.New("invalid target")
)

// History stores finished runs.
type History interface {
	RecordResult(ctx context.Context, trigger string, keepRoot bool, res remover.Result) (int64, error)
}

// Prober inspects a target's filesystem before and after a run.
type Prober interface {
	IsStale(path string, timeout time.Duration) bool
	FreeBytes(path string) (uint64, error)
}

type diskProber struct{}

func (diskProber) IsStale(path string, timeout time.Duration) bool { return disk.IsStale(path, timeout) }
func (diskProber) FreeBytes(path string) (uint64, error)         { return disk.FreeBytes(path) }

// TargetResult is the outcome for one target of a sweep.
type TargetResult struct {
	Target  config.Target  `json:"target"`
	Skipped string         `json:"skipped,omitempty"`
	RunID   int64          `json:"run_id,omitempty"`
	Result  remover.Result `json:"result"`
}

// OK reports whether the target is fully gone (or emptied).
func (t TargetResult) OK() bool {
	return t.Skipped == "" && t.Result.OK
}

// Summary reports one sweep over all targets.
type Summary struct {
	Trigger  string         `json:"trigger"`
	OK       bool           `json:"ok"`
	Targets  []TargetResult `json:"targets"`
	Duration time.Duration  `json:"duration_ns"`
}

// Sweeper removes configured targets, on demand or on a schedule.
type Sweeper struct {
	mu       sync.RWMutex
	cfg      *config.Config
	reloaded chan struct{}

	fs          fsops.FS
	history     History
	prober      Prober
	log         zerolog.Logger
	forceDryRun bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithHistory records every run in h.
func WithHistory(h History) Option {
	return func(s *Sweeper) { s.history = h }
}

// WithProber replaces the disk prober.
func WithProber(p Prober) Option {
	return func(s *Sweeper) { s.prober = p }
}

// WithFS replaces the OS filesystem.
func WithFS(fsys fsops.FS) Option {
	return func(s *Sweeper) { s.fs = fsys }
}

// WithDryRun forces dry-run regardless of config.
func WithDryRun(dryRun bool) Option {
	return func(s *Sweeper) { s.forceDryRun = dryRun }
}

func New(cfg *config.Config, log zerolog.Logger, opts ...Option) *Sweeper {
	metrics.Init()
	s := &Sweeper{
		cfg:      cfg,
		reloaded: make(chan struct{}, 1),
		fs:       fsops.OSFS{},
		prober:   diskProber{},
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the config currently in effect.
func (s *Sweeper) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetConfig swaps the config; sweeps already running keep the old one.
func (s *Sweeper) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	select {
	case s.reloaded <- struct{}{}:
	default:
	}
	s.log.Info().Int("targets", len(cfg.Targets)).Msg("config reloaded")
}

// DryRun reports whether runs currently delete nothing.
func (s *Sweeper) DryRun() bool {
	return s.forceDryRun || s.Config().DryRun
}

func (s *Sweeper) newRemover(cfg *config.Config, pacer *limiter.Pacer) *remover.Remover {
	dryRun := s.forceDryRun || cfg.DryRun
	return remover.New(s.fs,
		remover.WithGuard(safety.NewValidator(cfg.AllowedRoots, cfg.ProtectedPaths)),
		remover.WithPacer(pacer),
		remover.WithObserver(metrics.Observer{DryRun: dryRun}),
		remover.WithDryRun(dryRun),
	)
}

// Sweep removes every configured target once, up to cfg.Workers at a time.
// Failures are reported in the Summary; a failing target never stops the others.
func (s *Sweeper) Sweep(ctx context.Context, trigger string) Summary {
	cfg := s.Config()
	start := time.Now()

	rm := s.newRemover(cfg, limiter.NewPacer(cfg.MaxOpsPerSecond))
	results := make([]TargetResult, len(cfg.Targets))

	var g errgroup.Group
	g.SetLimit(max(cfg.Workers, 1))
	for i, target := range cfg.Targets {
		g.Go(func() error {
			results[i] = s.sweepTarget(ctx, cfg, rm, target, trigger)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Trigger: trigger, OK: true, Targets: results, Duration: time.Since(start)}
	var removed, failed int
	var bytes int64
	for _, r := range results {
		if !r.OK() {
			sum.OK = false
		}
		removed += r.Result.Removed
		failed += r.Result.Failed
		bytes += r.Result.Bytes
	}

	s.log.Info().
		Str("trigger", trigger).
		Bool("ok", sum.OK).
		Int("targets", len(results)).
		Int("removed", removed).
		Int("failed", failed).
		Int64("bytes", bytes).
		Dur("duration", sum.Duration).
		Msg("sweep complete")
	return sum
}

func (s *Sweeper) sweepTarget(ctx context.Context, cfg *config.Config, rm *remover.Remover, target config.Target, trigger string) TargetResult {
	tr := TargetResult{Target: target}

	if s.prober.IsStale(target.Path, cfg.StaleTimeout()) {
		s.log.Warn().Str("target", target.Path).Msg("skipping stale target")
		metrics.RecordSkip(target.Path, SkipStale)
		tr.Skipped = SkipStale
		tr.Result = remover.Result{Root: target.Path, DryRun: s.forceDryRun || cfg.DryRun}
		return tr
	}

	if target.KeepRoot {
		tr.Result = rm.Empty(ctx, target.Path)
	} else {
		tr.Result = rm.Remove(ctx, target.Path)
	}
	tr.RunID = s.finish(ctx, trigger, target.KeepRoot, tr.Result)

	if free, err := s.prober.FreeBytes(target.Path); err == nil {
		metrics.UpdateFreeBytes(target.Path, free)
	} else {
		s.log.Debug().Err(err).Str("target", target.Path).Msg("free space probe failed")
	}
	return tr
}

// RemovePath authorizes and removes one path outside the configured targets.
// raw may be a plain path or a file:// URI. ErrInvalidTarget and ErrRefused are
// returned before anything is touched; everything else is in the Result.
func (s *Sweeper) RemovePath(ctx context.Context, raw, trigger string) (remover.Result, error) {
	target, err := safety.ParseTarget(raw)
	if err != nil {
		return remover.Result{}, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	cfg := s.Config()
	guard := safety.NewValidator(cfg.AllowedRoots, cfg.ProtectedPaths)
	if err := guard.ValidateDeleteTarget(target); err != nil {
		s.log.Warn().Err(err).Str("path", target).Str("trigger", trigger).Msg("removal refused")
		return remover.Result{Root: target}, fmt.Errorf("%w: %w", ErrRefused, err)
	}
	path, err := safety.NormalizePath(target)
	if err != nil {
		return remover.Result{}, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	res := s.newRemover(cfg, limiter.NewPacer(cfg.MaxOpsPerSecond)).Remove(ctx, path)
	s.finish(ctx, trigger, false, res)
	return res, nil
}

// finish records a run in metrics, history and the log, and returns the history ID.
func (s *Sweeper) finish(ctx context.Context, trigger string, keepRoot bool, res remover.Result) int64 {
	metrics.RecordRun(trigger, res)

	for _, f := range res.Failures {
		s.log.Warn().
			Str("path", f.Path).
			Str("op", string(f.Op)).
			Str("kind", string(f.Kind)).
			Str("error", f.Err).
			Msg("entry not removed")
	}
	if dropped := res.Failed - len(res.Failures); dropped > 0 {
		s.log.Warn().Str("root", res.Root).Int("unlisted", dropped).Msg("more failures than recorded")
	}

	s.log.Info().
		Str("root", res.Root).
		Str("trigger", trigger).
		Bool("ok", res.OK).
		Bool("dry_run", res.DryRun).
		Int("removed", res.Removed).
		Int("failed", res.Failed).
		Int64("bytes", res.Bytes).
		Dur("duration", res.Duration).
		Msg("removal finished")

	if s.history == nil {
		return 0
	}
	// record even when the sweep was canceled
	id, err := s.history.RecordResult(context.WithoutCancel(ctx), trigger, keepRoot, res)
	if err != nil {
		s.log.Error().Err(err).Str("root", res.Root).Msg("failed to record history")
		metrics.ErrorsTotal.Inc()
		return 0
	}
	return id
}

// Run sweeps immediately, then on every interval tick and every trigger,
// until ctx is done. A trigger carries the label its sweep is recorded under;
// "" means TriggerManual. A config reload takes effect from the next sweep.
func (s *Sweeper) Run(ctx context.Context, triggers <-chan string) error {
	s.Sweep(ctx, TriggerSchedule)

	interval := s.Config().Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler shutting down")
			return nil
		case <-ticker.C:
			s.Sweep(ctx, TriggerSchedule)
		case source := <-triggers:
			if source == "" {
				source = TriggerManual
			}
			s.Sweep(ctx, source)
		case <-s.reloaded:
			if next := s.Config().Interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				s.log.Info().Dur("interval", interval).Msg("sweep interval changed")
			}
		}
	}
}
