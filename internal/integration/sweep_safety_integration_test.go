package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"rmtree/internal/config"
	"rmtree/internal/database"
	"rmtree/internal/metrics"
	"rmtree/internal/scheduler"
)

func init() {
	// Initialize metrics once for all integration tests
	metrics.Init()
}

type fixture struct {
	allowedDir    string
	protectedFile string
	link          string
	nested        string
}

// buildFixture creates allowed/{junk.log, old_backups/old.tar.gz, link_to_protected}
// and protected/keep.txt, with the link pointing at keep.txt.
func buildFixture(t *testing.T) fixture {
	t.Helper()
	tmpRoot := t.TempDir()
	f := fixture{
		allowedDir:    filepath.Join(tmpRoot, "allowed"),
		protectedFile: filepath.Join(tmpRoot, "protected", "keep.txt"),
	}
	f.link = filepath.Join(f.allowedDir, "link_to_protected")
	f.nested = filepath.Join(f.allowedDir, "old_backups", "old.tar.gz")

	for _, dir := range []string{filepath.Dir(f.nested), filepath.Dir(f.protectedFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	files := map[string]string{
		filepath.Join(f.allowedDir, "junk.log"): "deletable content",
		f.nested:                                "old backup",
		f.protectedFile:                         "MUST KEEP",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to create %s: %v", path, err)
		}
	}
	// a link to a directory too, so following it would empty protected/
	if err := os.Symlink(filepath.Dir(f.protectedFile), f.link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}
	return f
}

func newConfig(t *testing.T, f fixture) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.AllowedRoots = []string{f.allowedDir}
	cfg.Targets = []config.Target{{Path: f.allowedDir, KeepRoot: true}}
	return cfg
}

// TestSweepSafetyIntegration checks a full sweep against a real filesystem:
// dry-run changes nothing, a real sweep empties the target, and nothing
// reachable only through a symlink is touched.
func TestSweepSafetyIntegration(t *testing.T) {
	f := buildFixture(t)
	db, err := database.NewHistoryDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	defer db.Close()

	t.Run("DryRun_NoFilesystemChanges", func(t *testing.T) {
		s := scheduler.New(newConfig(t, f), zerolog.Nop(), scheduler.WithDryRun(true), scheduler.WithHistory(db))
		sum := s.Sweep(context.Background(), scheduler.TriggerCLI)
		if !sum.OK {
			t.Fatalf("dry run reported failures: %+v", sum.Targets[0].Result.Failures)
		}
		// junk.log, old_backups, old.tar.gz, link_to_protected
		if got := sum.Targets[0].Result.Removed; got != 4 {
			t.Errorf("dry run counted %d entries, want 4", got)
		}
		for _, p := range []string{f.nested, f.link, f.protectedFile} {
			if _, err := os.Lstat(p); err != nil {
				t.Errorf("dry run touched %s: %v", p, err)
			}
		}
	})

	t.Run("Sweep_EmptiesTargetKeepsRoot", func(t *testing.T) {
		before := testutil.ToFloat64(metrics.RunsTotal.WithLabelValues(scheduler.TriggerCLI, metrics.OutcomeOK))

		s := scheduler.New(newConfig(t, f), zerolog.Nop(), scheduler.WithHistory(db))
		sum := s.Sweep(context.Background(), scheduler.TriggerCLI)
		if !sum.OK {
			t.Fatalf("sweep reported failures: %+v", sum.Targets[0].Result.Failures)
		}

		entries, err := os.ReadDir(f.allowedDir)
		if err != nil {
			t.Fatalf("target root must survive keep_root: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("target not emptied, %d entries left", len(entries))
		}

		after := testutil.ToFloat64(metrics.RunsTotal.WithLabelValues(scheduler.TriggerCLI, metrics.OutcomeOK))
		if after != before+1 {
			t.Errorf("runs_total ok went %v -> %v", before, after)
		}
	})

	t.Run("Symlink_TargetUntouched", func(t *testing.T) {
		data, err := os.ReadFile(f.protectedFile)
		if err != nil {
			t.Fatalf("protected file removed through symlink: %v", err)
		}
		if string(data) != "MUST KEEP" {
			t.Errorf("protected file modified: %q", data)
		}
	})

	t.Run("Sweep_IsIdempotent", func(t *testing.T) {
		s := scheduler.New(newConfig(t, f), zerolog.Nop(), scheduler.WithHistory(db))
		sum := s.Sweep(context.Background(), scheduler.TriggerCLI)
		if !sum.OK || sum.Targets[0].Result.Removed != 0 {
			t.Errorf("second sweep: ok=%v removed=%d", sum.OK, sum.Targets[0].Result.Removed)
		}
	})

	t.Run("History_RecordsEveryRun", func(t *testing.T) {
		runs, err := db.RecentRuns(context.Background(), 10)
		if err != nil {
			t.Fatalf("query history: %v", err)
		}
		if len(runs) != 3 {
			t.Fatalf("history has %d runs, want 3", len(runs))
		}
		// newest first
		if !runs[2].DryRun || runs[1].DryRun {
			t.Errorf("dry-run flags not recorded: %+v", runs)
		}
		for _, r := range runs {
			if r.Root != f.allowedDir || !r.KeepRoot {
				t.Errorf("unexpected run %+v", r)
			}
		}
	})
}

// TestRemovePath_RefusesSymlinkedParent checks that a path whose parent is a
// symlink out of the allowed roots is refused before anything is removed.
func TestRemovePath_RefusesSymlinkedParent(t *testing.T) {
	f := buildFixture(t)
	cfg := newConfig(t, f)
	s := scheduler.New(cfg, zerolog.Nop())

	through := filepath.Join(f.link, "keep.txt")
	_, err := s.RemovePath(context.Background(), through, scheduler.TriggerCLI)
	if err == nil {
		t.Fatal("removal through a symlinked parent was allowed")
	}
	if _, err := os.Stat(f.protectedFile); err != nil {
		t.Errorf("protected file removed: %v", err)
	}
}
