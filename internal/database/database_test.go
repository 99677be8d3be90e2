package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rmtree/internal/fsops"
	"rmtree/internal/remover"
)

func openTestDB(t *testing.T) *HistoryDB {
	t.Helper()
	db, err := NewHistoryDB(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, db.Close()) })
	return db
}

func TestNewHistoryDB_Pragmas(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	db, err := NewHistoryDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	var journalMode string
	require.NoError(t, db.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	// NORMAL = 1
	var synchronous int
	require.NoError(t, db.db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous)

	var version int
	require.NoError(t, db.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, schemaVersion, version)
}

func TestNewHistoryDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	db, err := NewHistoryDB(dbPath)
	require.NoError(t, err)
	_, err = db.RecordRun(context.Background(), RunRecord{StartedAt: time.Now(), Root: "/a", Trigger: "cli", OK: true}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewHistoryDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	runs, err := db.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRecordRun_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute).Truncate(time.Second)

	id, err := db.RecordRun(ctx, RunRecord{
		StartedAt: started,
		Root:      "/srv/cache",
		Trigger:   "schedule",
		KeepRoot:  true,
		OK:        false,
		Removed:   10,
		Failed:    2,
		Bytes:     4096,
		Duration:  1500 * time.Millisecond,
		Error:     "remove /srv/cache/locked: permission denied",
	}, []FailureRecord{
		{Path: "/srv/cache/locked", Op: "remove", Kind: "permission", Error: "permission denied"},
		{Path: "/srv/cache", Op: "rmdir", Kind: "not_empty", Error: "directory not empty"},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	run, err := db.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/srv/cache", run.Root)
	assert.Equal(t, "schedule", run.Trigger)
	assert.True(t, run.KeepRoot)
	assert.False(t, run.OK)
	assert.Equal(t, 10, run.Removed)
	assert.Equal(t, 2, run.Failed)
	assert.Equal(t, int64(4096), run.Bytes)
	assert.Equal(t, 1500*time.Millisecond, run.Duration)
	assert.True(t, started.Equal(run.StartedAt), "started_at %v != %v", started, run.StartedAt)

	failures, err := db.FailuresForRun(ctx, id)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "/srv/cache/locked", failures[0].Path)
	assert.Equal(t, "not_empty", failures[1].Kind)
	assert.Equal(t, id, failures[1].RunID)
}

func TestRun_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Run(context.Background(), 42)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRecordResult_FromRemover(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	f := fsops.NewFakeFS()
	f.AddFile("/data/a", 7)
	f.AddFile("/data/b", 1)
	f.Fail(fsops.OpRemove, "/data/b", os.ErrPermission)
	res := remover.New(f).Remove(ctx, "/data")
	require.False(t, res.OK)

	id, err := db.RecordResult(ctx, "cli", false, res)
	require.NoError(t, err)

	run, err := db.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/data", run.Root)
	assert.Equal(t, 1, run.Removed)
	assert.Equal(t, int64(7), run.Bytes)
	assert.Equal(t, res.FirstError(), run.Error)

	failures, err := db.FailuresForRun(ctx, id)
	require.NoError(t, err)
	require.Len(t, failures, len(res.Failures))
	assert.Equal(t, "permission", failures[0].Kind)
	assert.Equal(t, "remove", failures[0].Op)
}

func TestQueries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	records := []RunRecord{
		{StartedAt: now.Add(-3 * time.Hour), Root: "/var/tmp/a", Trigger: "schedule", OK: true, Removed: 5, Bytes: 100},
		{StartedAt: now.Add(-2 * time.Hour), Root: "/var/tmp/b", Trigger: "schedule", OK: false, Removed: 1, Failed: 1, Bytes: 10},
		{StartedAt: now.Add(-1 * time.Hour), Root: "/srv/x", Trigger: "api", OK: true, DryRun: true, Removed: 50, Bytes: 5000},
		{StartedAt: now.AddDate(0, 0, -40), Root: "/var/tmp/old", Trigger: "cli", OK: false, Failed: 3},
	}
	for _, r := range records {
		var failures []FailureRecord
		for i := 0; i < r.Failed; i++ {
			failures = append(failures, FailureRecord{Path: r.Root, Op: "rmdir", Kind: "busy"})
		}
		_, err := db.RecordRun(ctx, r, failures)
		require.NoError(t, err)
	}

	recent, err := db.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "/srv/x", recent[0].Root)
	assert.Equal(t, "/var/tmp/b", recent[1].Root)

	byRoot, err := db.RunsByRoot(ctx, "/var/tmp/%")
	require.NoError(t, err)
	assert.Len(t, byRoot, 3)

	failed, err := db.FailedRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "/var/tmp/b", failed[0].Root)

	stats, err := db.Stats(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Runs)
	assert.Equal(t, int64(2), stats.OKRuns)
	assert.Equal(t, int64(1), stats.FailedRuns)
	assert.Equal(t, int64(1), stats.DryRuns)
	assert.Equal(t, int64(6), stats.EntriesRemoved)
	assert.Equal(t, int64(1), stats.EntriesFailed)
	assert.Equal(t, int64(110), stats.BytesRemoved)
	assert.Equal(t, map[string]int64{"busy": 1}, stats.FailuresByKind)
}

func TestPrune(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	oldID, err := db.RecordRun(ctx, RunRecord{StartedAt: time.Now().AddDate(0, 0, -100), Root: "/old", Trigger: "cli", Failed: 1},
		[]FailureRecord{{Path: "/old", Op: "rmdir", Kind: "busy"}})
	require.NoError(t, err)
	_, err = db.RecordRun(ctx, RunRecord{StartedAt: time.Now(), Root: "/new", Trigger: "cli", OK: true}, nil)
	require.NoError(t, err)

	n, err := db.Prune(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := db.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "/new", runs[0].Root)

	// failures cascade with their run
	failures, err := db.FailuresForRun(ctx, oldID)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestConcurrentRecordRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.RecordRun(ctx, RunRecord{StartedAt: time.Now(), Root: "/c", Trigger: "schedule", OK: true}, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	runs, err := db.RunsByRoot(ctx, "/c")
	require.NoError(t, err)
	assert.Len(t, runs, 20)
}

func TestPingAndVacuum(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Ping(context.Background()))
	assert.NoError(t, db.Vacuum())
}
