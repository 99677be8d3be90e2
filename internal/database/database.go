package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rmtree/internal/remover"
)

// HistoryDB manages the SQLite database of removal runs
type HistoryDB struct {
	db *sql.DB
}

// RunRecord is one removal call against one root
type RunRecord struct {
	ID        int64         `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Root      string        `json:"root"`
	Trigger   string        `json:"trigger"` // schedule, manual, api, cli
	KeepRoot  bool          `json:"keep_root"`
	DryRun    bool          `json:"dry_run"`
	OK        bool          `json:"ok"`
	Removed   int           `json:"removed"`
	Failed    int           `json:"failed"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"` // first failure, if any
}

// FailureRecord is one entry that could not be removed during a run
type FailureRecord struct {
	RunID int64  `json:"run_id"`
	Path  string `json:"path"`
	Op    string `json:"op"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

const schemaVersion = 1

// NewHistoryDB opens (creating if needed) the history database at dbPath
func NewHistoryDB(dbPath string) (*HistoryDB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	// _loc=auto parses DATETIME columns back into time.Time
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_loc=auto&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	// one writer at a time; concurrent RecordRun calls queue on the pool
	db.SetMaxOpenConns(1)

	// a plain query creates the file; Ping does not
	if _, err = db.Exec("SELECT 1"); err != nil {
		return nil, fmt.Errorf("failed to initialize database (check permissions on %s): %w", dbPath, err)
	}

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err = db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	h := &HistoryDB{db: db}
	if err = h.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

func (h *HistoryDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at DATETIME NOT NULL,
		root TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		keep_root INTEGER NOT NULL DEFAULT 0,
		dry_run INTEGER NOT NULL DEFAULT 0,
		ok INTEGER NOT NULL,
		removed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_root ON runs(root);
	CREATE INDEX IF NOT EXISTS idx_runs_ok ON runs(ok);

	CREATE TABLE IF NOT EXISTS failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		op TEXT NOT NULL,
		kind TEXT NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
	CREATE INDEX IF NOT EXISTS idx_failures_kind ON failures(kind);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return err
	}
	_, err := h.db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion)
	return err
}

// RecordRun stores a run and its failures in one transaction and returns the run ID
func (h *HistoryDB) RecordRun(ctx context.Context, run RunRecord, failures []FailureRecord) (int64, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
	INSERT INTO runs (
		started_at, root, triggered_by, keep_root, dry_run, ok,
		removed, failed, bytes, duration_ns, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.StartedAt.UTC(), run.Root, run.Trigger, run.KeepRoot, run.DryRun, run.OK,
		run.Removed, run.Failed, run.Bytes, int64(run.Duration), nullString(run.Error),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if len(failures) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO failures (run_id, path, op, kind, error) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return 0, fmt.Errorf("prepare failures: %w", err)
		}
		defer stmt.Close()

		for _, f := range failures {
			if _, err := stmt.ExecContext(ctx, id, f.Path, f.Op, f.Kind, f.Error); err != nil {
				return 0, fmt.Errorf("insert failure %s: %w", f.Path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// RecordResult stores a remover Result under trigger.
func (h *HistoryDB) RecordResult(ctx context.Context, trigger string, keepRoot bool, res remover.Result) (int64, error) {
	run := RunRecord{
		StartedAt: time.Now().Add(-res.Duration),
		Root:      res.Root,
		Trigger:   trigger,
		KeepRoot:  keepRoot,
		DryRun:    res.DryRun,
		OK:        res.OK,
		Removed:   res.Removed,
		Failed:    res.Failed,
		Bytes:     res.Bytes,
		Duration:  res.Duration,
		Error:     res.FirstError(),
	}
	failures := make([]FailureRecord, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, FailureRecord{
			Path:  f.Path,
			Op:    string(f.Op),
			Kind:  string(f.Kind),
			Error: f.Err,
		})
	}
	return h.RecordRun(ctx, run, failures)
}

// Prune removes runs (and their failures) that started before cutoff
func (h *HistoryDB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := h.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ping checks that the database is reachable
func (h *HistoryDB) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Close closes the database connection
func (h *HistoryDB) Close() error {
	return h.db.Close()
}

// Vacuum optimizes the database (run periodically)
func (h *HistoryDB) Vacuum() error {
	_, err := h.db.Exec("VACUUM")
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
