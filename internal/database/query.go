package database

import (
	"context"
	"database/sql"
	"time"
)

const runColumns = `
	id, started_at, root, triggered_by, keep_root, dry_run, ok,
	removed, failed, bytes, duration_ns, error`

// RecentRuns returns the N most recent runs
func (h *HistoryDB) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	return h.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

// RunsByRoot returns runs whose root matches a SQL LIKE pattern
func (h *HistoryDB) RunsByRoot(ctx context.Context, pattern string) ([]RunRecord, error) {
	return h.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE root LIKE ? ORDER BY started_at DESC, id DESC`, pattern)
}

// FailedRuns returns the N most recent runs that did not fully succeed
func (h *HistoryDB) FailedRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	return h.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE ok = 0 ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

// Run returns one run by ID; sql.ErrNoRows when it does not exist
func (h *HistoryDB) Run(ctx context.Context, id int64) (RunRecord, error) {
	runs, err := h.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return RunRecord{}, err
	}
	if len(runs) == 0 {
		return RunRecord{}, sql.ErrNoRows
	}
	return runs[0], nil
}

// FailuresForRun returns the recorded failures of a run in walk order
func (h *HistoryDB) FailuresForRun(ctx context.Context, runID int64) ([]FailureRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
	SELECT run_id, path, op, kind, error
	FROM failures
	WHERE run_id = ?
	ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var f FailureRecord
		var errMsg sql.NullString
		if err := rows.Scan(&f.RunID, &f.Path, &f.Op, &f.Kind, &errMsg); err != nil {
			return nil, err
		}
		f.Error = errMsg.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// Stats holds aggregated statistics for a period
type Stats struct {
	Since          time.Time        `json:"since"`
	Until          time.Time        `json:"until"`
	Runs           int64            `json:"runs"`
	OKRuns         int64            `json:"ok_runs"`
	FailedRuns     int64            `json:"failed_runs"`
	DryRuns        int64            `json:"dry_runs"`
	EntriesRemoved int64            `json:"entries_removed"`
	EntriesFailed  int64            `json:"entries_failed"`
	BytesRemoved   int64            `json:"bytes_removed"`
	FailuresByKind map[string]int64 `json:"failures_by_kind"`
}

// Stats aggregates runs of the last days days. Dry runs are counted but
// their entries and bytes are not.
func (h *HistoryDB) Stats(ctx context.Context, days int) (*Stats, error) {
	now := time.Now()
	since := now.AddDate(0, 0, -days)
	stats := &Stats{Since: since, Until: now, FailuresByKind: make(map[string]int64)}

	err := h.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN ok = 1 THEN 1 END),
			COUNT(CASE WHEN ok = 0 THEN 1 END),
			COUNT(CASE WHEN dry_run = 1 THEN 1 END),
			COALESCE(SUM(CASE WHEN dry_run = 0 THEN removed END), 0),
			COALESCE(SUM(failed), 0),
			COALESCE(SUM(CASE WHEN dry_run = 0 THEN bytes END), 0)
		FROM runs
		WHERE started_at >= ?
	`, since.UTC()).Scan(
		&stats.Runs, &stats.OKRuns, &stats.FailedRuns, &stats.DryRuns,
		&stats.EntriesRemoved, &stats.EntriesFailed, &stats.BytesRemoved,
	)
	if err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT f.kind, COUNT(*)
		FROM failures f JOIN runs r ON r.id = f.run_id
		WHERE r.started_at >= ?
		GROUP BY f.kind
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		stats.FailuresByKind[kind] = count
	}
	return stats, rows.Err()
}

func (h *HistoryDB) queryRuns(ctx context.Context, query string, args ...any) ([]RunRecord, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		var durationNS int64
		var errMsg sql.NullString

		if err := rows.Scan(
			&r.ID, &r.StartedAt, &r.Root, &r.Trigger, &r.KeepRoot, &r.DryRun, &r.OK,
			&r.Removed, &r.Failed, &r.Bytes, &durationNS, &errMsg,
		); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationNS)
		r.Error = errMsg.String
		records = append(records, r)
	}
	return records, rows.Err()
}
