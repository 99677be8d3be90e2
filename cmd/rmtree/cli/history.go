package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rmtree/internal/database"
)

type historyOptions struct {
	dbPath    string
	recent    int
	failed    int
	root      string
	runID     int64
	stats     bool
	days      int
	pruneDays int
	json      bool
}

func newHistoryCmd(g *globalOptions) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the removal history database",
		Example: `  rmtree history --recent 10          # 10 most recent runs
  rmtree history --failed 10          # 10 most recent runs that left entries behind
  rmtree history --root '/srv/%'      # runs whose root matches a LIKE pattern
  rmtree history --run 42             # one run and its failures
  rmtree history --stats --days 7     # totals for the last week
  rmtree history --prune 90           # delete runs older than 90 days`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, g, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.dbPath, "db", "", "Path to history database (default: database_path from config)")
	f.IntVar(&opts.recent, "recent", 0, "Show N most recent runs")
	f.IntVar(&opts.failed, "failed", 0, "Show N most recent failed runs")
	f.StringVar(&opts.root, "root", "", "Show runs whose root matches a SQL LIKE pattern")
	f.Int64Var(&opts.runID, "run", 0, "Show one run and its failures")
	f.BoolVar(&opts.stats, "stats", false, "Show statistics")
	f.IntVar(&opts.days, "days", 30, "Number of days for statistics")
	f.IntVar(&opts.pruneDays, "prune", 0, "Delete runs older than N days")
	f.BoolVar(&opts.json, "json", false, "Output in JSON format")
	return cmd
}

var historyModes = []string{"recent", "failed", "root", "run", "stats", "prune"}

func runHistory(cmd *cobra.Command, g *globalOptions, opts *historyOptions) error {
	modes := 0
	for _, name := range historyModes {
		if cmd.Flags().Changed(name) {
			modes++
		}
	}
	if modes != 1 {
		return usageError{fmt.Errorf("exactly one of --%s is required", strings.Join(historyModes, ", --"))}
	}

	dbPath := opts.dbPath
	if dbPath == "" {
		cfg, err := g.loadConfig(cmd)
		if err != nil {
			return err
		}
		dbPath = cfg.DatabasePath
	}

	db, err := database.NewHistoryDB(dbPath)
	if err != nil {
		return fmt.Errorf("open history %s: %w", dbPath, err)
	}
	defer db.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch {
	case opts.stats:
		stats, err := db.Stats(ctx, opts.days)
		if err != nil {
			return fmt.Errorf("failed to get statistics: %w", err)
		}
		if opts.json {
			return writeJSON(out, stats)
		}
		printStats(out, stats, opts.days)
	case opts.recent > 0:
		return showRuns(out, opts.json)(db.RecentRuns(ctx, opts.recent))
	case opts.failed > 0:
		return showRuns(out, opts.json)(db.FailedRuns(ctx, opts.failed))
	case opts.root != "":
		return showRuns(out, opts.json)(db.RunsByRoot(ctx, opts.root))
	case opts.runID > 0:
		run, err := db.Run(ctx, opts.runID)
		if err != nil {
			return fmt.Errorf("run %d: %w", opts.runID, err)
		}
		failures, err := db.FailuresForRun(ctx, opts.runID)
		if err != nil {
			return fmt.Errorf("failures for run %d: %w", opts.runID, err)
		}
		if opts.json {
			return writeJSON(out, map[string]any{"run": run, "failures": failures})
		}
		printRuns(out, []database.RunRecord{run})
		printFailures(out, failures)
	case opts.pruneDays > 0:
		n, err := db.Prune(ctx, time.Now().AddDate(0, 0, -opts.pruneDays))
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		if err := db.Vacuum(); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		fmt.Fprintf(out, "Pruned %d runs older than %d days\n", n, opts.pruneDays)
	default:
		return usageError{fmt.Errorf("--%s needs a positive value", historyModes[slices.IndexFunc(historyModes, cmd.Flags().Changed)])}
	}
	return nil
}

// showRuns prints the result of a run query.
func showRuns(out io.Writer, asJSON bool) func([]database.RunRecord, error) error {
	return func(runs []database.RunRecord, err error) error {
		if err != nil {
			return fmt.Errorf("query runs: %w", err)
		}
		if asJSON {
			return writeJSON(out, runs)
		}
		printRuns(out, runs)
		return nil
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStats(out io.Writer, stats *database.Stats, days int) {
	fmt.Fprintf(out, "Removal Statistics (Last %d days)\n", days)
	fmt.Fprintf(out, "Period: %s to %s\n\n", stats.Since.Format(time.DateOnly), stats.Until.Format(time.DateOnly))
	fmt.Fprintf(out, "Runs:             %s (%s ok, %s failed, %s dry)\n",
		humanize.Comma(stats.Runs), humanize.Comma(stats.OKRuns), humanize.Comma(stats.FailedRuns), humanize.Comma(stats.DryRuns))
	fmt.Fprintf(out, "Entries Removed:  %s\n", humanize.Comma(stats.EntriesRemoved))
	fmt.Fprintf(out, "Entries Failed:   %s\n", humanize.Comma(stats.EntriesFailed))
	fmt.Fprintf(out, "Space Freed:      %s\n", humanize.Bytes(uint64(max(stats.BytesRemoved, 0))))

	if len(stats.FailuresByKind) > 0 {
		fmt.Fprintln(out, "\nFailures By Kind:")
		for _, kind := range slices.Sorted(maps.Keys(stats.FailuresByKind)) {
			fmt.Fprintf(out, "  %-15s %d\n", kind, stats.FailuresByKind[kind])
		}
	}
}

func printRuns(out io.Writer, runs []database.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tStarted\tTrigger\tStatus\tRemoved\tFailed\tSize\tRoot")
	_, _ = fmt.Fprintln(w, "--\t-------\t-------\t------\t-------\t------\t----\t----")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID,
			humanize.Time(r.StartedAt),
			r.Trigger,
			runStatus(r),
			r.Removed,
			r.Failed,
			humanize.Bytes(uint64(max(r.Bytes, 0))),
			r.Root)
	}
	_ = w.Flush()
}

func runStatus(r database.RunRecord) string {
	switch {
	case r.DryRun && r.OK:
		return "dry-run"
	case r.DryRun:
		return "dry-run/partial"
	case r.OK:
		return "ok"
	default:
		return "partial"
	}
}

func printFailures(out io.Writer, failures []database.FailureRecord) {
	if len(failures) == 0 {
		return
	}
	fmt.Fprintln(out, "\nFailures:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "Op\tKind\tPath\tError")
	for _, f := range failures {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Op, f.Kind, f.Path, f.Error)
	}
	_ = w.Flush()
}
