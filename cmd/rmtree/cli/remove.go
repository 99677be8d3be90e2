package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rmtree/internal/database"
	"rmtree/internal/remover"
	"rmtree/internal/scheduler"
)

// maxListedFailures caps the failures printed per path; the rest are counted.
const maxListedFailures = 20

type removeOptions struct {
	dryRun  bool
	history bool
	json    bool
}

func newRemoveCmd(g *globalOptions) *cobra.Command {
	opts := &removeOptions{}
	cmd := &cobra.Command{
		Use:   "remove PATH...",
		Short: "Remove files or directory trees",
		Long: `Remove each PATH and, for directories, everything below it.

A PATH may be a plain path or a file:// URI. Paths that do not exist count as
removed. Entries that cannot be removed are listed and the rest of the tree is
still removed.

Protected system paths and paths outside the configured allowed_roots are refused.

Exit codes:
  0  every PATH is gone
  1  some entries could not be removed
  2  invalid arguments or configuration
  3  a PATH was refused by the safety checks
  4  runtime error`,
		Example: `  rmtree remove /var/tmp/build-1234
  rmtree remove --dry-run file:///srv/cache/old`,
		Args: minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, g, opts, args)
		},
	}
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Report what would be removed without deleting anything")
	cmd.Flags().BoolVar(&opts.history, "history", false, "Record the removal in the history database")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print results as JSON")
	return cmd
}

func runRemove(cmd *cobra.Command, g *globalOptions, opts *removeOptions, paths []string) error {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = "warn"
	}
	logger, closer, err := g.logger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	sweeperOpts := []scheduler.Option{scheduler.WithDryRun(opts.dryRun)}
	if opts.history {
		db, err := database.NewHistoryDB(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer db.Close()
		sweeperOpts = append(sweeperOpts, scheduler.WithHistory(db))
	}
	sweeper := scheduler.New(cfg, logger, sweeperOpts...)

	var errs []error
	var results []remover.Result
	for _, p := range paths {
		res, err := sweeper.RemovePath(cmd.Context(), p, scheduler.TriggerCLI)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		results = append(results, res)
		if !res.OK {
			errs = append(errs, fmt.Errorf("%s: %w", res.Root, errPartial))
		}
		if !opts.json {
			printResult(cmd, res)
		}
	}

	if opts.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func printResult(cmd *cobra.Command, res remover.Result) {
	out := cmd.OutOrStdout()
	verb := "removed"
	if res.DryRun {
		verb = "would remove"
	}
	fmt.Fprintf(out, "%s %s: %s entries, %s in %s\n",
		verb, res.Root,
		humanize.Comma(int64(res.Removed)),
		humanize.Bytes(uint64(max(res.Bytes, 0))),
		res.Duration.Round(time.Millisecond))

	if res.OK {
		return
	}
	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "%s: %s entries could not be removed\n", res.Root, humanize.Comma(int64(res.Failed)))
	for i, f := range res.Failures {
		if i == maxListedFailures {
			fmt.Fprintf(errOut, "  ... and %d more\n", res.Failed-i)
			break
		}
		fmt.Fprintf(errOut, "  %s %s: %s\n", f.Op, f.Path, f.Err)
	}
}
