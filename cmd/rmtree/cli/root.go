// Package cli implements the rmtree command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rmtree/internal/config"
	"rmtree/internal/exitcodes"
	"rmtree/internal/logging"
	"rmtree/internal/safety"
	"rmtree/internal/scheduler"
)

// Build information set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "/etc/rmtree/config.yaml"

// errPartial marks a command that ran but left entries behind.
var errPartial = errors.New("some entries could not be removed")

// usageError wraps bad flags and arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	stdout     io.Writer
	stderr     io.Writer
}

// Execute runs the root command against os.Args and returns the process exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signalContext()
	defer cancel()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, formatError(err))
	}
	return exitCode(err)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "rmtree",
		Short: "Remove directory trees completely and safely",
		Long: `rmtree removes a file or a whole directory tree, children before parents.

Removal keeps going past entries it cannot delete and reports every failure.
A path that is already gone counts as removed, so repeating a removal is safe.
Symbolic links are unlinked, never followed.

Run 'rmtree run' to sweep the targets of a config file on a schedule.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides config")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (console or json); overrides config")

	root.AddCommand(
		newRemoveCmd(opts),
		newRunCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// loadConfig reads the config file. A missing default file yields the
// built-in defaults; a missing file named with --config is an error.
func (o *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		if !cmd.Flags().Changed("config") {
			return config.Default(), nil
		}
		return nil, usageError{err}
	}
	return nil, err
}

// logger builds the logger described by cfg with the command-line overrides applied.
func (o *globalOptions) logger(cfg config.LoggingCfg) (zerolog.Logger, io.Closer, error) {
	if o.logLevel != "" {
		if _, err := zerolog.ParseLevel(o.logLevel); err != nil {
			return zerolog.Nop(), nil, usageError{fmt.Errorf("%w: %q", config.ErrInvalidLevel, o.logLevel)}
		}
		cfg.Level = o.logLevel
	}
	if o.logFormat != "" {
		if o.logFormat != "console" && o.logFormat != "json" {
			return zerolog.Nop(), nil, usageError{fmt.Errorf("%w: %q", config.ErrInvalidFormat, o.logFormat)}
		}
		cfg.Format = o.logFormat
	}
	return logging.New(cfg)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	var usage usageError
	switch {
	case err == nil:
		return exitcodes.Success
	case errors.Is(err, scheduler.ErrRefused):
		return exitcodes.SafetyViolation
	case errors.As(err, &usage),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, scheduler.ErrInvalidTarget):
		return exitcodes.InvalidConfig
	case errors.Is(err, errPartial):
		return exitcodes.PartialFailure
	default:
		return exitcodes.RuntimeError
	}
}

// formatError converts errors to user-friendly messages, one line per joined error.
func formatError(err error) string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		lines := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			lines = append(lines, formatError(e))
		}
		return strings.Join(lines, "\n")
	}

	switch {
	case errors.Is(err, errPartial):
		return "Error: " + err.Error()
	case errors.Is(err, safety.ErrProtectedPath):
		return fmt.Sprintf("Error: refusing to remove a protected path: %v", err)
	case errors.Is(err, safety.ErrTraversal):
		return "Error: path traversal detected (security violation)"
	case errors.Is(err, scheduler.ErrRefused):
		return fmt.Sprintf("Error: removal refused: %v", err)
	case errors.Is(err, config.ErrInvalid):
		return fmt.Sprintf("Error: configuration: %v", err)
	case errors.Is(err, context.Canceled):
		return "Error: operation canceled"
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
