// Package commands implements the CLI commands for hbak.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/hbak/cmd"
	"github.com/thoreinstein/hbak/internal/cli/prompt"
	"github.com/thoreinstein/hbak/internal/config"
	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/filter"
	"github.com/thoreinstein/hbak/internal/logging"
	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/internal/pipeline"
	"github.com/thoreinstein/hbak/internal/restore"
)

// restoreFlag holds the value of the -r/--restore flag.
var restoreFlag bool

// dryRun holds the value of the --dry-run flag.
var dryRun bool

// configDir holds the value of the --config-dir flag.
var configDir string

// verbosity holds the count of -v flags.
var verbosity int

// quiet holds the value of the -q/--quiet flag.
var quiet bool

// logFormat holds the value of the --log-format flag.
var logFormat string

// logFile holds the path to the log file.
var logFile string

// colorFlag holds the value of the --color flag.
var colorFlag string

// Collaborators replaced in tests.
var (
	stdinIsTerminal = func() bool { return prompt.IsInteractive(os.Stdin) }
	newPrompter     = prompt.New
	newPicker       = func(home string) restore.Picker { return newPrompter(home) }
	now             = time.Now
	hostname        = os.Hostname

	// pipelineOptions are appended to the options every command passes to
	// pipeline.New.
	pipelineOptions []pipeline.Option
)

func init() {
	rootCmd.Flags().BoolVarP(&restoreFlag, "restore", "r", false,
		"choose a snapshot and restore it instead of backing up")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"resolve the snapshot name and exclusions without writing anything")

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"directory holding key, options and filters (default $"+paths.EnvConfigDir+" or XDG config home)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"increase verbosity level (e.g., -v, -vv)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format: text, json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"write logs to file in JSON format")
	rootCmd.PersistentFlags().StringVar(&colorFlag, "color", "auto",
		"colorize output: auto, always, never")

	rootCmd.Version = cmd.Version
	rootCmd.SetVersionTemplate("hbak version {{.Version}}\n")

	// Silence errors and usage so we can control error output
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

var rootCmd = &cobra.Command{
	Use:   "hbak",
	Short: "Encrypted snapshots of your home directory",
	Long: `hbak writes one encrypted, compressed snapshot of your home directory
per invocation and restores snapshots interactively.

Without flags hbak makes sure its options, key and exclusion list exist,
then archives the home directory, compresses the archive with zstd,
encrypts it with age and writes it to the output directory as

  <date>_<user>_<host>_<NNN>.tar.zst.age

The key file is generated on first use. Keep a copy of it somewhere safe:
snapshots cannot be decrypted without it.`,
	Example: `  # Take a snapshot
  hbak

  # Pick a snapshot and restore it
  hbak --restore

  # Show what the next snapshot would be called
  hbak --dry-run

  See Also: hbak list, hbak doctor, hbak filters, hbak config`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return setupLogging(cmd)
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		if restoreFlag {
			if dryRun {
				return errors.NewUserError(errors.New("--dry-run applies to backups only"), "Run: hbak --dry-run")
			}
			return runRestore(cmd)
		}
		return runBackup(cmd)
	},
}

// setupLogging configures the default logger based on verbosity flags.
func setupLogging(cmd *cobra.Command) error {
	if quiet && verbosity > 0 {
		return errors.NewUserError(nil, "cannot use --quiet and --verbose together")
	}

	var level slog.Level
	if quiet {
		level = slog.LevelError
	} else {
		v := verbosity

		// CLI flags take precedence, but if not set, check env var
		if v == 0 {
			if val, ok := os.LookupEnv("HBAK_DEBUG"); ok {
				switch val {
				case "1", "true":
					v = 2 // Debug
				case "2":
					v = 3 // Trace
				}
			}
		}
		level = logging.LevelFromVerbosity(v)
	}

	mode, err := logging.ParseColorMode(colorFlag)
	if err != nil {
		return errors.NewUserError(err, "")
	}
	switch mode {
	case logging.ColorAlways:
		color.NoColor = false
	case logging.ColorNever:
		color.NoColor = true
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var primaryHandler slog.Handler
	switch logging.Format(logFormat) {
	case logging.FormatJSON:
		primaryHandler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	default:
		primaryHandler = logging.NewHandlerWithColor(cmd.ErrOrStderr(), opts, mode)
	}

	var fileHandler slog.Handler
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return errors.NewUserError(err, "failed to open log file")
		}
		// File output uses JSON format
		fileHandler = slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level: level,
		})
	}
	handler := logging.Tee(primaryHandler, fileHandler)

	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logging.NewContext(ctx, logger))

	return nil
}

// layout returns the configuration root selected by --config-dir,
// HBAK_CONFIG_DIR or the XDG default.
func layout() paths.Layout {
	if configDir != "" {
		return paths.Layout{Root: paths.ExpandHome(configDir, paths.Home())}
	}
	return paths.DefaultLayout()
}

// providers returns the interactive providers, or nils when stdin is not a
// terminal so that missing files fail instead of blocking.
func providers(home string) (config.Provider, filter.Provider) {
	if !stdinIsTerminal() {
		return nil, nil
	}
	p := newPrompter(home)
	return p, p
}

// loadConfig resolves the options, prompting for them when the file is
// missing or unusable.
func loadConfig(ctx context.Context, l paths.Layout, cp config.Provider) (config.Config, error) {
	if err := l.Ensure(); err != nil {
		return config.Config{}, errors.NewSystemError(err, "check permissions on "+l.Root)
	}
	cfg, err := config.Ensure(ctx, l.OptionsFile(), cp)
	if err != nil {
		return config.Config{}, configError(err, l)
	}
	return cfg, nil
}

func configError(err error, l paths.Layout) error {
	switch {
	case errors.Is(err, errors.ErrCancelled):
		return err
	case errors.Is(err, errors.ErrNotInteractive):
		return errors.NewUserError(err, "Run hbak from a terminal once, or write "+l.OptionsFile())
	case errors.Is(err, errors.ErrInvalidConfig), errors.Is(err, errors.ErrNotFound):
		return errors.NewConfigError(err)
	default:
		return errors.NewSystemError(err, "")
	}
}

func newPipeline(logger *slog.Logger, level int) *pipeline.Pipeline {
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithCompressionLevel(level),
	}
	return pipeline.New(append(opts, pipelineOptions...)...)
}

// printf writes to the command's stdout unless --quiet is set.
func printf(w io.Writer, format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(w, format, args...)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
