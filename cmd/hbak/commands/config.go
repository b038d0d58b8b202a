package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thoreinstein/hbak/internal/config"
	"github.com/thoreinstein/hbak/internal/editor"
	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/paths"
)

var configFormat string

func init() {
	configCmd.Flags().StringVar(&configFormat, "format", "yaml",
		"output format: yaml, json, toml, env")
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show hbak options",
	Long: `Show the resolved options, after HBAK_ environment overrides.

Options are stored as NAME='value' lines in the options file of the
configuration directory:

  OUTPUT_DIR         where snapshots are written
  RESTORE_DIR        where snapshots are extracted
  DATE_FORMAT        Go time layout for the date stamp (default 2006.01.02)
  COMPRESSION_LEVEL  1 (fastest) to 4 (smallest), default 2
  STRIP_COMPONENTS   leading segments removed on in-place restore
                     (default: the number of segments of $HOME)`,
	Example: `  # Show options
  hbak config

  # Show options as TOML
  hbak config --format toml

  # Change the output directory
  hbak config set OUTPUT_DIR /mnt/backup

  See Also: hbak doctor`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runConfigShow(cmd.OutOrStdout(), configFormat)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <NAME>",
	Short: "Print one option",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(layout().OptionsFile())
		if err != nil {
			return errors.NewConfigError(err)
		}
		v, err := optionValue(cfg, args[0])
		if err != nil {
			return errors.NewUserError(err, "Run 'hbak config --help' to see option names")
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <NAME> <value>",
	Short: "Change one option",
	Long: `Change one option and rewrite the options file. The new value is
validated before anything is written.

The file is rewritten from the resolved options, so any HBAK_ environment
override set at the time is saved as well.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigSet(cmd.OutOrStdout(), args[0], args[1])
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the options file in $EDITOR",
	Long: `Open the options file in your default editor.

Uses $EDITOR, then $VISUAL, then nano or vi. If the file is invalid after
editing, the next backup asks for every option again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := layout().OptionsFile()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return errors.NewUserError(errors.Newf("options file not found at %s", path), "Run: hbak")
		}
		return editor.Open(cmd.Context(), path, cmd.OutOrStdout())
	},
}

func runConfigShow(w io.Writer, format string) error {
	cfg, err := config.Load(layout().OptionsFile())
	if err != nil {
		return errors.NewConfigError(err)
	}

	var data []byte
	switch strings.ToLower(format) {
	case "yaml", "yml":
		data, err = yaml.Marshal(cfg)
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case "toml":
		data, err = toml.Marshal(cfg)
	case "env":
		data = []byte(strings.Join(cfg.Lines(), "\n") + "\n")
	default:
		return errors.NewUserError(errors.Newf("unknown format %q", format), "use yaml, json, toml or env")
	}
	if err != nil {
		return errors.Wrap(err, "marshaling options")
	}

	_, err = w.Write(data)
	return err
}

func runConfigSet(w io.Writer, name, value string) error {
	l := layout()
	cfg, err := config.Load(l.OptionsFile())
	if err != nil {
		return errors.NewConfigError(err)
	}

	cfg, err = withOption(cfg, name, value)
	if err != nil {
		return errors.NewUserError(err, "Run 'hbak config --help' to see option names")
	}
	if err := config.Save(l.OptionsFile(), cfg); err != nil {
		return errors.NewUserError(err, "")
	}
	printf(w, "Set %s = %s\n", strings.ToUpper(name), value)
	return nil
}

var errUnknownOption = errors.New("unknown option")

func optionValue(cfg config.Config, name string) (string, error) {
	switch strings.ToUpper(name) {
	case config.KeyOutputDir:
		return cfg.OutputDir, nil
	case config.KeyRestoreDir:
		return cfg.RestoreDir, nil
	case config.KeyDateFormat:
		return cfg.DateFormat, nil
	case config.KeyCompressionLevel:
		return strconv.Itoa(cfg.CompressionLevel), nil
	case config.KeyStripComponents:
		return strconv.Itoa(cfg.StripComponents), nil
	}
	return "", errors.Wrapf(errUnknownOption, "%q", name)
}

// withOption returns a copy of cfg with one option replaced.
func withOption(cfg config.Config, name, value string) (config.Config, error) {
	home := paths.Home()
	switch strings.ToUpper(name) {
	case config.KeyOutputDir:
		cfg.OutputDir = paths.ExpandHome(value, home)
	case config.KeyRestoreDir:
		cfg.RestoreDir = paths.ExpandHome(value, home)
	case config.KeyDateFormat:
		cfg.DateFormat = value
	case config.KeyCompressionLevel, config.KeyStripComponents:
		n, err := strconv.Atoi(value)
		if err != nil {
			return cfg, errors.Wrapf(errors.ErrInvalidConfig, "%s must be a number, got %q", strings.ToUpper(name), value)
		}
		if strings.ToUpper(name) == config.KeyCompressionLevel {
			cfg.CompressionLevel = n
		} else {
			cfg.StripComponents = n
		}
	default:
		return cfg, errors.Wrapf(errUnknownOption, "%q", name)
	}
	return cfg, nil
}
