// Package config loads and persists the hbak options file using Viper.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/logging"
	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/pkg/fileutil"
)

// EnvPrefix is the prefix for environment overrides (HBAK_OUTPUT_DIR, ...).
const EnvPrefix = "HBAK"

// Option names as they appear in the options file.
const (
	KeyOutputDir        = "OUTPUT_DIR"
	KeyRestoreDir       = "RESTORE_DIR"
	KeyDateFormat       = "DATE_FORMAT"
	KeyCompressionLevel = "COMPRESSION_LEVEL"
	KeyStripComponents  = "STRIP_COMPONENTS"
)

// Defaults for optional settings.
const (
	DefaultDateFormat       = "2006.01.02"
	DefaultCompressionLevel = 2
)

// FilePerm is the permission applied to the options file.
const FilePerm = 0o600

// Config is the resolved option set. It is a plain value; callers pass it by
// value and never mutate a shared instance.
type Config struct {
	OutputDir        string `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir" toml:"output_dir"`
	RestoreDir       string `mapstructure:"restore_dir" yaml:"restore_dir" json:"restore_dir" toml:"restore_dir"`
	DateFormat       string `mapstructure:"date_format" yaml:"date_format" json:"date_format" toml:"date_format"`
	CompressionLevel int    `mapstructure:"compression_level" yaml:"compression_level" json:"compression_level" toml:"compression_level"`

	// StripComponents overrides the number of leading path segments removed
	// during an in-place restore. Zero derives the count from the home directory.
	StripComponents int `mapstructure:"strip_components" yaml:"strip_components,omitempty" json:"strip_components,omitempty" toml:"strip_components,omitempty"`
}

// Default returns a Config with optional settings filled in and both
// directories empty.
func Default() Config {
	return Config{
		DateFormat:       DefaultDateFormat,
		CompressionLevel: DefaultCompressionLevel,
	}
}

// Provider supplies a complete configuration when the options file is missing
// or unusable. The CLI implementation prompts on the terminal.
type Provider interface {
	ProvideConfig(ctx context.Context, defaults Config) (Config, error)
}

var keys = []string{
	KeyOutputDir,
	KeyRestoreDir,
	KeyDateFormat,
	KeyCompressionLevel,
	KeyStripComponents,
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("env")
	v.SetEnvPrefix(EnvPrefix)
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	v.SetDefault(KeyDateFormat, DefaultDateFormat)
	v.SetDefault(KeyCompressionLevel, DefaultCompressionLevel)
	v.SetDefault(KeyStripComponents, 0)
	return v
}

// Load reads the options file at path, applies HBAK_ environment overrides
// and validates the result.
//
// A missing file yields an error matching errors.ErrNotFound; a file that
// cannot be parsed or fails validation yields errors.ErrInvalidConfig.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Config{}, errors.Wrapf(errors.ErrNotFound, "options file %s", path)
		}
		return Config{}, errors.Wrapf(err, "checking options file %s", path)
	}

	data, err := fileutil.ReadFileWithLimit(path, fileutil.MaxConfigSize)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading options file %s", path)
	}

	return parse(data, path)
}

func parse(data []byte, path string) (Config, error) {
	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Config{}, errors.Wrapf(errors.ErrInvalidConfig, "parsing %s: %v", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrapf(errors.ErrInvalidConfig, "decoding %s: %v", path, err)
	}

	cfg = cfg.normalize(paths.Home())
	if errs := Validate(cfg); len(errs) > 0 {
		return Config{}, errors.Wrapf(errors.ErrInvalidConfig, "%s: %v", path, errs[0])
	}
	return cfg, nil
}

func (c Config) normalize(home string) Config {
	c.OutputDir = paths.ExpandHome(c.OutputDir, home)
	c.RestoreDir = paths.ExpandHome(c.RestoreDir, home)
	if c.DateFormat == "" {
		c.DateFormat = DefaultDateFormat
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = DefaultCompressionLevel
	}
	return c
}

// Save validates cfg and writes it to path atomically in NAME='value' form.
// The parent directory is created when missing.
func Save(path string, cfg Config) error {
	if errs := Validate(cfg); len(errs) > 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "refusing to save: %v", errs[0])
	}
	if err := paths.EnsureDir(filepath.Dir(path), paths.DefaultDirPerm); err != nil {
		return errors.Wrap(err, "creating options directory")
	}
	return errors.Wrap(fileutil.AtomicWriteLines(path, cfg.Lines(), FilePerm), "writing options file")
}

// Lines renders cfg as options file lines in a fixed order.
func (c Config) Lines() []string {
	lines := []string{
		assign(KeyOutputDir, c.OutputDir),
		assign(KeyRestoreDir, c.RestoreDir),
		assign(KeyDateFormat, c.DateFormat),
		assign(KeyCompressionLevel, strconv.Itoa(c.CompressionLevel)),
	}
	if c.StripComponents > 0 {
		lines = append(lines, assign(KeyStripComponents, strconv.Itoa(c.StripComponents)))
	}
	return lines
}

func assign(name, value string) string {
	return fmt.Sprintf("%s='%s'", name, value)
}

// Ensure returns the configuration stored at path. When the file is missing
// or unusable, the whole configuration is requested from p, validated and
// persisted before it is returned. A valid file is never rewritten.
func Ensure(ctx context.Context, path string, p Provider) (Config, error) {
	logger := logging.FromContext(ctx)

	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	switch {
	case errors.Is(err, errors.ErrNotFound):
		logger.Info("options file not found, configuring", "path", path)
	case errors.Is(err, errors.ErrInvalidConfig):
		logger.Warn("options file unusable, reconfiguring", "path", path, "error", err)
	default:
		return Config{}, err
	}

	if p == nil {
		return Config{}, errors.Wrap(errors.ErrNotInteractive, "options file must be configured")
	}

	cfg, err = p.ProvideConfig(ctx, Default())
	if err != nil {
		return Config{}, errors.Wrap(err, "collecting options")
	}
	cfg = cfg.normalize(paths.Home())

	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}
	logger.Info("options saved", "path", path)
	return cfg, nil
}
