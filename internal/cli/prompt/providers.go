package prompt

import (
	"context"
	"fmt"
	"strconv"

	"github.com/thoreinstein/hbak/internal/config"
	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/paths"
)

// SelectExclusions offers each candidate with a yes default and returns the
// accepted ones in order.
func (p *Prompter) SelectExclusions(_ context.Context, candidates []string) ([]string, error) {
	fmt.Fprintln(p.writer, "Choose the directories to leave out of every backup.")
	var accepted []string
	for _, c := range candidates {
		ok, err := p.confirm("Exclude "+c+"?", true)
		if err != nil {
			return nil, err
		}
		if ok {
			accepted = append(accepted, c)
		}
	}
	return accepted, nil
}

// ProvideConfig asks for every option, repeating the form until the answers
// validate.
func (p *Prompter) ProvideConfig(_ context.Context, defaults config.Config) (config.Config, error) {
	fmt.Fprintln(p.writer, "hbak needs to be configured.")

	cfg := defaults
	for range maxAttempts {
		var err error
		if cfg, err = p.configForm(cfg); err != nil {
			return config.Config{}, err
		}
		errs := config.Validate(cfg)
		if len(errs) == 0 {
			return cfg, nil
		}
		for _, e := range errs {
			fmt.Fprintf(p.writer, "  %v\n", e)
		}
	}
	return config.Config{}, errors.Wrap(errors.ErrInvalidConfig, "options were not valid after several attempts")
}

func (p *Prompter) configForm(cfg config.Config) (config.Config, error) {
	out, err := p.ask("Output directory for snapshots", cfg.OutputDir)
	if err != nil {
		return cfg, err
	}
	cfg.OutputDir = paths.ExpandHome(out, p.home)

	restore, err := p.ask("Directory for extracted restores", cfg.RestoreDir)
	if err != nil {
		return cfg, err
	}
	cfg.RestoreDir = paths.ExpandHome(restore, p.home)

	if cfg.DateFormat, err = p.ask("Date stamp layout", cfg.DateFormat); err != nil {
		return cfg, err
	}

	level, err := p.ask(
		fmt.Sprintf("Compression level (%d-%d)", config.MinCompressionLevel, config.MaxCompressionLevel),
		strconv.Itoa(cfg.CompressionLevel))
	if err != nil {
		return cfg, err
	}
	n, convErr := strconv.Atoi(level)
	if convErr != nil {
		n = 0
	}
	cfg.CompressionLevel = n
	return cfg, nil
}
