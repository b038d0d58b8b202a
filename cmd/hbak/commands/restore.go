package commands

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/keystore"
	"github.com/thoreinstein/hbak/internal/logging"
	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/internal/pipeline"
	"github.com/thoreinstein/hbak/internal/restore"
)

func runRestore(cmd *cobra.Command) error {
	err := restoreCycle(cmd.Context(), cmd.OutOrStdout())
	switch {
	case errors.Is(err, errors.ErrCancelled):
		printf(cmd.OutOrStdout(), "Cancelled, nothing was restored.\n")
		return nil
	case errors.Is(err, restore.ErrNoSnapshots):
		printf(cmd.OutOrStdout(), "No snapshots to restore: %v\n", err)
		return nil
	}
	return err
}

// restoreCycle lets the user pick a snapshot and a mode and restores it.
// The key and filters are never created here.
func restoreCycle(ctx context.Context, w io.Writer) error {
	logger := logging.FromContext(ctx)

	home, err := paths.ResolveHome()
	if err != nil {
		return errors.NewSystemError(err, "set $HOME")
	}
	if !stdinIsTerminal() {
		return errors.NewUserError(errors.ErrNotInteractive, "Run hbak --restore from a terminal")
	}

	l := layout()
	cp, _ := providers(home)
	cfg, err := loadConfig(ctx, l, cp)
	if err != nil {
		return err
	}

	if err := keystore.Verify(l.KeyFile()); err != nil {
		return keyError(err, l.KeyFile())
	}

	sel := &restore.Selector{
		Picker:   newPicker(home),
		Pipeline: newPipeline(logger, cfg.CompressionLevel),
		Config:   cfg,
		Home:     home,
		KeyPath:  l.KeyFile(),
		Logger:   logger,
	}

	out, err := sel.Run(ctx)
	if err != nil {
		return restoreError(err, l.KeyFile())
	}
	if out.Cancelled {
		return errors.ErrCancelled
	}

	res := out.Result
	printf(w, "Restored %s into %s (%d entries) in %s\n",
		out.Snapshot.Name.String(),
		out.Target,
		res.Entries,
		res.Duration.Round(time.Millisecond))
	if out.Mode == pipeline.ModeInPlace && res.Stripped > 0 {
		printf(w, "Skipped %d entries above the home directory.\n", res.Stripped)
	}
	if res.Rejected > 0 {
		printf(w, "Refused %d unsafe entries; run with -v for details.\n", res.Rejected)
	}
	return nil
}

func restoreError(err error, keyPath string) error {
	switch {
	case errors.Is(err, errors.ErrCancelled), errors.Is(err, restore.ErrNoSnapshots):
		return err
	case errors.Is(err, pipeline.ErrDecrypt):
		return errors.NewSystemError(err, "the snapshot is corrupt or was written with a different key than "+keyPath)
	case errors.Is(err, errors.ErrNotInteractive):
		return errors.NewUserError(err, "Run hbak --restore from a terminal")
	case errors.Is(err, pipeline.ErrIncomplete):
		return errors.NewSystemError(err, "run with -v to see which entries failed; the others were restored")
	default:
		return errors.NewSystemError(err, "files restored before the failure were left in place")
	}
}
