package commands

import (
	"context"
	"io"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/filter"
	"github.com/thoreinstein/hbak/internal/guard"
	"github.com/thoreinstein/hbak/internal/keystore"
	"github.com/thoreinstein/hbak/internal/logging"
	"github.com/thoreinstein/hbak/internal/naming"
	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/internal/pipeline"
)

func runBackup(cmd *cobra.Command) error {
	err := backupCycle(cmd.Context(), cmd.OutOrStdout())
	if errors.Is(err, errors.ErrCancelled) {
		printf(cmd.OutOrStdout(), "Cancelled, nothing was written.\n")
		return nil
	}
	return err
}

// backupCycle ensures options, key and filters, writes one snapshot and
// lists the output directory.
func backupCycle(ctx context.Context, w io.Writer) error {
	logger := logging.FromContext(ctx)

	home, err := paths.ResolveHome()
	if err != nil {
		return errors.NewSystemError(err, "set $HOME")
	}
	l := layout()
	cp, fp := providers(home)

	cfg, err := loadConfig(ctx, l, cp)
	if err != nil {
		return err
	}

	created, err := keystore.Ensure(l.KeyFile())
	if err != nil {
		return keyError(err, l.KeyFile())
	}
	if created {
		logger.Info("generated key", "path", l.KeyFile())
		printf(w, "Generated a new key at %s.\nKeep a copy of it: snapshots cannot be restored without it.\n", l.KeyFile())
	}

	set, err := filter.Load(ctx, l.FiltersFile(), home, fp)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrCancelled):
			return err
		case errors.Is(err, errors.ErrNotInteractive):
			return errors.NewUserError(err, "Run hbak from a terminal once, or create "+l.FiltersFile())
		case errors.Is(err, filter.ErrInvalidEntry):
			return errors.NewUserError(err, "Run: hbak filters edit")
		}
		return errors.NewSystemError(err, "")
	}

	if err := paths.EnsureDir(cfg.OutputDir, paths.DefaultDirPerm); err != nil {
		return errors.NewSystemError(errors.Wrap(err, "creating output directory"), "check permissions on "+filepath.Dir(cfg.OutputDir))
	}

	date := now().Format(cfg.DateFormat)
	userName, host, err := identity()
	if err != nil {
		return errors.NewSystemError(err, "")
	}

	if dryRun {
		name, err := naming.Next(date, userName, host, cfg.OutputDir)
		if err != nil {
			return errors.NewSystemError(err, "")
		}
		printf(w, "Would write %s\n", filepath.Join(cfg.OutputDir, name))
		printf(w, "Source:     %s\n", home)
		printf(w, "Exclusions: %d\n", set.Len())
		for _, e := range set.Entries() {
			printf(w, "  %s\n", e)
		}
		return nil
	}

	// Armed before the name is reserved: the reserved file is empty until
	// the pipeline finishes and must not survive a signal.
	g := guard.Arm(ctx, "", guard.WithLogger(logger))
	defer g.Release() //nolint:errcheck // released explicitly in writeSnapshot

	dest, err := naming.Reserve(g.Context(), date, userName, host, cfg.OutputDir)
	if err != nil {
		if relErr := g.Release(); errors.Is(relErr, guard.ErrInterrupted) {
			return errors.NewInterruptedError(relErr)
		}
		return errors.NewSystemError(err, "check permissions on "+cfg.OutputDir)
	}
	g.Watch(dest)
	logger.Debug("snapshot name reserved", "path", dest)

	res, err := writeSnapshot(ctx, g, cfg.CompressionLevel, pipeline.BackupRequest{
		SourceRoot: home,
		Exclusions: set,
		KeyPath:    l.KeyFile(),
		DestPath:   dest,
	})
	if err != nil {
		return err
	}

	printf(w, "Wrote %s (%s, %d entries, %d excluded) in %s\n",
		filepath.Base(dest),
		humanize.IBytes(uint64(res.SnapshotBytes)),
		res.Entries,
		res.Excluded,
		res.Duration.Round(time.Millisecond))
	if res.Unreadable > 0 {
		printf(w, "Skipped %d unreadable entries; run with -v for details.\n", res.Unreadable)
	}

	snaps, err := naming.List(cfg.OutputDir)
	if err != nil {
		return errors.NewSystemError(err, "")
	}
	if !quiet {
		printf(w, "\n%s:\n", cfg.OutputDir)
		return writeSnapshotTable(w, snaps)
	}
	return nil
}

// writeSnapshot runs the pipeline under g so that a partial file never
// survives a failed or interrupted backup. g is released before returning.
func writeSnapshot(ctx context.Context, g *guard.Guard, level int, req pipeline.BackupRequest) (*pipeline.Result, error) {
	logger := logging.FromContext(ctx)

	res, err := newPipeline(logger, level).Backup(g.Context(), req)
	if err == nil {
		g.Complete()
	}

	relErr := g.Release()
	switch {
	case errors.Is(relErr, guard.ErrInterrupted):
		return nil, errors.NewInterruptedError(relErr)
	case err != nil:
		return nil, backupError(err, req)
	case relErr != nil:
		return nil, errors.NewSystemError(relErr, "remove "+req.DestPath+" by hand")
	}
	return res, nil
}

func backupError(err error, req pipeline.BackupRequest) error {
	var stage *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrDestinationNotWritable):
		return errors.NewSystemError(err, "check permissions on "+filepath.Dir(req.DestPath))
	case errors.As(err, &stage):
		return errors.NewSystemError(err, "the partial snapshot was removed; run with -v for details")
	default:
		return errors.NewSystemError(err, "")
	}
}

func keyError(err error, path string) error {
	if errors.Is(err, keystore.ErrKeyPermissions) {
		return errors.NewSystemError(err, "chmod 600 "+path+" (hbak never changes an existing key)")
	}
	return errors.NewSystemError(err, "check "+path+"; hbak never replaces an existing key")
}

// identity returns the user and short host name used in snapshot names.
func identity() (string, string, error) {
	u, err := user.Current()
	if err != nil {
		return "", "", errors.Wrap(err, "resolving current user")
	}
	h, err := hostname()
	if err != nil {
		return "", "", errors.Wrap(err, "resolving host name")
	}
	return u.Username, shortHost(h), nil
}

// shortHost drops the domain and replaces the name delimiter so the host
// stays one field of the snapshot name.
func shortHost(h string) string {
	h, _, _ = strings.Cut(h, ".")
	h = strings.ReplaceAll(h, "_", "-")
	if h == "" {
		return "localhost"
	}
	return h
}
