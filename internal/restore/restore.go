// Package restore chooses a snapshot and a restore mode and hands the
// request to the pipeline.
//
// The interactive parts are behind [Picker]; the terminal implementation
// lives in internal/cli/prompt.
package restore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/thoreinstein/hbak/internal/config"
	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/naming"
	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/internal/pipeline"
)

// ErrNoSnapshots indicates the output directory holds no snapshot.
var ErrNoSnapshots = errors.New("no snapshots found")

// Picker asks the user which snapshot to restore and how. Implementations
// return errors.ErrCancelled when the user aborts.
type Picker interface {
	// PickSnapshot returns one of snapshots, which is ordered newest first.
	PickSnapshot(ctx context.Context, snapshots []naming.Snapshot) (naming.Snapshot, error)

	// PickMode returns the restore mode, offering def as the default.
	PickMode(ctx context.Context, snap naming.Snapshot, def pipeline.Mode) (pipeline.Mode, error)
}

// Restorer runs the reverse pipeline. *pipeline.Pipeline implements it.
type Restorer interface {
	Restore(ctx context.Context, req pipeline.RestoreRequest) (*pipeline.Result, error)
}

// Selector drives one interactive restore.
type Selector struct {
	Picker   Picker
	Pipeline Restorer
	Config   config.Config

	// Home is the in-place target and the source of the default strip count.
	Home string

	// KeyPath is the key file used to decrypt.
	KeyPath string

	Logger *slog.Logger
}

// Outcome describes what Run did.
type Outcome struct {
	// Cancelled is set when the user aborted either prompt; nothing was
	// restored.
	Cancelled bool

	Snapshot naming.Snapshot
	Mode     pipeline.Mode
	Target   string
	Strip    int
	Result   *pipeline.Result
}

// Run lists the snapshots in the configured output directory, asks the
// Picker for a snapshot and a mode and performs the restore.
//
// An empty or missing output directory yields ErrNoSnapshots. A cancelled
// prompt yields an Outcome with Cancelled set and a nil error.
func (s *Selector) Run(ctx context.Context) (*Outcome, error) {
	if s.Picker == nil {
		return nil, errors.ErrNotInteractive
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	snapshots, err := s.snapshots()
	if err != nil {
		return nil, err
	}

	snap, err := s.Picker.PickSnapshot(ctx, snapshots)
	if errors.Is(err, errors.ErrCancelled) {
		logger.Info("restore cancelled")
		return &Outcome{Cancelled: true}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting snapshot")
	}

	mode, err := s.Picker.PickMode(ctx, snap, pipeline.ModeInPlace)
	if errors.Is(err, errors.ErrCancelled) {
		logger.Info("restore cancelled", "snapshot", snap.Name.String())
		return &Outcome{Cancelled: true, Snapshot: snap}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting restore mode")
	}

	out := &Outcome{
		Snapshot: snap,
		Mode:     mode,
		Target:   s.target(snap, mode),
	}
	if mode == pipeline.ModeInPlace {
		out.Strip = s.strip()
	}

	logger.Info("restoring snapshot",
		"snapshot", snap.Name.String(),
		"mode", mode.String(),
		"target", out.Target)

	res, err := s.Pipeline.Restore(ctx, pipeline.RestoreRequest{
		SourcePath: snap.Path,
		KeyPath:    s.KeyPath,
		Mode:       mode,
		Target:     out.Target,
		Strip:      out.Strip,
	})
	out.Result = res
	return out, err
}

func (s *Selector) snapshots() ([]naming.Snapshot, error) {
	dir := s.Config.OutputDir
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNoSnapshots, "output directory %s does not exist", dir)
	}
	snapshots, err := naming.List(dir)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, errors.Wrapf(ErrNoSnapshots, "in %s", dir)
	}
	return snapshots, nil
}

func (s *Selector) target(snap naming.Snapshot, mode pipeline.Mode) string {
	if mode == pipeline.ModeExtract {
		return filepath.Join(s.Config.RestoreDir, snap.Name.Stem())
	}
	return s.Home
}

// strip returns the configured override, or the number of segments in the
// home directory, since backups record entries under the absolute home path.
func (s *Selector) strip() int {
	if s.Config.StripComponents > 0 {
		return s.Config.StripComponents
	}
	return len(paths.Segments(s.Home))
}
