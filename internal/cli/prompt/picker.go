package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ktr0731/go-fuzzyfinder"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/naming"
	"github.com/thoreinstein/hbak/internal/pipeline"
)

// PickSnapshot lets the user choose a snapshot with the fuzzy finder.
func (p *Prompter) PickSnapshot(_ context.Context, snapshots []naming.Snapshot) (naming.Snapshot, error) {
	if len(snapshots) == 0 {
		return naming.Snapshot{}, errors.Wrap(ErrInvalidSelection, "no snapshots to choose from")
	}
	idx, err := p.find(snapshots)
	if err != nil {
		return naming.Snapshot{}, err
	}
	if idx < 0 || idx >= len(snapshots) {
		return naming.Snapshot{}, errors.Wrapf(ErrInvalidSelection, "index %d out of range", idx)
	}
	return snapshots[idx], nil
}

func fuzzyFind(snapshots []naming.Snapshot) (int, error) {
	idx, err := fuzzyfinder.Find(
		snapshots,
		func(i int) string {
			return snapshots[i].Name.String()
		},
		fuzzyfinder.WithPromptString("snapshot> "),
		fuzzyfinder.WithPreviewWindow(func(i, w, h int) string {
			if i == -1 {
				return ""
			}
			return Describe(snapshots[i])
		}),
	)
	if err != nil {
		if errors.Is(err, fuzzyfinder.ErrAbort) {
			return -1, errors.ErrCancelled
		}
		return -1, errors.Wrap(err, "snapshot picker failed")
	}
	return idx, nil
}

// Describe renders the preview shown next to a snapshot.
func Describe(s naming.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Date:     %s\n", s.Name.Date)
	fmt.Fprintf(&b, "User:     %s\n", s.Name.User)
	fmt.Fprintf(&b, "Host:     %s\n", s.Name.Host)
	fmt.Fprintf(&b, "Sequence: %d\n", s.Name.Seq)
	fmt.Fprintf(&b, "Size:     %s\n", humanize.IBytes(uint64(max(s.Size, 0))))
	if !s.ModTime.IsZero() {
		fmt.Fprintf(&b, "Written:  %s (%s)\n", s.ModTime.Format("2006-01-02 15:04"), humanize.Time(s.ModTime))
	}
	return b.String()
}

// PickMode asks whether to restore over the home directory or extract into
// the staging directory. An empty answer selects def.
func (p *Prompter) PickMode(_ context.Context, snap naming.Snapshot, def pipeline.Mode) (pipeline.Mode, error) {
	fmt.Fprintf(p.writer, "Selected %s\n", snap.Name.String())
	fmt.Fprintf(p.writer, "  restore  overwrite files in your home directory\n")
	fmt.Fprintf(p.writer, "  extract  unpack into a fresh directory under the restore directory\n")

	for range maxAttempts {
		answer, err := p.ask("Mode", def.String())
		if err != nil {
			return def, err
		}
		mode, err := pipeline.ParseMode(answer)
		if err == nil {
			return mode, nil
		}
		fmt.Fprintf(p.writer, "Unknown mode %q, answer restore or extract.\n", answer)
	}
	return def, errors.Wrap(ErrInvalidSelection, "no valid restore mode given")
}
