// Package filter holds the exclusion list applied when archiving the home
// directory.
//
// The list is an ordered sequence of absolute path prefixes persisted one
// per line. It is created once, interactively, through a [Provider] and is
// afterwards only ever appended to by explicit user action.
package filter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/logging"
	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/pkg/fileutil"
)

// FilePerm is the permission applied to the filters file.
const FilePerm = 0o600

// ErrInvalidEntry indicates an exclusion that is not an absolute path.
var ErrInvalidEntry = errors.New("exclusion must be an absolute path")

// Provider chooses which candidate exclusions to persist on first use.
// The CLI implementation asks about each candidate with a yes-default prompt.
type Provider interface {
	SelectExclusions(ctx context.Context, candidates []string) ([]string, error)
}

// Set is an ordered list of excluded path prefixes. Matching is pure set
// membership; the order of entries has no effect on the result.
type Set struct {
	entries []string
}

// New returns a Set holding entries. Relative entries are rejected.
func New(entries ...string) (*Set, error) {
	s := &Set{}
	for _, e := range entries {
		if !filepath.IsAbs(e) {
			return nil, errors.Wrapf(ErrInvalidEntry, "%q", e)
		}
		s.entries = append(s.entries, filepath.Clean(e))
	}
	return s, nil
}

// Entries returns a copy of the exclusions in file order, duplicates included.
func (s *Set) Entries() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Excluded reports whether path equals an entry or lies beneath one.
// "/a/b" excludes "/a/b" and "/a/b/c" but not "/a/bc".
func (s *Set) Excluded(path string) bool {
	if s == nil {
		return false
	}
	for _, e := range s.entries {
		if paths.IsUnder(path, e) {
			return true
		}
	}
	return false
}

// Append adds entries to the set and to the file at path. Existing lines are
// never rewritten.
func (s *Set) Append(path string, entries ...string) error {
	add, err := New(entries...)
	if err != nil {
		return err
	}
	if add.Len() == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, FilePerm)
	if err != nil {
		return errors.Wrap(err, "opening filters file")
	}
	w := bufio.NewWriter(f)
	for _, e := range add.entries {
		fmt.Fprintln(w, e)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "appending to filters file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing filters file")
	}

	s.entries = append(s.entries, add.entries...)
	return nil
}

// Parse reads one exclusion per line. Blank lines and lines starting with #
// are ignored; a leading ~ is expanded against home.
func Parse(data []byte, home string) (*Set, error) {
	s := &Set{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = paths.ExpandHome(text, home)
		if !filepath.IsAbs(text) {
			return nil, errors.Wrapf(ErrInvalidEntry, "line %d: %q", line, text)
		}
		s.entries = append(s.entries, text)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning filters")
	}
	return s, nil
}

// DefaultCandidates returns the exclusions offered on first use.
func DefaultCandidates(home string) []string {
	rel := []string{
		".cache",
		"Downloads",
		filepath.Join(".local", "share", "Trash"),
		".npm",
		filepath.Join(".cargo", "registry"),
		filepath.Join("go", "pkg", "mod"),
		"snap",
		filepath.Join(".var", "app"),
	}
	out := make([]string, len(rel))
	for i, r := range rel {
		out[i] = filepath.Join(home, r)
	}
	return out
}

// Load returns the exclusion list stored at path. When the file does not
// exist, p selects from DefaultCandidates(home) and the accepted entries are
// written before returning. An empty selection still creates the file so the
// question is not asked again.
func Load(ctx context.Context, path, home string, p Provider) (*Set, error) {
	data, err := fileutil.ReadFileWithLimit(path, fileutil.MaxConfigSize)
	if err == nil {
		return Parse(data, home)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		return nil, errors.Wrap(err, "reading filters file")
	}
	if p == nil {
		return nil, errors.Wrap(errors.ErrNotInteractive, "filters file must be configured")
	}

	logger := logging.FromContext(ctx)
	logger.Info("filters file not found, selecting exclusions", "path", path)

	chosen, err := p.SelectExclusions(ctx, DefaultCandidates(home))
	if err != nil {
		return nil, errors.Wrap(err, "selecting exclusions")
	}
	s, err := New(chosen...)
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDir(filepath.Dir(path), paths.DefaultDirPerm); err != nil {
		return nil, errors.Wrap(err, "creating filters directory")
	}
	if err := fileutil.AtomicWriteLines(path, s.entries, FilePerm); err != nil {
		return nil, errors.Wrap(err, "writing filters file")
	}
	logger.Info("filters saved", "path", path, "count", s.Len())
	return s, nil
}
