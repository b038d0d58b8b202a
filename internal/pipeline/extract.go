package pipeline

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/logging"
	"github.com/thoreinstein/hbak/internal/paths"
)

// ownerRWX is kept on directories while their entries are extracted.
const ownerRWX = 0o700

// errUnsafe marks entries refused because they would escape the target.
var errUnsafe = errors.New("entry escapes target")

// readError carries a failure of the tar stream itself, as opposed to a
// failure writing one entry.
type readError struct {
	err error
}

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

// dirAttrs holds the recorded mode and times of an extracted directory.
// Both are applied after every entry is written.
type dirAttrs struct {
	path  string
	mode  os.FileMode
	atime time.Time
	mtime time.Time
}

// extractor writes tar entries below root.
type extractor struct {
	root     string
	resolved string
	strip    int
	// confineLinks requires symlink targets to resolve inside root.
	confineLinks bool
	logger       *slog.Logger
	res          *Result

	// safe caches directories already verified to resolve inside root.
	safe   map[string]bool
	dirs   []dirAttrs
	asRoot bool
}

func newExtractor(root string, strip int, confineLinks bool, logger *slog.Logger) (*extractor, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving target %s", root)
	}
	return &extractor{
		root:         root,
		resolved:     resolved,
		strip:        strip,
		confineLinks: confineLinks,
		logger:       logger,
		res:          &Result{},
		safe:         map[string]bool{root: true},
		asRoot:       os.Geteuid() == 0,
	}, nil
}

// run extracts the tar stream read from r. Directory modes and times are
// applied on the way out, whether or not the stream was read to the end.
func (x *extractor) run(ctx context.Context, r io.Reader) error {
	defer x.finishDirs()
	return x.extract(ctx, r)
}

func (x *extractor) extract(ctx context.Context, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		if ctx.Err() != nil {
			return stageErr(StageExtract, context.Cause(ctx))
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stageErr(StageExtract, err)
		}

		rel, ok, err := stripName(hdr.Name, x.strip)
		if err != nil {
			x.logger.Warn("refusing archive entry", "name", hdr.Name, "error", err)
			x.res.Rejected++
			continue
		}
		if !ok {
			x.res.Stripped++
			continue
		}

		if err := x.entry(tr, hdr, rel); err != nil {
			var re *readError
			switch {
			case errors.As(err, &re):
				return stageErr(StageExtract, re.err)
			case errors.Is(err, errUnsafe):
				x.logger.Warn("refusing archive entry", "name", hdr.Name, "error", err)
				x.res.Rejected++
			default:
				x.logger.Warn("failed to extract", "name", hdr.Name, "error", err)
				x.res.Failed++
			}
			continue
		}
		x.res.Entries++
		x.logger.Log(ctx, logging.LevelTrace, "extracted", "name", hdr.Name, "size", hdr.Size)
	}

	// Drain padding after the end-of-archive marker so the upstream stage
	// does not see a closed pipe.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return stageErr(StageExtract, err)
	}
	return nil
}

// finishDirs applies recorded directory modes and times, deepest first.
// Directories stay owner-writable until then so read-only directories can
// still receive their entries, and writing an entry updates the parent mtime.
func (x *extractor) finishDirs() {
	for _, d := range slices.Backward(x.dirs) {
		if err := os.Chmod(d.path, d.mode); err != nil {
			x.logger.Warn("failed to set directory mode", "path", d.path, "error", err)
		}
		if err := os.Chtimes(d.path, d.atime, d.mtime); err != nil {
			x.logger.Debug("failed to set directory times", "path", d.path, "error", err)
		}
	}
	x.dirs = nil
}

// stripName validates an entry name and removes n leading segments. It
// returns ok=false when nothing remains after stripping.
func stripName(name string, n int) (string, bool, error) {
	name = strings.TrimPrefix(name, "./")
	if strings.HasPrefix(name, "/") {
		return "", false, errors.Wrapf(errUnsafe, "absolute name %q", name)
	}
	var parts []string
	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", false, errors.Wrapf(errUnsafe, "parent reference in %q", name)
		}
		parts = append(parts, seg)
	}
	if len(parts) <= n {
		return "", false, nil
	}
	return path.Join(parts[n:]...), true, nil
}

// target maps a stripped entry name to a path below root, verifying that no
// existing parent directory is a symlink leading outside root.
func (x *extractor) target(rel string) (string, error) {
	t := filepath.Join(x.root, filepath.FromSlash(rel))
	if !paths.IsUnder(t, x.root) || t == x.root {
		return "", errors.Wrapf(errUnsafe, "%q", rel)
	}
	if err := x.checkParents(filepath.Dir(t)); err != nil {
		return "", err
	}
	return t, nil
}

func (x *extractor) checkParents(dir string) error {
	if x.safe[dir] {
		return nil
	}
	if dir != x.root {
		if err := x.checkParents(filepath.Dir(dir)); err != nil {
			return err
		}
	}

	info, err := os.Lstat(dir)
	switch {
	case os.IsNotExist(err):
		// Created below with MkdirAll; its parents are already verified.
		return nil
	case err != nil:
		return err
	case info.Mode()&os.ModeSymlink != 0:
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return errors.Wrapf(errUnsafe, "unresolvable symlink %s", dir)
		}
		if !paths.IsUnder(resolved, x.resolved) {
			return errors.Wrapf(errUnsafe, "%s links outside target", dir)
		}
	}
	x.safe[dir] = true
	return nil
}

// forget drops cached verdicts at or below p after p was replaced.
func (x *extractor) forget(p string) {
	for k := range x.safe {
		if k != x.root && paths.IsUnder(k, p) {
			delete(x.safe, k)
		}
	}
}

func (x *extractor) entry(tr *tar.Reader, hdr *tar.Header, rel string) error {
	target, err := x.target(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirPerm); err != nil {
		return errors.Wrap(err, "creating parent directory")
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return x.dir(target, hdr)
	case tar.TypeReg:
		return x.file(tr, target, hdr)
	case tar.TypeSymlink:
		return x.symlink(target, hdr)
	case tar.TypeLink:
		return x.hardlink(target, hdr)
	default:
		x.logger.Debug("skipping unsupported entry", "name", hdr.Name, "type", hdr.Typeflag)
		x.res.Special++
		return nil
	}
}

func (x *extractor) dir(target string, hdr *tar.Header) error {
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.Remove(target); err != nil {
			return errors.Wrap(err, "replacing non-directory")
		}
		x.forget(target)
	}
	mode := hdr.FileInfo().Mode().Perm()
	if err := os.MkdirAll(target, paths.DefaultDirPerm); err != nil {
		return errors.Wrap(err, "create directory")
	}
	if err := os.Chmod(target, mode|ownerRWX); err != nil {
		return errors.Wrap(err, "chmod directory")
	}
	x.chown(target, hdr, false)
	x.dirs = append(x.dirs, dirAttrs{path: target, mode: mode, atime: accessTime(hdr), mtime: hdr.ModTime})
	return nil
}

func (x *extractor) file(tr *tar.Reader, target string, hdr *tar.Header) error {
	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			return errors.Newf("%s exists as a directory", target)
		}
		if err := os.Remove(target); err != nil {
			return errors.Wrap(err, "removing existing file")
		}
	}

	mode := hdr.FileInfo().Mode().Perm()
	// O_EXCL refuses to follow a symlink planted at target.
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return errors.Wrap(err, "create file")
	}

	src := &trackingReader{r: tr}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		if src.err != nil {
			return &readError{err: src.err}
		}
		return errors.Wrap(err, "write file content")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close file")
	}

	if err := os.Chmod(target, mode); err != nil {
		return errors.Wrap(err, "chmod file")
	}
	x.chown(target, hdr, false)
	if err := os.Chtimes(target, accessTime(hdr), hdr.ModTime); err != nil {
		x.logger.Debug("failed to set file times", "path", target, "error", err)
	}
	return nil
}

func (x *extractor) symlink(target string, hdr *tar.Header) error {
	link := hdr.Linkname
	if x.confineLinks {
		resolved := link
		if !filepath.IsAbs(link) {
			resolved = filepath.Join(filepath.Dir(target), link)
		}
		if !paths.IsUnder(resolved, x.root) {
			return errors.Wrapf(errUnsafe, "symlink %s -> %s leaves target", hdr.Name, link)
		}
	}

	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			return errors.Newf("%s exists as a directory", target)
		}
		if err := os.Remove(target); err != nil {
			return errors.Wrap(err, "removing existing entry")
		}
	}
	if err := os.Symlink(link, target); err != nil {
		return errors.Wrap(err, "create symlink")
	}
	x.forget(target)
	x.chown(target, hdr, true)
	return nil
}

func (x *extractor) hardlink(target string, hdr *tar.Header) error {
	rel, ok, err := stripName(hdr.Linkname, x.strip)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errUnsafe, "hard link target %q stripped away", hdr.Linkname)
	}
	source, err := x.target(rel)
	if err != nil {
		return err
	}
	info, err := os.Lstat(source)
	if err != nil {
		return errors.Wrap(err, "hard link target")
	}
	if !info.Mode().IsRegular() {
		return errors.Wrapf(errUnsafe, "hard link target %s is not a regular file", source)
	}

	if _, err := os.Lstat(target); err == nil {
		if err := os.Remove(target); err != nil {
			return errors.Wrap(err, "removing existing entry")
		}
	}
	return errors.Wrap(os.Link(source, target), "create hard link")
}

// chown restores ownership when running as root; otherwise files already
// belong to the invoking user.
func (x *extractor) chown(target string, hdr *tar.Header, link bool) {
	if !x.asRoot {
		return
	}
	var err error
	if link {
		err = os.Lchown(target, hdr.Uid, hdr.Gid)
	} else {
		err = os.Chown(target, hdr.Uid, hdr.Gid)
	}
	if err != nil {
		x.logger.Debug("failed to chown", "path", target, "error", err)
	}
}

func accessTime(hdr *tar.Header) time.Time {
	if hdr.AccessTime.IsZero() {
		return hdr.ModTime
	}
	return hdr.AccessTime
}
