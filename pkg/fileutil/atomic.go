// Package fileutil writes and reads the small state files hbak keeps next to
// each other: the key, the options and the filters. A crash never leaves one
// of them half written.
package fileutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/thoreinstein/hbak/internal/errors"
)

const tempPattern = ".hbak-*.tmp"

// ErrExists is returned by AtomicCreateFile when the target already exists.
var ErrExists = errors.New("file already exists")

// AtomicWriteFile replaces path with data through a synced temp file in the
// same directory. The parent directory must exist.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := writeTemp(dir, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "renaming temp file")
	}
	syncDir(dir)
	return nil
}

// AtomicCreateFile publishes data at path only when nothing exists there
// yet. Concurrent callers race on a hard link, so exactly one succeeds and
// the others get ErrExists. The parent directory must exist.
func AtomicCreateFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := writeTemp(dir, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(ErrExists, "%s", path)
		}
		// Some filesystems have no hard links.
		if err := writeExclusive(path, data, perm); err != nil {
			return err
		}
	}
	syncDir(dir)
	return nil
}

// AtomicWriteLines writes lines to path with AtomicWriteFile, each followed
// by a newline. An empty slice produces an empty file.
func AtomicWriteLines(path string, lines []string, perm os.FileMode) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return AtomicWriteFile(path, []byte(b.String()), perm)
}

func writeTemp(dir string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", errors.Wrap(err, "creating temp file")
	}
	name := tmp.Name()

	err = tmp.Chmod(perm)
	if err == nil {
		_, err = tmp.Write(data)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name)
		return "", errors.Wrap(err, "writing temp file")
	}
	return name, nil
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(ErrExists, "%s", path)
		}
		return errors.Wrap(err, "creating file")
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return errors.Wrap(err, "writing file")
	}
	return nil
}

// syncDir persists a rename or link. Errors are ignored because some
// filesystems reject fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
