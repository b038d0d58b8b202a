// Package keystore manages the symmetric passphrase used to encrypt snapshots.
package keystore

import (
	"crypto/rand"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/pkg/fileutil"
)

// KeyLength is the number of characters in a generated key.
const KeyLength = 32

// FilePerm is the only permission set a key file may carry.
const FilePerm = 0o600

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	// ErrKeyPermissions indicates the key file grants group or other access.
	ErrKeyPermissions = errors.New("key file permissions too open")

	// ErrKeyInaccessible indicates the key file cannot be read and written by
	// this process, is not a regular file, or is truncated.
	ErrKeyInaccessible = errors.New("key file not accessible")
)

// Generate returns n characters drawn uniformly from [A-Za-z0-9].
func Generate(n int) (string, error) {
	if n <= 0 {
		return "", errors.Newf("invalid key length %d", n)
	}
	limit := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(n)
	for range n {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", errors.Wrap(err, "reading random source")
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// Ensure makes sure a usable key exists at path. A missing key is generated
// and written with FilePerm. An existing key is verified and never replaced,
// even when verification fails.
func Ensure(path string) (created bool, err error) {
	if _, err := os.Lstat(path); err != nil {
		if !os.IsNotExist(err) {
			return false, errors.Wrapf(ErrKeyInaccessible, "%s: %v", path, err)
		}
		key, err := Generate(KeyLength)
		if err != nil {
			return false, err
		}
		if err := paths.EnsureDir(filepath.Dir(path), paths.DefaultDirPerm); err != nil {
			return false, errors.Wrap(err, "creating key directory")
		}
		err = fileutil.AtomicCreateFile(path, []byte(key), FilePerm)
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, fileutil.ErrExists):
			return false, errors.Wrap(err, "writing key file")
		}
		// Another invocation created the key first; use theirs.
	}
	return false, Verify(path)
}

// Verify checks that path is a regular file readable and writable by the
// current process, with no group or other permission bits, holding at least
// KeyLength characters.
func Verify(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return errors.Wrapf(ErrKeyInaccessible, "%s: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		return errors.Wrapf(ErrKeyInaccessible, "%s is not a regular file", path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return errors.WithHintf(
			errors.Wrapf(ErrKeyPermissions, "%s has mode %04o", path, perm),
			"chmod 600 %s", path)
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return errors.Wrapf(ErrKeyInaccessible, "%s: %v", path, err)
	}
	if _, err := Read(path); err != nil {
		return err
	}
	return nil
}

// Read returns the key stored at path with surrounding whitespace removed.
// The value must never be logged.
func Read(path string) (string, error) {
	data, err := fileutil.ReadFileWithLimit(path, fileutil.MaxKeySize)
	if err != nil {
		return "", errors.Wrapf(ErrKeyInaccessible, "%s: %v", path, err)
	}
	key := strings.TrimSpace(string(data))
	if len(key) < KeyLength {
		return "", errors.Wrapf(ErrKeyInaccessible, "%s holds a truncated key", path)
	}
	return key, nil
}
