// Package naming allocates and parses snapshot file names of the form
// <date>_<user>_<host>_<seq>.tar.zst.age.
package naming

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

// Extension names the three container stages in the order they are applied.
const Extension = ".tar.zst.age"

// LockFileName is the reservation lock created inside the output directory.
const LockFileName = ".hbak.lock"

// FilePerm is the permission of a reserved snapshot file.
const FilePerm = 0o600

const (
	sep          = "_"
	lockInterval = 50 * time.Millisecond
	maxAttempts  = 64
)

// ErrInvalidComponent indicates a date, user or host value that cannot be
// embedded in a file name.
var ErrInvalidComponent = errors.New("invalid name component")

// Name is a parsed snapshot name.
type Name struct {
	Date string
	User string
	Host string
	Seq  int
}

// String returns the file name, including Extension.
func (n Name) String() string {
	return n.Stem() + Extension
}

// Stem returns the file name without the container extension.
func (n Name) Stem() string {
	return fmt.Sprintf("%s%s%s%s%s%s%03d", n.Date, sep, n.User, sep, n.Host, sep, n.Seq)
}

// Parse splits a snapshot file name into its components. The date may not
// contain an underscore and the host is taken as the last field before the
// sequence, so user names containing underscores still parse.
func Parse(name string) (Name, bool) {
	stem, ok := strings.CutSuffix(name, Extension)
	if !ok {
		return Name{}, false
	}

	date, rest, ok := strings.Cut(stem, sep)
	if !ok || date == "" {
		return Name{}, false
	}
	i := strings.LastIndex(rest, sep)
	if i < 0 {
		return Name{}, false
	}
	seqStr := rest[i+1:]
	rest = rest[:i]
	j := strings.LastIndex(rest, sep)
	if j <= 0 || j == len(rest)-1 {
		return Name{}, false
	}

	seq, ok := parseSeq(seqStr)
	if !ok {
		return Name{}, false
	}
	return Name{Date: date, User: rest[:j], Host: rest[j+1:], Seq: seq}, true
}

func parseSeq(s string) (int, bool) {
	if len(s) < 3 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func validateComponent(kind, v string) error {
	if v == "" || strings.ContainsAny(v, "/\x00") || v == "." || v == ".." {
		return errors.Wrapf(ErrInvalidComponent, "%s %q", kind, v)
	}
	return nil
}

// Next returns the file name carrying the smallest positive sequence number
// not already used in outputDir for the date/user/host triple. The directory
// is read on every call; nothing is cached or created.
func Next(dateStamp, user, host, outputDir string) (string, error) {
	if err := validateComponent("date", dateStamp); err != nil {
		return "", err
	}
	if strings.Contains(dateStamp, sep) {
		return "", errors.Wrapf(ErrInvalidComponent, "date %q contains %q", dateStamp, sep)
	}
	if err := validateComponent("user", user); err != nil {
		return "", err
	}
	if err := validateComponent("host", host); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", errors.Wrap(err, "reading output directory")
	}

	prefix := dateStamp + sep + user + sep + host + sep
	used := make(map[int]bool)
	for _, e := range entries {
		stem, ok := strings.CutSuffix(e.Name(), Extension)
		if !ok {
			continue
		}
		seqStr, ok := strings.CutPrefix(stem, prefix)
		if !ok {
			continue
		}
		if seq, ok := parseSeq(seqStr); ok {
			used[seq] = true
		}
	}

	seq := 1
	for used[seq] {
		seq++
	}
	return Name{Date: dateStamp, User: user, Host: host, Seq: seq}.String(), nil
}

// Reserve allocates a name like Next and creates the file exclusively, so
// two invocations sharing outputDir never receive the same path. A lock file
// in outputDir serializes the scan and create. The returned path exists and
// is empty.
func Reserve(ctx context.Context, dateStamp, user, host, outputDir string) (string, error) {
	lock := flock.New(filepath.Join(outputDir, LockFileName))
	locked, err := lock.TryLockContext(ctx, lockInterval)
	if err != nil {
		return "", errors.Wrap(err, "locking output directory")
	}
	if !locked {
		return "", errors.New("could not lock output directory")
	}
	defer func() { _ = lock.Unlock() }()

	for range maxAttempts {
		name, err := Next(dateStamp, user, host, outputDir)
		if err != nil {
			return "", err
		}
		path := filepath.Join(outputDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FilePerm)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", errors.Wrap(err, "reserving snapshot file")
		}
		if err := f.Close(); err != nil {
			return "", errors.Wrap(err, "closing reserved snapshot file")
		}
		return path, nil
	}
	return "", errors.Newf("no free snapshot name after %d attempts", maxAttempts)
}

// Snapshot describes a snapshot file found in an output directory.
type Snapshot struct {
	Name    Name
	Path    string
	Size    int64
	ModTime time.Time
}

// List returns every snapshot in outputDir, newest first. Files that do not
// match the name pattern are ignored.
func List(outputDir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, errors.Wrap(err, "reading output directory")
	}

	var out []Snapshot
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		n, ok := Parse(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Snapshot{
			Name:    n,
			Path:    filepath.Join(outputDir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		a, b := out[i].Name, out[j].Name
		if a.Date == b.Date && a.User == b.User && a.Host == b.Host {
			return a.Seq > b.Seq
		}
		return a.String() > b.String()
	})
	return out, nil
}
