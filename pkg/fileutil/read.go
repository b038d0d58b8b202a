package fileutil

import (
	"io"
	"os"

	"github.com/thoreinstein/hbak/internal/errors"
)

// Read limits for the small text files hbak loads whole.
const (
	// MaxConfigSize bounds the options and filters files.
	MaxConfigSize = 64 << 10

	// MaxKeySize bounds the key file.
	MaxKeySize = 4 << 10
)

// ErrFileTooLarge indicates that a file held more bytes than allowed.
var ErrFileTooLarge = errors.New("file too large")

// ReadFileWithLimit reads path whole and fails with ErrFileTooLarge when it
// holds more than limit bytes. The size is checked while reading, so a file
// that grows after it was opened is still caught.
func ReadFileWithLimit(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening file")
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() && info.Size() > limit {
		return nil, errors.Wrapf(ErrFileTooLarge, "%s is %d bytes, limit %d", path, info.Size(), limit)
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading file")
	}
	if int64(len(data)) > limit {
		return nil, errors.Wrapf(ErrFileTooLarge, "%s exceeds %d bytes", path, limit)
	}
	return data, nil
}
