package pipeline

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/thoreinstein/hbak/internal/errors"
)

// CheckWritable verifies that dir exists, is a directory and accepts new
// files. The access check is confirmed by creating and removing a probe file,
// which also catches read-only mounts.
func CheckWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(ErrDestinationNotWritable, "%s: %v", dir, err)
	}
	if !info.IsDir() {
		return errors.Wrapf(ErrDestinationNotWritable, "%s is not a directory", dir)
	}
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return errors.Wrapf(ErrDestinationNotWritable, "%s: %v", dir, err)
	}

	probe, err := os.CreateTemp(dir, ".hbak-probe-*")
	if err != nil {
		return errors.Wrapf(ErrDestinationNotWritable, "%s: %v", dir, err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return errors.Wrapf(ErrDestinationNotWritable, "removing probe in %s: %v", dir, err)
	}
	return nil
}
