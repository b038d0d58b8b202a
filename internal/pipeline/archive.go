package pipeline

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/thoreinstein/hbak/internal/logging"
)

// archiveName maps an absolute path to its tar entry name: the path without
// its leading separator, with a trailing slash for directories.
func archiveName(path string, dir bool) string {
	name := strings.TrimPrefix(filepath.ToSlash(path), "/")
	if dir && name != "" {
		name += "/"
	}
	return name
}

// writeArchive walks root and writes a PAX tar stream to w. skip is left out
// so a snapshot written inside root never archives itself.
func (p *Pipeline) writeArchive(ctx context.Context, root string, ex Excluder, skip string, w io.Writer, res *Result) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			p.logger.Warn("skipping unreadable path", "path", path, "error", walkErr)
			res.Unreadable++
			return nil
		}
		if path == skip {
			return nil
		}
		if ex != nil && ex.Excluded(path) {
			res.Excluded++
			p.logger.Debug("excluded", "path", path)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		return p.addEntry(ctx, tw, path, d, res)
	})
	if err != nil {
		return stageErr(StageArchive, err)
	}
	return stageErr(StageArchive, tw.Close())
}

// addEntry writes one header and, for regular files, its content. Problems
// reading the source are logged and skipped; only write failures abort.
func (p *Pipeline) addEntry(ctx context.Context, tw *tar.Writer, path string, d fs.DirEntry, res *Result) error {
	info, err := d.Info()
	if err != nil {
		p.logger.Warn("skipping unreadable path", "path", path, "error", err)
		res.Unreadable++
		return nil
	}

	mode := info.Mode()
	var link string
	switch {
	case mode&fs.ModeSymlink != 0:
		if link, err = os.Readlink(path); err != nil {
			p.logger.Warn("skipping unreadable symlink", "path", path, "error", err)
			res.Unreadable++
			return nil
		}
	case mode.IsDir(), mode.IsRegular():
	default:
		p.logger.Debug("skipping special file", "path", path, "mode", mode.String())
		res.Special++
		return nil
	}

	// Open before writing the header so an unreadable file leaves no entry.
	var f *os.File
	if mode.IsRegular() {
		if f, err = os.Open(path); err != nil {
			p.logger.Warn("skipping unreadable file", "path", path, "error", err)
			res.Unreadable++
			return nil
		}
		defer f.Close()
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		p.logger.Warn("skipping path", "path", path, "error", err)
		res.Unreadable++
		return nil
	}
	hdr.Name = archiveName(path, mode.IsDir())
	if hdr.Name == "" {
		return nil
	}
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	res.Entries++
	p.logger.Log(ctx, logging.LevelTrace, "archived", "name", hdr.Name, "size", hdr.Size)

	if f == nil {
		return nil
	}

	src := &trackingReader{r: f}
	n, err := io.Copy(tw, io.LimitReader(src, hdr.Size))
	if err != nil && src.err == nil {
		return err
	}
	if n < hdr.Size {
		// The file shrank or failed mid-read; pad to the recorded size.
		p.logger.Warn("file changed while archiving", "path", path, "error", src.err)
		if _, err := io.CopyN(tw, zeroReader{}, hdr.Size-n); err != nil {
			return err
		}
	}
	return nil
}
