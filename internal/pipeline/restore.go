package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"golang.org/x/sync/errgroup"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/keystore"
	"github.com/thoreinstein/hbak/internal/paths"
)

// RestoreRequest describes one restore.
type RestoreRequest struct {
	// SourcePath is the snapshot file.
	SourcePath string

	// KeyPath is the key file the snapshot was encrypted with.
	KeyPath string

	Mode Mode

	// Target is the directory entries land in: the home directory for
	// ModeInPlace, the staging subdirectory for ModeExtract.
	Target string

	// Strip is the number of leading path segments removed from every entry
	// in ModeInPlace. It is ignored in ModeExtract.
	Strip int
}

func (r RestoreRequest) validate() error {
	switch {
	case r.SourcePath == "":
		return errors.Wrap(ErrInvalidRequest, "snapshot path is required")
	case r.KeyPath == "":
		return errors.Wrap(ErrInvalidRequest, "key path is required")
	case !filepath.IsAbs(r.Target):
		return errors.Wrapf(ErrInvalidRequest, "target %q is not absolute", r.Target)
	case r.Strip < 0:
		return errors.Wrapf(ErrInvalidRequest, "negative strip count %d", r.Strip)
	case r.Mode != ModeInPlace && r.Mode != ModeExtract:
		return errors.Wrapf(ErrUnknownMode, "%d", int(r.Mode))
	case r.Mode == ModeExtract && len(paths.Segments(r.Target)) == 0:
		return errors.Wrap(ErrInvalidRequest, "refusing to use the filesystem root as staging directory")
	}
	return nil
}

// Restore decrypts req.SourcePath, decompresses it and extracts the archive
// into req.Target.
//
// In ModeExtract the target directory is removed and recreated before
// extraction. In ModeInPlace the target must already exist. Entries that
// would land outside the target are refused and counted in Result.Rejected.
// If any other entry could not be written the result is returned with an
// error matching ErrIncomplete. Files extracted before a failure are left in
// place.
func (p *Pipeline) Restore(ctx context.Context, req RestoreRequest) (*Result, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		return nil, err
	}

	passphrase, err := keystore.Read(req.KeyPath)
	if err != nil {
		return nil, err
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "deriving decryption identity")
	}

	in, err := os.Open(req.SourcePath)
	if err != nil {
		return nil, stageErr(StageRead, err)
	}
	defer in.Close()

	res := &Result{}

	// The header is checked before the target is touched, so a wrong key
	// never clears an existing staging directory.
	cr := &countingReader{r: in}
	plain, err := age.Decrypt(cr, identity)
	if err != nil {
		return nil, stageErr(StageDecrypt, errors.Mark(err, ErrDecrypt))
	}

	target := filepath.Clean(req.Target)
	strip := req.Strip
	if req.Mode == ModeExtract {
		strip = 0
		if err := resetDir(target); err != nil {
			return nil, err
		}
	} else if info, err := os.Stat(target); err != nil || !info.IsDir() {
		return nil, errors.Wrapf(ErrInvalidRequest, "target %s is not a directory", target)
	}

	x, err := newExtractor(target, strip, req.Mode == ModeExtract, p.logger)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("restore starting", "source", req.SourcePath, "target", target, "mode", req.Mode.String(), "strip", strip)

	x.res = res

	var errs stageErrors
	g, gctx := errgroup.WithContext(ctx)
	zR, zW := io.Pipe()
	tarR, tarW := io.Pipe()
	stop := context.AfterFunc(gctx, func() {
		cause := context.Cause(gctx)
		zR.CloseWithError(cause)
		zW.CloseWithError(cause)
		tarR.CloseWithError(cause)
		tarW.CloseWithError(cause)
	})
	defer stop()

	g.Go(func() error {
		err := decrypt(plain, zW)
		res.SnapshotBytes = cr.n
		errs[0] = err
		zW.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		err := p.decompress(zR, tarW, res)
		errs[1] = err
		zR.CloseWithError(err)
		tarW.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		err := x.run(gctx, tarR)
		errs[2] = err
		tarR.CloseWithError(err)
		return err
	})

	_ = g.Wait()
	if err := errs.first(); err != nil {
		if ctx.Err() != nil {
			return res, errors.Wrap(context.Cause(ctx), "restore cancelled")
		}
		return res, err
	}

	res.Duration = time.Since(start)
	if res.Failed > 0 {
		return res, stageErr(StageExtract,
			errors.Wrapf(ErrIncomplete, "%d of %d entries could not be written", res.Failed, res.Failed+res.Entries))
	}
	p.logger.Info("restore complete",
		"target", target,
		"mode", req.Mode.String(),
		"entries", res.Entries,
		"rejected", res.Rejected,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// decrypt copies the plaintext of an opened age stream to dst. Payload
// authentication failures are marked ErrDecrypt.
func decrypt(plain io.Reader, dst io.Writer) error {
	_, err := io.Copy(dst, &markReader{r: plain, mark: ErrDecrypt})
	return stageErr(StageDecrypt, err)
}

func (p *Pipeline) decompress(src io.Reader, dst io.Writer, res *Result) error {
	dr, err := p.compressor.Decompress(src)
	if err != nil {
		return stageErr(StageDecompress, err)
	}
	defer dr.Close()
	n, err := io.Copy(dst, dr)
	res.ArchiveBytes = n
	return stageErr(StageDecompress, err)
}

// resetDir removes dir and recreates it empty with private permissions.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "clearing staging directory %s", dir)
	}
	if err := os.MkdirAll(dir, paths.DefaultDirPerm); err != nil {
		return errors.Wrapf(err, "creating staging directory %s", dir)
	}
	return nil
}
