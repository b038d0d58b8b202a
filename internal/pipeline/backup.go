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
)

// BackupRequest describes one snapshot.
type BackupRequest struct {
	// SourceRoot is the absolute directory to archive.
	SourceRoot string

	// Exclusions omits matching paths and their subtrees. May be nil.
	Exclusions Excluder

	// KeyPath is the key file; its contents are the encryption passphrase.
	KeyPath string

	// DestPath is the snapshot file. It is created or truncated.
	DestPath string
}

func (r BackupRequest) validate() error {
	switch {
	case !filepath.IsAbs(r.SourceRoot):
		return errors.Wrapf(ErrInvalidRequest, "source root %q is not absolute", r.SourceRoot)
	case r.KeyPath == "":
		return errors.Wrap(ErrInvalidRequest, "key path is required")
	case r.DestPath == "":
		return errors.Wrap(ErrInvalidRequest, "destination path is required")
	}
	return nil
}

// Backup archives req.SourceRoot, compresses the archive, encrypts it with
// the key and writes it to req.DestPath.
//
// The destination directory is checked before any stage starts. The backup
// succeeds only when every stage returned without error and the file has
// been synced and closed. On failure the destination may hold a partial
// file; removing it is the caller's responsibility.
func (p *Pipeline) Backup(ctx context.Context, req BackupRequest) (*Result, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := CheckWritable(filepath.Dir(req.DestPath)); err != nil {
		return nil, err
	}

	passphrase, err := keystore.Read(req.KeyPath)
	if err != nil {
		return nil, err
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "deriving encryption recipient")
	}
	if p.workFactor > 0 {
		recipient.SetWorkFactor(p.workFactor)
	}

	out, err := os.OpenFile(req.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, FilePerm)
	if err != nil {
		return nil, stageErr(StageWrite, err)
	}
	defer out.Close()

	src := filepath.Clean(req.SourceRoot)
	dest := filepath.Clean(req.DestPath)
	res := &Result{}

	p.logger.Debug("backup starting", "source", src, "dest", dest)

	var errs stageErrors
	g, gctx := errgroup.WithContext(ctx)
	tarR, tarW := io.Pipe()
	zR, zW := io.Pipe()
	stop := context.AfterFunc(gctx, func() {
		cause := context.Cause(gctx)
		tarR.CloseWithError(cause)
		tarW.CloseWithError(cause)
		zR.CloseWithError(cause)
		zW.CloseWithError(cause)
	})
	defer stop()

	g.Go(func() error {
		err := p.writeArchive(gctx, src, req.Exclusions, dest, tarW, res)
		errs[0] = err
		tarW.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		err := p.compress(tarR, zW, res)
		errs[1] = err
		tarR.CloseWithError(err)
		zW.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		err := encrypt(zR, out, recipient, res)
		errs[2] = err
		zR.CloseWithError(err)
		return err
	})

	_ = g.Wait()
	if err := errs.first(); err != nil {
		if ctx.Err() != nil {
			return res, errors.Wrap(context.Cause(ctx), "backup cancelled")
		}
		return res, err
	}

	if err := out.Sync(); err != nil {
		return res, stageErr(StageWrite, err)
	}
	if err := out.Close(); err != nil {
		return res, stageErr(StageWrite, err)
	}

	res.Duration = time.Since(start)
	p.logger.Info("backup complete",
		"dest", dest,
		"entries", res.Entries,
		"excluded", res.Excluded,
		"unreadable", res.Unreadable,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (p *Pipeline) compress(src io.Reader, dst io.Writer, res *Result) error {
	cw, err := p.compressor.Compress(dst)
	if err != nil {
		return stageErr(StageCompress, err)
	}
	n, err := io.Copy(cw, src)
	res.ArchiveBytes = n
	if err != nil {
		cw.Close()
		return stageErr(StageCompress, err)
	}
	return stageErr(StageCompress, cw.Close())
}

func encrypt(src io.Reader, dst io.Writer, r age.Recipient, res *Result) error {
	cw := &countingWriter{w: dst}
	w, err := age.Encrypt(cw, r)
	if err != nil {
		return stageErr(StageEncrypt, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return stageErr(StageEncrypt, err)
	}
	if err := w.Close(); err != nil {
		return stageErr(StageEncrypt, err)
	}
	res.SnapshotBytes = cw.n
	return nil
}
