// Package pipeline streams a directory tree through tar, zstd and age into a
// single snapshot file, and streams a snapshot back into a directory tree.
//
// Each stage runs in its own goroutine. Stages are joined by unbuffered
// pipes, so a slow stage applies back-pressure to the one before it, and a
// failing stage closes its pipes so the others stop promptly.
package pipeline

import (
	"log/slog"
	"strings"
	"time"

	"github.com/thoreinstein/hbak/internal/errors"
)

// FilePerm is the permission of a snapshot file.
const FilePerm = 0o600

// Sentinel errors reported by the pipeline.
var (
	// ErrDestinationNotWritable indicates the snapshot directory cannot be
	// written. It is reported before any stage starts.
	ErrDestinationNotWritable = errors.New("destination not writable")

	// ErrDecrypt indicates the snapshot could not be decrypted: the key is
	// wrong or the file is corrupt. Authenticated encryption makes this the
	// integrity check for a snapshot.
	ErrDecrypt = errors.New("snapshot could not be decrypted")

	// ErrIncomplete indicates a restore that read the whole snapshot but
	// could not write every entry. Entries refused as unsafe do not count.
	ErrIncomplete = errors.New("restore incomplete")

	// ErrInvalidRequest indicates a request with missing or malformed fields.
	ErrInvalidRequest = errors.New("invalid pipeline request")

	// ErrUnknownMode indicates a restore mode name that is not recognized.
	ErrUnknownMode = errors.New("unknown restore mode")
)

// Stage names a pipeline step for error reporting.
type Stage string

// Pipeline stages.
const (
	StageArchive    Stage = "archive"
	StageCompress   Stage = "compress"
	StageEncrypt    Stage = "encrypt"
	StageWrite      Stage = "write"
	StageRead       Stage = "read"
	StageDecrypt    Stage = "decrypt"
	StageDecompress Stage = "decompress"
	StageExtract    Stage = "extract"
)

// StageError reports the stage at which a pipeline failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + " stage: " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// stageErr attributes err to stage unless it already carries a stage, which
// happens when a pipe was closed by a failing neighbour.
func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// Mode selects where a restore lands.
type Mode int

const (
	// ModeInPlace extracts into the home directory, removing the leading
	// path segments that recorded the original absolute location.
	ModeInPlace Mode = iota

	// ModeExtract extracts into a fresh staging directory without stripping.
	ModeExtract
)

func (m Mode) String() string {
	switch m {
	case ModeInPlace:
		return "restore"
	case ModeExtract:
		return "extract"
	default:
		return "unknown"
	}
}

// ParseMode maps "restore" and "extract" to a Mode. The empty string selects
// ModeInPlace.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "restore", "in-place", "restore-in-place":
		return ModeInPlace, nil
	case "extract":
		return ModeExtract, nil
	default:
		return 0, errors.Wrapf(ErrUnknownMode, "%q", s)
	}
}

// Excluder reports whether a path is omitted from a snapshot.
type Excluder interface {
	Excluded(path string) bool
}

// Result summarizes a backup or restore run.
type Result struct {
	// Entries is the number of tar entries written or extracted.
	Entries int

	// Excluded counts paths skipped by the exclusion list, counting an
	// excluded directory once.
	Excluded int

	// Unreadable counts source paths that could not be read and were skipped.
	Unreadable int

	// Special counts sockets, devices and other entries that are not archived.
	Special int

	// Stripped counts restore entries with no path left after stripping.
	Stripped int

	// Rejected counts restore entries refused because they would land
	// outside the target.
	Rejected int

	// Failed counts restore entries that could not be written.
	Failed int

	// ArchiveBytes is the size of the uncompressed tar stream.
	ArchiveBytes int64

	// SnapshotBytes is the size of the encrypted snapshot.
	SnapshotBytes int64

	Duration time.Duration
}

// Pipeline runs backups and restores. The zero value is not usable; use New.
type Pipeline struct {
	logger     *slog.Logger
	compressor Compressor
	workFactor int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for stage diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCompressionLevel selects the zstd encoder level, 1 (fastest) to
// 4 (best compression). Out-of-range values are clamped.
func WithCompressionLevel(level int) Option {
	return func(p *Pipeline) {
		p.compressor = NewZstd(level)
	}
}

// WithCompressor replaces the compression stage.
func WithCompressor(c Compressor) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.compressor = c
		}
	}
}

// WithWorkFactor sets the scrypt work factor (log2 N) used when encrypting.
// Zero keeps the age default.
func WithWorkFactor(logN int) Option {
	return func(p *Pipeline) {
		p.workFactor = logN
	}
}

// New creates a Pipeline with the given options applied.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:     slog.Default(),
		compressor: NewZstd(2),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}
