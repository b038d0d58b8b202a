package guard

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/keystore"
	"github.com/thoreinstein/hbak/internal/logging"
	"github.com/thoreinstein/hbak/internal/pipeline"
)

const waitTimeout = 10 * time.Second

func partialFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "2026.10.17_alice_box_001.tar.zst.age")
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o600))
	return path
}

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(waitTimeout):
		t.Fatal("guard context was not cancelled")
	}
}

func TestGuard_CompleteKeepsFile(t *testing.T) {
	path := partialFile(t)
	g := Arm(context.Background(), path, WithLogger(logging.ForTest(t)))

	assert.Equal(t, Armed, g.State())
	assert.True(t, g.Complete())
	require.NoError(t, g.Release())

	assert.Equal(t, Completed, g.State())
	assert.False(t, g.Interrupted())
	assert.FileExists(t, path)
}

func TestGuard_ReleaseWithoutCompleteRemovesFile(t *testing.T) {
	path := partialFile(t)
	g := Arm(context.Background(), path, WithLogger(logging.ForTest(t)))

	require.NoError(t, g.Release())
	assert.Equal(t, Interrupted, g.State())
	assert.False(t, g.Interrupted())
	assert.NoFileExists(t, path)
	assert.Error(t, g.Context().Err())
}

func TestGuard_ReleaseMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created")
	g := Arm(context.Background(), path, WithLogger(logging.ForTest(t)))
	assert.NoError(t, g.Release())
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	path := partialFile(t)
	g := Arm(context.Background(), path, WithLogger(logging.ForTest(t)))
	g.Complete()

	require.NoError(t, g.Release())
	require.NoError(t, g.Release())
	assert.FileExists(t, path)
}

func TestGuard_SignalCancelsContext(t *testing.T) {
	path := partialFile(t)
	g := Arm(context.Background(), path, WithLogger(logging.ForTest(t)))

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	waitDone(t, g.Context())

	cause := context.Cause(g.Context())
	assert.ErrorIs(t, cause, ErrInterrupted)
	var sigErr *SignalError
	require.True(t, errors.As(cause, &sigErr))
	assert.Equal(t, syscall.SIGTERM, sigErr.Signal)

	assert.True(t, g.Interrupted())
	assert.False(t, g.Complete(), "an interrupted guard cannot complete")

	err := g.Release()
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.NoFileExists(t, path)
}

func TestGuard_SignalBeforeWatchRemovesFile(t *testing.T) {
	g := Arm(context.Background(), "",
		WithLogger(logging.ForTest(t)),
		WithSignals(syscall.SIGUSR2),
	)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	waitDone(t, g.Context())

	// The file appears after the signal, as when the name is reserved
	// while the signal is delivered.
	path := partialFile(t)
	g.Watch(path)
	assert.Equal(t, path, g.Path())

	assert.ErrorIs(t, g.Release(), ErrInterrupted)
	assert.NoFileExists(t, path)
}

func TestGuard_ReleaseWithoutPath(t *testing.T) {
	g := Arm(context.Background(), "", WithLogger(logging.ForTest(t)))
	assert.NoError(t, g.Release())
	assert.Equal(t, Interrupted, g.State())
}

func TestGuard_SignalAfterCompleteIsIgnored(t *testing.T) {
	path := partialFile(t)
	g := Arm(context.Background(), path,
		WithLogger(logging.ForTest(t)),
		WithSignals(syscall.SIGUSR1),
	)
	g.Complete()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	// Give the watcher a chance to observe the signal.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, g.Release())
	assert.Equal(t, Completed, g.State())
	assert.NotErrorIs(t, context.Cause(g.Context()), ErrInterrupted)
	assert.FileExists(t, path)
}

func TestGuard_ParentCancelIsNotInterruption(t *testing.T) {
	path := partialFile(t)
	ctx, cancel := context.WithCancel(context.Background())
	g := Arm(ctx, path, WithLogger(logging.ForTest(t)))
	cancel()

	waitDone(t, g.Context())
	assert.False(t, g.Interrupted())
	assert.NoError(t, g.Release())
	assert.NoFileExists(t, path)
}

// stallingCompressor blocks the first compressed write until released, so a
// signal can be delivered while the pipeline is mid-stream.
type stallingCompressor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingCompressor() *stallingCompressor {
	return &stallingCompressor{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *stallingCompressor) Compress(dst io.Writer) (io.WriteCloser, error) {
	return &stallingWriter{c: c, dst: dst}, nil
}

func (c *stallingCompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

type stallingWriter struct {
	c   *stallingCompressor
	dst io.Writer
}

func (w *stallingWriter) Write(p []byte) (int, error) {
	w.c.once.Do(func() { close(w.c.started) })
	<-w.c.release
	return w.dst.Write(p)
}

func (w *stallingWriter) Close() error {
	return nil
}

func TestGuard_SignalDuringBackupRemovesSnapshot(t *testing.T) {
	base := t.TempDir()
	home := filepath.Join(base, "home", "alice")
	require.NoError(t, os.MkdirAll(home, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "notes.txt"), []byte("some notes"), 0o644))

	keyPath := filepath.Join(base, "key")
	_, err := keystore.Ensure(keyPath)
	require.NoError(t, err)

	outDir := filepath.Join(base, "out")
	require.NoError(t, os.Mkdir(outDir, 0o700))
	dest := filepath.Join(outDir, "2026.10.17_alice_box_001.tar.zst.age")

	logger := logging.ForTest(t)
	comp := newStallingCompressor()
	p := pipeline.New(
		pipeline.WithLogger(logger),
		pipeline.WithCompressor(comp),
		pipeline.WithWorkFactor(10),
	)

	g := Arm(context.Background(), dest, WithLogger(logger))
	defer g.Release() //nolint:errcheck // released explicitly below

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Backup(g.Context(), pipeline.BackupRequest{
			SourceRoot: home,
			KeyPath:    keyPath,
			DestPath:   dest,
		})
		errCh <- err
	}()

	select {
	case <-comp.started:
	case <-time.After(waitTimeout):
		t.Fatal("pipeline never reached the compressor")
	}
	assert.FileExists(t, dest, "partial snapshot should exist mid-backup")

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	waitDone(t, g.Context())
	close(comp.release)

	var backupErr error
	select {
	case backupErr = <-errCh:
	case <-time.After(waitTimeout):
		t.Fatal("backup did not stop after interruption")
	}
	require.Error(t, backupErr)
	assert.ErrorIs(t, backupErr, ErrInterrupted)
	assert.False(t, g.Complete())

	assert.ErrorIs(t, g.Release(), ErrInterrupted)
	assert.NoFileExists(t, dest)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Armed, "armed"},
		{Completed, "completed"},
		{Interrupted, "interrupted"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}
