package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/logging"
	"github.com/thoreinstein/hbak/internal/paths"
)

func buildHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home", "alice")
	writeFile(t, filepath.Join(home, "docs", "a.txt"), "alpha\n")
	writeFile(t, filepath.Join(home, "docs", "sub", "b.bin"), strings.Repeat("\x00\x01beta", 4096))
	writeFile(t, filepath.Join(home, ".cache", "big"), strings.Repeat("c", 1<<16))
	writeFile(t, filepath.Join(home, ".cache", "nested", "x"), "cached")
	writeFile(t, filepath.Join(home, ".cachedir", "keep"), "kept")
	writeFile(t, filepath.Join(home, "empty"), "")
	require.NoError(t, os.Symlink(filepath.Join("docs", "a.txt"), filepath.Join(home, "link")))
	return home
}

func TestRoundTrip_WithExclusions(t *testing.T) {
	home := buildHome(t)
	key := newKey(t)
	outDir := t.TempDir()
	dest := filepath.Join(outDir, "snap.tar.zst.age")
	p := newTestPipeline(t)

	res, err := p.Backup(context.Background(), BackupRequest{
		SourceRoot: home,
		Exclusions: excludeList{filepath.Join(home, ".cache")},
		KeyPath:    key,
		DestPath:   dest,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Excluded)
	assert.Positive(t, res.ArchiveBytes)
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, res.SnapshotBytes, info.Size())
	assert.Equal(t, os.FileMode(FilePerm), info.Mode().Perm())

	want := snapshotFiles(t, home)
	for k := range want {
		if strings.HasPrefix(k, ".cache"+string(filepath.Separator)) {
			delete(want, k)
		}
	}
	require.Contains(t, want, filepath.Join(".cachedir", "keep"))

	t.Run("in place", func(t *testing.T) {
		target := t.TempDir()
		res, err := p.Restore(context.Background(), RestoreRequest{
			SourcePath: dest,
			KeyPath:    key,
			Mode:       ModeInPlace,
			Target:     target,
			Strip:      len(paths.Segments(home)),
		})
		require.NoError(t, err)
		assert.Zero(t, res.Rejected)
		assert.Zero(t, res.Failed)
		assert.Equal(t, want, snapshotFiles(t, target))
		assert.NoDirExists(t, filepath.Join(target, ".cache"))
	})

	t.Run("extract", func(t *testing.T) {
		staging := filepath.Join(t.TempDir(), "snap")
		_, err := p.Restore(context.Background(), RestoreRequest{
			SourcePath: dest,
			KeyPath:    key,
			Mode:       ModeExtract,
			Target:     staging,
		})
		require.NoError(t, err)

		// Extract keeps the original absolute layout below the staging dir.
		root := filepath.Join(staging, strings.TrimPrefix(home, string(filepath.Separator)))
		assert.Equal(t, want, snapshotFiles(t, root))
		assert.NoDirExists(t, filepath.Join(root, ".cache"))
	})
}

func TestRoundTrip_PreservesModeAndTime(t *testing.T) {
	home := filepath.Join(t.TempDir(), "h")
	script := filepath.Join(home, "bin", "run.sh")
	writeFile(t, script, "#!/bin/sh\n")
	require.NoError(t, os.Chmod(script, 0o750))
	info, err := os.Stat(script)
	require.NoError(t, err)

	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	p := newTestPipeline(t)
	_, err = p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
	require.NoError(t, err)

	target := t.TempDir()
	_, err = p.Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeInPlace, Target: target,
		Strip: len(paths.Segments(home)),
	})
	require.NoError(t, err)

	got, err := os.Stat(filepath.Join(target, "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), got.Mode().Perm())
	assert.True(t, info.ModTime().Truncate(1e3).Equal(got.ModTime().Truncate(1e3)),
		"mtime %v, want %v", got.ModTime(), info.ModTime())
}

// makeWritable restores owner write access below root so the temporary
// directory can be removed.
func makeWritable(t *testing.T, roots ...string) {
	t.Helper()
	t.Cleanup(func() {
		for _, root := range roots {
			_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
				if err == nil && info.IsDir() {
					_ = os.Chmod(p, 0o755)
				}
				return nil
			})
		}
	})
}

func TestRoundTrip_ReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not apply to root")
	}
	home := filepath.Join(t.TempDir(), "home", "alice")
	writeFile(t, filepath.Join(home, "ro", "inner.txt"), "inner\n")
	writeFile(t, filepath.Join(home, "ro", "deeper", "leaf.txt"), "leaf\n")
	require.NoError(t, os.Chmod(filepath.Join(home, "ro", "deeper"), 0o500))
	require.NoError(t, os.Chmod(filepath.Join(home, "ro"), 0o555))
	makeWritable(t, home)

	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	p := newTestPipeline(t)
	_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
	require.NoError(t, err)

	target := t.TempDir()
	makeWritable(t, target)
	res, err := p.Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeInPlace, Target: target,
		Strip: len(paths.Segments(home)),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	assert.Equal(t, snapshotFiles(t, home), snapshotFiles(t, target))

	for dir, want := range map[string]os.FileMode{"ro": 0o555, filepath.Join("ro", "deeper"): 0o500} {
		info, err := os.Stat(filepath.Join(target, dir))
		require.NoError(t, err)
		assert.Equal(t, want, info.Mode().Perm(), dir)
	}
}

func TestRestore_FailedEntryIsAnError(t *testing.T) {
	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	writeSnapshot(t, key, dest, []tarEntry{
		{name: "home/alice/busy", typeflag: tar.TypeReg, body: "file"},
		{name: "home/alice/ok.txt", typeflag: tar.TypeReg, body: "ok"},
	})

	// A non-empty directory where the snapshot has a file cannot be replaced.
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "busy", "keep.txt"), "keep")

	res, err := newTestPipeline(t).Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeInPlace, Target: home, Strip: 2,
	})
	require.ErrorIs(t, err, ErrIncomplete)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageExtract, se.Stage)

	require.NotNil(t, res)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Entries)
	assert.FileExists(t, filepath.Join(home, "ok.txt"))
	assert.FileExists(t, filepath.Join(home, "busy", "keep.txt"))
}

func TestPipeline_TraceLogsEntries(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home", "alice")
	writeFile(t, filepath.Join(home, "docs", "a.txt"), "alpha")

	var buf bytes.Buffer
	logger := slog.New(logging.NewHandlerWithColor(&buf, &slog.HandlerOptions{Level: logging.LevelTrace}, logging.ColorNever))
	p := newTestPipeline(t, WithLogger(logger))

	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
	require.NoError(t, err)
	_, err = p.Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeExtract,
		Target: filepath.Join(t.TempDir(), "s"),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "TRACE archived name="+strings.TrimPrefix(filepath.ToSlash(home), "/")+"/docs/a.txt")
	assert.Contains(t, out, "TRACE extracted name=")

	buf.Reset()
	quiet := newTestPipeline(t, WithLogger(slog.New(logging.NewHandlerWithColor(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, logging.ColorNever))))
	_, err = quiet.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "archived")
}

func TestBackup_SkipsDestinationInsideSource(t *testing.T) {
	home := buildHome(t)
	outDir := filepath.Join(home, "backups")
	require.NoError(t, os.MkdirAll(outDir, 0o700))
	dest := filepath.Join(outDir, "self.tar.zst.age")
	key := newKey(t)
	p := newTestPipeline(t)

	_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
	require.NoError(t, err)

	target := t.TempDir()
	_, err = p.Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeInPlace, Target: target,
		Strip: len(paths.Segments(home)),
	})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(target, "backups"))
	assert.NoFileExists(t, filepath.Join(target, "backups", "self.tar.zst.age"))
}

func TestBackup_DestinationNotWritable(t *testing.T) {
	home := buildHome(t)
	key := newKey(t)
	p := newTestPipeline(t)

	t.Run("missing directory", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "missing", "s.tar.zst.age")
		_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
		require.ErrorIs(t, err, ErrDestinationNotWritable)
		assert.NoFileExists(t, dest)
	})

	t.Run("read-only directory", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("permission bits do not restrict root")
		}
		dir := t.TempDir()
		require.NoError(t, os.Chmod(dir, 0o500))
		t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

		dest := filepath.Join(dir, "s.tar.zst.age")
		_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
		require.ErrorIs(t, err, ErrDestinationNotWritable)
		assert.NoFileExists(t, dest)
	})
}

func TestBackup_InvalidRequest(t *testing.T) {
	p := newTestPipeline(t)
	_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: "relative", KeyPath: "k", DestPath: "/tmp/x"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

type failingCompressor struct{}

func (failingCompressor) Compress(io.Writer) (io.WriteCloser, error) {
	return failingWriter{}, nil
}

func (failingCompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk on fire") }
func (failingWriter) Close() error              { return nil }

func TestBackup_StageFailure(t *testing.T) {
	home := buildHome(t)
	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	p := newTestPipeline(t, WithCompressor(failingCompressor{}))

	_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageCompress, se.Stage)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestBackup_Cancelled(t *testing.T) {
	home := buildHome(t)
	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	p := newTestPipeline(t)

	cause := errors.New("stop requested")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	_, err := p.Backup(ctx, BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
	require.ErrorIs(t, err, cause)
}

func TestRestore_WrongKey(t *testing.T) {
	home := buildHome(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	p := newTestPipeline(t)

	_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: newKey(t), DestPath: dest})
	require.NoError(t, err)

	_, err = p.Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: newKey(t), Mode: ModeExtract,
		Target: filepath.Join(t.TempDir(), "out"),
	})
	require.ErrorIs(t, err, ErrDecrypt)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageDecrypt, se.Stage)
}

func TestRestore_WrongKeyKeepsStaging(t *testing.T) {
	home := buildHome(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	p := newTestPipeline(t)
	_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: newKey(t), DestPath: dest})
	require.NoError(t, err)

	staging := filepath.Join(t.TempDir(), "s")
	writeFile(t, filepath.Join(staging, "earlier.txt"), "from an earlier extract")

	_, err = p.Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: newKey(t), Mode: ModeExtract, Target: staging,
	})
	require.ErrorIs(t, err, ErrDecrypt)
	assert.FileExists(t, filepath.Join(staging, "earlier.txt"))
}

func TestRestore_CorruptSnapshot(t *testing.T) {
	home := buildHome(t)
	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	p := newTestPipeline(t)

	_, err := p.Backup(context.Background(), BackupRequest{SourceRoot: home, KeyPath: key, DestPath: dest})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	data[len(data)-20] ^= 0xff
	require.NoError(t, os.WriteFile(dest, data, FilePerm))

	_, err = p.Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeExtract,
		Target: filepath.Join(t.TempDir(), "out"),
	})
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestRestore_ExtractContainment(t *testing.T) {
	key := newKey(t)
	base := t.TempDir()
	dest := filepath.Join(base, "evil.tar.zst.age")
	writeSnapshot(t, key, dest, []tarEntry{
		{name: "../escape.txt", typeflag: tar.TypeReg, body: "x"},
		{name: "/abs.txt", typeflag: tar.TypeReg, body: "x"},
		{name: "ok/", typeflag: tar.TypeDir},
		{name: "ok/file.txt", typeflag: tar.TypeReg, body: "fine"},
		{name: "ok/out", typeflag: tar.TypeSymlink, linkname: "../../.."},
		{name: "ok/abs", typeflag: tar.TypeSymlink, linkname: base},
		{name: "ok/out/pwned.txt", typeflag: tar.TypeReg, body: "x"},
		{name: "ok/hard", typeflag: tar.TypeLink, linkname: "../../etc/passwd"},
		{name: "ok/inside", typeflag: tar.TypeSymlink, linkname: "file.txt"},
	})
	before := snapshotFiles(t, base)

	staging := filepath.Join(base, "restore", "evil")
	p := newTestPipeline(t)
	res, err := p.Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeExtract, Target: staging,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Rejected, 5)

	got := snapshotFiles(t, staging)
	// The refused symlink leaves ok/out as a plain directory inside staging.
	assert.Equal(t, map[string]string{
		filepath.Join("ok", "file.txt"):         "fine",
		filepath.Join("ok", "inside"):           "-> file.txt",
		filepath.Join("ok", "out", "pwned.txt"): "x",
	}, got)

	// Nothing appeared outside the staging directory.
	after := snapshotFiles(t, base)
	for k := range after {
		if strings.HasPrefix(k, filepath.Join("restore", "evil")+string(filepath.Separator)) {
			continue
		}
		assert.Contains(t, before, k, "unexpected file %s outside staging", k)
	}
}

func TestRestore_InPlaceRefusesWriteThroughSymlink(t *testing.T) {
	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	outside := t.TempDir()
	writeSnapshot(t, key, dest, []tarEntry{
		{name: "home/alice/ln", typeflag: tar.TypeSymlink, linkname: outside},
		{name: "home/alice/ln/pwned.txt", typeflag: tar.TypeReg, body: "x"},
		{name: "home/alice/ok.txt", typeflag: tar.TypeReg, body: "ok"},
	})

	home := t.TempDir()
	res, err := newTestPipeline(t).Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeInPlace, Target: home, Strip: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.NoFileExists(t, filepath.Join(outside, "pwned.txt"))
	assert.FileExists(t, filepath.Join(home, "ok.txt"))

	// Symlinks themselves are restored as recorded.
	link, err := os.Readlink(filepath.Join(home, "ln"))
	require.NoError(t, err)
	assert.Equal(t, outside, link)
}

func TestRestore_ExtractClearsStaging(t *testing.T) {
	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	writeSnapshot(t, key, dest, []tarEntry{{name: "home/alice/new.txt", typeflag: tar.TypeReg, body: "new"}})

	staging := filepath.Join(t.TempDir(), "s")
	writeFile(t, filepath.Join(staging, "stale.txt"), "old")

	_, err := newTestPipeline(t).Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeExtract, Target: staging,
	})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(staging, "stale.txt"))
	assert.FileExists(t, filepath.Join(staging, "home", "alice", "new.txt"))
}

func TestRestore_InPlaceStripCount(t *testing.T) {
	key := newKey(t)
	dest := filepath.Join(t.TempDir(), "s.tar.zst.age")
	writeSnapshot(t, key, dest, []tarEntry{
		{name: "home/", typeflag: tar.TypeDir},
		{name: "home/alice/", typeflag: tar.TypeDir},
		{name: "home/alice/docs/", typeflag: tar.TypeDir},
		{name: "home/alice/docs/a.txt", typeflag: tar.TypeReg, body: "a"},
		{name: "home/alice/.bashrc", typeflag: tar.TypeReg, body: "rc"},
	})

	home := t.TempDir()
	res, err := newTestPipeline(t).Restore(context.Background(), RestoreRequest{
		SourcePath: dest, KeyPath: key, Mode: ModeInPlace, Target: home, Strip: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stripped)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, map[string]string{
		filepath.Join("docs", "a.txt"): "a",
		".bashrc":                      "rc",
	}, snapshotFiles(t, home))
}

func TestRestore_InvalidRequest(t *testing.T) {
	p := newTestPipeline(t)
	tests := []struct {
		name string
		req  RestoreRequest
	}{
		{"relative target", RestoreRequest{SourcePath: "/s", KeyPath: "/k", Target: "rel"}},
		{"root staging", RestoreRequest{SourcePath: "/s", KeyPath: "/k", Target: "/", Mode: ModeExtract}},
		{"negative strip", RestoreRequest{SourcePath: "/s", KeyPath: "/k", Target: "/tmp", Strip: -1}},
		{"missing key", RestoreRequest{SourcePath: "/s", Target: "/tmp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Restore(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestStripName(t *testing.T) {
	tests := []struct {
		name    string
		strip   int
		want    string
		ok      bool
		wantErr bool
	}{
		{"home/alice/docs/a.txt", 2, "docs/a.txt", true, false},
		{"./home/alice/docs/", 2, "docs", true, false},
		{"home/alice/", 2, "", false, false},
		{"home/", 2, "", false, false},
		{"home/alice/x", 0, "home/alice/x", true, false},
		{"home//alice/./x", 1, "alice/x", true, false},
		{"home/../etc/passwd", 0, "", false, true},
		{"/etc/passwd", 0, "", false, true},
	}
	for _, tt := range tests {
		got, ok, err := stripName(tt.name, tt.strip)
		if (err != nil) != tt.wantErr {
			t.Errorf("stripName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want || ok != tt.ok {
			t.Errorf("stripName(%q, %d) = %q, %v; want %q, %v", tt.name, tt.strip, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeInPlace, false},
		{"restore", ModeInPlace, false},
		{"Extract", ModeExtract, false},
		{"both", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	assert.Equal(t, "restore", ModeInPlace.String())
	assert.Equal(t, "extract", ModeExtract.String())
}

func TestNewZstd_ClampsLevel(t *testing.T) {
	assert.EqualValues(t, 1, NewZstd(-3).Level())
	assert.EqualValues(t, 3, NewZstd(3).Level())
	assert.EqualValues(t, 4, NewZstd(11).Level())
}
