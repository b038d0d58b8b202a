package pipeline

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/thoreinstein/hbak/internal/keystore"
	"github.com/thoreinstein/hbak/internal/logging"
)

// testWorkFactor keeps scrypt fast in tests.
const testWorkFactor = 10

func newTestPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{WithLogger(logging.ForTest(t)), WithWorkFactor(testWorkFactor)}
	return New(append(base, opts...)...)
}

func newKey(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key")
	_, err := keystore.Ensure(path)
	require.NoError(t, err)
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type excludeList []string

func (e excludeList) Excluded(p string) bool {
	for _, x := range e {
		if p == x || len(p) > len(x) && p[:len(x)] == x && p[len(x)] == '/' {
			return true
		}
	}
	return false
}

type tarEntry struct {
	name     string
	typeflag byte
	body     string
	linkname string
}

// writeSnapshot encrypts a hand-built tar stream, for archives the backup
// side would never produce.
func writeSnapshot(t *testing.T, keyPath, dest string, entries []tarEntry) {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			ModTime:  time.Now(),
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Size > 0 {
			_, err := io.WriteString(tw, e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())

	var zBuf bytes.Buffer
	zw, err := zstd.NewWriter(&zBuf)
	require.NoError(t, err)
	_, err = zw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	pass, err := keystore.Read(keyPath)
	require.NoError(t, err)
	r, err := age.NewScryptRecipient(pass)
	require.NoError(t, err)
	r.SetWorkFactor(testWorkFactor)

	out, err := os.Create(dest)
	require.NoError(t, err)
	defer out.Close()
	w, err := age.Encrypt(out, r)
	require.NoError(t, err)
	_, err = w.Write(zBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

// snapshotFiles lists regular files and symlinks below root, relative to it.
func snapshotFiles(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			out[rel] = "-> " + link
		case info.Mode().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			out[rel] = string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}
