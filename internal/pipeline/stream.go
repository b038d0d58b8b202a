package pipeline

import (
	"io"

	"github.com/thoreinstein/hbak/internal/errors"
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// markReader tags read failures so they can be told apart from failures of
// the writer they are copied into.
type markReader struct {
	r    io.Reader
	mark error
}

func (m *markReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if err != nil && err != io.EOF {
		err = errors.Mark(err, m.mark)
	}
	return n, err
}

// trackingReader remembers the first read failure.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// stageErrors holds one result per stage in stream order. A stage that fails
// because a neighbour closed its pipe returns the neighbour's error, so the
// first non-nil entry is the failure that started the shutdown.
type stageErrors [3]error

func (s *stageErrors) first() error {
	for _, err := range s {
		if err != nil {
			return err
		}
	}
	return nil
}
