// Package guard removes a partially written snapshot when a backup does not
// run to completion.
//
// A Guard is armed for one destination path before the pipeline starts and
// released with defer on every exit path:
//
//	g := guard.Arm(ctx, dest)
//	defer g.Release()
//	res, err := p.Backup(g.Context(), req)
//	if err == nil {
//	    g.Complete()
//	}
//
// While armed, SIGINT, SIGTERM and SIGHUP cancel the guard's context instead
// of terminating the process, so the pipeline unwinds and Release can delete
// the file.
package guard

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/thoreinstein/hbak/internal/errors"
)

// ErrInterrupted indicates the backup was stopped by a signal.
var ErrInterrupted = errors.New("backup interrupted")

// SignalError records the signal that interrupted a backup.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return "interrupted by " + e.Signal.String()
}

// Unwrap makes SignalError match ErrInterrupted.
func (e *SignalError) Unwrap() error {
	return ErrInterrupted
}

// State is the position of a Guard in its lifecycle.
type State int

const (
	// Armed means the destination is still partial.
	Armed State = iota

	// Completed means the snapshot is whole; the file is kept.
	Completed

	// Interrupted means the guard was released or signalled before
	// completion; the file is removed.
	Interrupted
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// DefaultSignals are the signals a Guard intercepts.
var DefaultSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}

// Guard owns cleanup of one destination path.
type Guard struct {
	path    string
	logger  *slog.Logger
	signals []os.Signal

	ctx    context.Context
	cancel context.CancelCauseFunc
	sigCh  chan os.Signal
	done   chan struct{}

	mu         sync.Mutex
	state      State
	sig        os.Signal
	released   bool
	releaseErr error
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger used to report the interruption.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithSignals replaces DefaultSignals.
func WithSignals(sigs ...os.Signal) Option {
	return func(g *Guard) {
		g.signals = sigs
	}
}

// Arm starts guarding path. The returned guard must be released. path may
// be empty when the destination is created after arming; see Watch.
func Arm(ctx context.Context, path string, opts ...Option) *Guard {
	g := &Guard{
		path:    path,
		logger:  slog.Default(),
		signals: DefaultSignals,
		sigCh:   make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.ctx, g.cancel = context.WithCancelCause(ctx)
	signal.Notify(g.sigCh, g.signals...)
	go g.watch()

	g.logger.Debug("guard armed", "path", path)
	return g
}

func (g *Guard) watch() {
	select {
	case sig := <-g.sigCh:
		g.mu.Lock()
		fire := g.state == Armed
		if fire {
			g.state = Interrupted
			g.sig = sig
		}
		path := g.path
		g.mu.Unlock()

		if fire {
			g.logger.Warn("signal received, stopping backup", "signal", sig.String(), "path", path)
			g.cancel(&SignalError{Signal: sig})
		}
	case <-g.done:
	}
}

// Context is cancelled when a guarded signal arrives while armed. Its cause
// then matches ErrInterrupted.
func (g *Guard) Context() context.Context {
	return g.ctx
}

// Path returns the guarded destination.
func (g *Guard) Path() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.path
}

// Watch sets the destination removed by Release. A signal received before
// Watch still leads to the removal of path.
func (g *Guard) Watch(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.path = path
	g.logger.Debug("guard watching", "path", path)
}

// Complete marks the snapshot as whole. It reports false when the guard was
// already interrupted, in which case the file will still be removed.
func (g *Guard) Complete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Armed {
		return g.state == Completed
	}
	g.state = Completed
	g.logger.Debug("guard completed", "path", g.path)
	return true
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Interrupted reports whether a guarded signal was received before completion.
func (g *Guard) Interrupted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sig != nil
}

// Release stops signal interception. Unless the guard was completed, the
// destination file is removed. Release returns an error matching
// ErrInterrupted when a signal was received, or the removal failure.
// Calling Release more than once returns the first result.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return g.releaseErr
	}
	g.released = true

	signal.Stop(g.sigCh)
	close(g.done)
	defer g.cancel(context.Canceled)

	if g.state == Completed {
		return nil
	}
	g.state = Interrupted

	if g.path == "" {
		if g.sig != nil {
			g.releaseErr = &SignalError{Signal: g.sig}
		}
		return g.releaseErr
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		g.releaseErr = errors.Wrapf(err, "removing partial snapshot %s", g.path)
		g.logger.Error("failed to remove partial snapshot", "path", g.path, "error", err)
		return g.releaseErr
	}

	if g.sig != nil {
		g.logger.Warn("backup interrupted, partial snapshot removed", "path", g.path, "signal", g.sig.String())
		g.releaseErr = &SignalError{Signal: g.sig}
		return g.releaseErr
	}
	g.logger.Warn("backup did not complete, partial snapshot removed", "path", g.path)
	return nil
}
