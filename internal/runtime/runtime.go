// Package runtime owns one attached PTY per client, replays the last known
// terminal size across reattach, and fans bytes out to subscribers.
package runtime

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/muxgate/muxgate/internal/ptyproc"
)

// Runtime mediates byte flow between a single ptyproc.Process and whoever
// subscribes to its data/exit events. It is meant to be owned by exactly one
// client context; it holds no notion of "which client" itself.
type Runtime struct {
	mu      sync.Mutex
	factory ptyproc.Factory
	logger  *slog.Logger

	proc        ptyproc.Process
	sessionName string
	lastCols    uint16
	lastRows    uint16
	scrollback  *ringBuffer

	onData func(data []byte)
	onExit func(err error)
}

func New(factory ptyproc.Factory, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		factory:    factory,
		logger:     logger,
		lastCols:   ptyproc.DefaultCols,
		lastRows:   ptyproc.DefaultRows,
		scrollback: newRingBuffer(defaultRingSize),
	}
}

// OnData registers the handler invoked for every chunk emitted by the
// currently attached process. Must be called before the first Attach to
// avoid missing early output.
func (r *Runtime) OnData(handler func(data []byte)) {
	r.mu.Lock()
	r.onData = handler
	r.mu.Unlock()
}

// OnExit registers the handler invoked once when the attached process exits.
func (r *Runtime) OnExit(handler func(err error)) {
	r.mu.Lock()
	r.onExit = handler
	r.mu.Unlock()
}

// Attach spawns a process for sessionName, unless it is already attached to
// that same session. Reattaching to a different session kills the previous
// process first. The last known {cols, rows} (default 80x24) is replayed
// immediately after spawn.
func (r *Runtime) Attach(sessionName string) error {
	r.mu.Lock()
	if r.proc != nil && r.sessionName == sessionName {
		r.mu.Unlock()
		return nil
	}
	prev := r.proc
	prevName := r.sessionName
	r.mu.Unlock()

	if prev != nil {
		_ = prev.Kill()
		r.logger.Debug("runtime reattach killed previous process", "from", prevName, "to", sessionName)
	}

	proc, err := r.factory.SpawnAttach(sessionName)
	if err != nil {
		return fmt.Errorf("spawn attach %q: %w", sessionName, err)
	}

	r.mu.Lock()
	r.proc = proc
	r.sessionName = sessionName
	cols, rows := r.lastCols, r.lastRows
	r.scrollback.Reset()
	r.mu.Unlock()

	proc.OnData(func(data []byte) {
		r.mu.Lock()
		r.scrollback.Write(data)
		dataHandler := r.onData
		r.mu.Unlock()
		if dataHandler != nil {
			dataHandler(data)
		}
	})
	proc.OnExit(func(err error) {
		r.mu.Lock()
		if r.proc == proc {
			r.proc = nil
		}
		exitHandler := r.onExit
		r.mu.Unlock()
		if exitHandler != nil {
			exitHandler(err)
		}
	})

	if err := proc.Resize(cols, rows); err != nil {
		r.logger.Debug("initial resize failed", "session", sessionName, "err", err)
	}
	return nil
}

// Write forwards text verbatim to the attached process. No-op if none.
func (r *Runtime) Write(text []byte) error {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Write(text)
}

// Resize rejects non-finite or sub-2 dimensions, otherwise stores them as
// last-known and applies them to the attached process (if any).
func (r *Runtime) Resize(cols, rows float64) error {
	if !isFinite(cols) || !isFinite(rows) || cols < 2 || rows < 2 {
		return nil
	}
	c := uint16(cols)
	rr := uint16(rows)

	r.mu.Lock()
	r.lastCols = c
	r.lastRows = rr
	proc := r.proc
	r.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Resize(c, rr)
}

func isFinite(f float64) bool {
	return f == f && f < maxFinite && f > -maxFinite
}

const maxFinite = 1e300

// Shutdown kills the current process, if any, and forgets it.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	proc := r.proc
	r.proc = nil
	r.sessionName = ""
	r.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Kill()
}

// AttachedSession returns the currently attached session name, or "" if none.
func (r *Runtime) AttachedSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionName
}

// LastSize returns the last known terminal dimensions.
func (r *Runtime) LastSize() (cols, rows uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCols, r.lastRows
}

// Scrollback returns recent raw PTY output, so a data socket that joins
// mid-stream can replay it instead of starting on a blank screen. It is
// independent of capture_scrollback, which queries tmux's own pane
// history rather than bytes this runtime has seen.
func (r *Runtime) Scrollback() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scrollback.Bytes()
}
