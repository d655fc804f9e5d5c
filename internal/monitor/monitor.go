// Package monitor polls the multiplexer gateway, diffs state snapshots, and
// broadcasts changes to everyone subscribed via onUpdate.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/muxgate/muxgate/internal/tmux"
)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 2500 * time.Millisecond

// Snapshot is the polled state of every session the gateway reports.
type Snapshot struct {
	Sessions   []tmux.SessionState `json:"sessions"`
	CapturedAt string              `json:"capturedAt"`
}

// Monitor polls on a configurable interval, deduplicating unchanged
// snapshots and supporting a coalesced, staleness-protected ForcePublish.
type Monitor struct {
	gateway  tmux.Gateway
	interval time.Duration
	onUpdate func(Snapshot)
	onError  func(error)
	logger   *slog.Logger

	mu          sync.Mutex
	generation  int64
	fingerprint string
	timer       *time.Timer
	tickCancel  context.CancelFunc
	stopped     bool
}

func New(gateway tmux.Gateway, interval time.Duration, onUpdate func(Snapshot), onError func(error), logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		gateway:  gateway,
		interval: interval,
		onUpdate: onUpdate,
		onError:  onError,
		logger:   logger,
	}
}

// Run blocks, polling at the configured interval until ctx is cancelled.
// The next tick is only scheduled after the previous one's snapshot
// resolves, so overlapping polls never happen.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.timer = time.NewTimer(m.interval)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.timer.Stop()
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.timer.C:
			m.tick(ctx)
			m.mu.Lock()
			if !m.stopped {
				m.timer.Reset(m.interval)
			}
			m.mu.Unlock()
		}
	}
}

// Stop prevents any further tick from rescheduling and cancels the context of
// an in-flight tick. It also advances the generation, so a build that still
// resolves afterwards is discarded, same as any other staleness case.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.generation++
	if m.tickCancel != nil {
		m.tickCancel()
	}
	m.mu.Unlock()
}

func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	gen := m.generation
	tickCtx, cancel := context.WithCancel(ctx)
	m.tickCancel = cancel
	m.mu.Unlock()
	defer cancel()

	snap, err := m.buildSnapshot(tickCtx)
	if err != nil {
		if m.onError != nil {
			m.onError(err)
		}
		return
	}

	m.mu.Lock()
	stale := m.generation != gen
	m.mu.Unlock()
	if stale {
		return
	}

	m.maybePublish(snap)
}

// ForcePublish builds a fresh snapshot unconditionally and delivers it to
// onUpdate unless a later ForcePublish (or Stop) advances the generation
// before this one's build completes, in which case it is silently discarded.
func (m *Monitor) ForcePublish(ctx context.Context) error {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	if m.tickCancel != nil {
		m.tickCancel()
	}
	m.mu.Unlock()

	snap, err := m.buildSnapshot(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	stale := m.generation != gen
	if !stale {
		m.fingerprint = fingerprintOf(snap)
	}
	stillLatest := m.generation == gen
	m.mu.Unlock()

	if stale {
		return nil
	}

	if m.onUpdate != nil {
		m.onUpdate(snap)
	}

	if stillLatest {
		m.mu.Lock()
		if m.timer != nil && !m.stopped {
			m.timer.Stop()
			m.timer.Reset(m.interval)
		}
		m.mu.Unlock()
	}
	return nil
}

// maybePublish delivers snap only if its fingerprint differs from the last
// one delivered.
func (m *Monitor) maybePublish(snap Snapshot) {
	fp := fingerprintOf(snap)

	m.mu.Lock()
	changed := fp != m.fingerprint
	if changed {
		m.fingerprint = fp
	}
	m.mu.Unlock()

	if changed && m.onUpdate != nil {
		m.onUpdate(snap)
	}
}

func (m *Monitor) buildSnapshot(ctx context.Context) (Snapshot, error) {
	sessions, err := m.gateway.ListSessions(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	states := make([]tmux.SessionState, 0, len(sessions))
	for _, s := range sessions {
		windows, err := m.gateway.ListWindows(ctx, s.Name)
		if err != nil {
			return Snapshot{}, err
		}
		wstates := make([]tmux.WindowState, 0, len(windows))
		for _, w := range windows {
			panes, err := m.gateway.ListPanes(ctx, s.Name, w.Index)
			if err != nil {
				return Snapshot{}, err
			}
			zoomed := false
			for _, p := range panes {
				if p.Zoomed {
					zoomed = true
				}
			}
			wstates = append(wstates, tmux.WindowState{
				Index:     w.Index,
				Name:      w.Name,
				Active:    w.Active,
				Zoomed:    zoomed,
				PaneCount: w.PaneCount,
				Panes:     panes,
			})
		}
		states = append(states, tmux.SessionState{SessionSummary: s, Windows: wstates})
	}

	return Snapshot{Sessions: states, CapturedAt: time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

// fingerprintOf is the JSON-canonical serialization of the sessions
// sequence, deliberately excluding CapturedAt.
func fingerprintOf(snap Snapshot) string {
	b, err := json.Marshal(snap.Sessions)
	if err != nil {
		return ""
	}
	return string(b)
}
