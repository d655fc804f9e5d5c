package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReapSchedule runs the orphan sweep every 5 minutes. This is the
// recurring analogue of a one-shot startup cleanup: because the broker is
// long-lived, a mobile session whose owning control socket vanished without
// a clean close (crashed client, killed process) would otherwise leak until
// the next full process restart.
const DefaultReapSchedule = "@every 5m"

// Reaper periodically kills tmux-mobile-client-* sessions that have no
// owning ControlContext.
type Reaper struct {
	broker *Broker
	logger *slog.Logger
	cron   *cron.Cron
}

// NewReaper wires a cron schedule to the broker's sweep. Call Start to
// begin, Stop to tear down alongside the broker.
func NewReaper(b *Broker, schedule string, logger *slog.Logger) (*Reaper, error) {
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	r := &Reaper{broker: b, logger: logger, cron: c}
	if _, err := c.AddFunc(schedule, r.sweep); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reaper) Start() { r.cron.Start() }

func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions, err := r.broker.gateway.ListSessions(ctx)
	if err != nil {
		r.logger.Debug("reaper: list sessions failed", "err", err)
		return
	}

	r.broker.mu.Lock()
	owned := make(map[string]struct{}, len(r.broker.contexts))
	for _, cc := range r.broker.contexts {
		cc.mu.Lock()
		if cc.attachedSession != "" {
			owned[cc.attachedSession] = struct{}{}
		}
		cc.mu.Unlock()
	}
	r.broker.mu.Unlock()

	for _, s := range sessions {
		if !isMobileSession(s.Name) {
			continue
		}
		if _, ok := owned[s.Name]; ok {
			continue
		}
		if err := r.broker.gateway.KillSession(ctx, s.Name); err != nil {
			r.logger.Debug("reaper: kill orphan session failed", "session", s.Name, "err", err)
			continue
		}
		r.logger.Info("reaper: killed orphan mobile session", "session", s.Name)
	}
}
