package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// Reaper periodically returns expired leases to the pending pool so tasks
// held by crashed or hung workers become claimable again. It never touches
// the attempts counter; the increment already happened at claim time, so a
// crash consumes exactly one attempt.
type Reaper struct {
	store     domain.TaskStore
	events    domain.EventPublisher
	interval  time.Duration
	maxPerRun int
	wake      func()
}

// NewReaper constructs a Reaper. wake may be nil; when set it is invoked
// after a pass that reclaimed at least one lease so the router re-polls
// immediately instead of waiting for its tick.
func NewReaper(store domain.TaskStore, events domain.EventPublisher, interval time.Duration, maxPerRun int, wake func()) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxPerRun <= 0 {
		maxPerRun = 100
	}
	if events == nil {
		events = domain.NopPublisher{}
	}
	return &Reaper{store: store, events: events, interval: interval, maxPerRun: maxPerRun, wake: wake}
}

// Run executes reap passes until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	slog.Info("lease reaper starting", slog.Duration("interval", r.interval), slog.Int("max_per_run", r.maxPerRun))
	for {
		select {
		case <-ctx.Done():
			slog.Info("lease reaper stopping")
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce performs a single bounded pass and returns the reclaim count.
func (r *Reaper) ReapOnce(ctx context.Context) int {
	n, err := r.store.ReclaimExpiredLeases(ctx, r.maxPerRun)
	if err != nil {
		slog.Error("lease reclaim failed", slog.Any("error", err))
		return 0
	}
	if n == 0 {
		return 0
	}
	observability.LeasesReclaimedTotal.Add(float64(n))
	r.events.Publish(ctx, domain.Event{Type: domain.EventLeaseReclaim, Details: map[string]any{"count": n}})
	slog.Warn("expired leases reclaimed", slog.Int("count", n))
	if r.wake != nil {
		r.wake()
	}
	return n
}
