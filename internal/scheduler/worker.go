package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/ratelimiter"
)

// WorkerState is the coarse lifecycle of a worker goroutine.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerBusy     WorkerState = "busy"
	WorkerDraining WorkerState = "draining"
	WorkerStopped  WorkerState = "stopped"
)

// Worker executes tasks for exactly one platform account. It owns the
// account's browser session and its rate limiter, and talks to the router
// only through the handle's task channel and result delivery. It never
// writes to the store.
type Worker struct {
	handle     *WorkerHandle
	router     *Router
	dispatcher *Dispatcher
	browser    domain.BrowserPort
	limiter    *ratelimiter.AccountLimiter
	state      WorkerState
}

// NewWorker constructs a Worker bound to one account. limiter may be nil for
// kinds that never send.
func NewWorker(h *WorkerHandle, router *Router, d *Dispatcher, browser domain.BrowserPort, limiter *ratelimiter.AccountLimiter) *Worker {
	return &Worker{
		handle:     h,
		router:     router,
		dispatcher: d,
		browser:    browser,
		limiter:    limiter,
		state:      WorkerStarting,
	}
}

// State returns the current lifecycle state. Only meaningful from the worker
// goroutine itself and from tests that drive Run to completion.
func (w *Worker) State() WorkerState { return w.state }

// Run establishes the account session, announces readiness, and then loops
// executing tasks until the context is cancelled. A failed session probe at
// startup is fatal for this worker; the account's tasks stay pending for a
// restarted process.
func (w *Worker) Run(ctx context.Context) error {
	log := slog.With(slog.String("worker_id", w.handle.ID), slog.String("account", w.handle.Account))
	w.state = WorkerStarting
	if err := w.browser.EnsureSession(ctx, w.handle.Account); err != nil {
		w.state = WorkerStopped
		return fmt.Errorf("op=worker.Run account=%s: %w", w.handle.Account, err)
	}
	w.state = WorkerReady
	w.router.Ready(w.handle)
	log.Info("worker session established")

	for {
		select {
		case <-ctx.Done():
			w.state = WorkerDraining
			w.drain(log)
			w.state = WorkerStopped
			log.Info("worker stopped")
			return nil
		case env := <-w.handle.tasks:
			w.state = WorkerBusy
			res := w.dispatcher.Dispatch(ctx, env)
			w.afterResult(ctx, env, res, log)
			w.router.Deliver(res)
			w.state = WorkerReady
		}
	}
}

// afterResult applies worker-local consequences of a result before it is
// handed to the router: soft blocks start a cooldown, expired sessions get
// one recovery attempt so the next task does not fail the same way.
func (w *Worker) afterResult(ctx context.Context, env domain.TaskEnvelope, res domain.ResultEnvelope, log *slog.Logger) {
	if res.OK || !res.Retryable {
		return
	}
	switch res.RetryReason {
	case domain.ReasonTransientUIBlock:
		if w.limiter != nil {
			until := w.limiter.TriggerCooldown()
			observability.CooldownsEngaged.WithLabelValues(w.handle.Account).Inc()
			log.Warn("soft block; cooling down",
				slog.String("task_id", env.Task.ID),
				slog.Time("until", until))
		}
	case domain.ReasonSessionExpired:
		log.Warn("session expired; recovering", slog.String("task_id", env.Task.ID))
		if err := w.browser.EnsureSession(ctx, w.handle.Account); err != nil {
			log.Error("session recovery failed", slog.Any("error", err))
		}
	}
}

// drain discards envelopes already buffered in the channel. Their leases
// expire and the reaper returns the tasks to pending.
func (w *Worker) drain(log *slog.Logger) {
	for {
		select {
		case env := <-w.handle.tasks:
			log.Warn("dropping buffered task on shutdown", slog.String("task_id", env.Task.ID))
		default:
			return
		}
	}
}
