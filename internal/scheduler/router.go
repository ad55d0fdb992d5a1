// Package scheduler contains the router, workers, task dispatcher, and lease
// reaper.
//
// The router is single-threaded over in-process events: worker ready signals,
// result envelopes, wake notifications, and a periodic tick. That serializes
// every task state transition, so the per-job bookkeeping needs no locks.
// Workers run as isolated goroutines, one per platform account, coupled to
// the router only through channels. The store handles concurrency at the
// database level.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// Options configures the router.
type Options struct {
	MaxInflightPerAccount int
	WorkerChannelCapacity int
	TickInterval          time.Duration
	DefaultMaxAttempts    int
	// LeaseTTLFor returns the lease TTL for a task kind.
	LeaseTTLFor func(kind domain.JobKind) time.Duration
}

func (o *Options) fill() {
	if o.MaxInflightPerAccount <= 0 {
		o.MaxInflightPerAccount = 1
	}
	if o.WorkerChannelCapacity <= 0 {
		o.WorkerChannelCapacity = 1
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 2 * time.Second
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.LeaseTTLFor == nil {
		o.LeaseTTLFor = func(domain.JobKind) time.Duration { return 300 * time.Second }
	}
}

// WorkerHandle is the router's view of one worker: identity, capabilities,
// and the outbound task channel. The channel is small on purpose; a full
// channel converts worker slowness into claim-side pacing.
type WorkerHandle struct {
	ID      string
	Account string
	Kinds   []domain.JobKind
	tasks   chan domain.TaskEnvelope
}

// NewWorkerHandle builds a handle with the given channel capacity.
func NewWorkerHandle(account string, kinds []domain.JobKind, capacity int) *WorkerHandle {
	if capacity <= 0 {
		capacity = 1
	}
	return &WorkerHandle{
		ID:      account + "-" + uuid.NewString()[:8],
		Account: account,
		Kinds:   kinds,
		tasks:   make(chan domain.TaskEnvelope, capacity),
	}
}

// Tasks is the worker-side receive channel.
func (h *WorkerHandle) Tasks() <-chan domain.TaskEnvelope { return h.tasks }

type taskMeta struct {
	workerID string
	account  string
	jobID    string
	target   string
	kind     domain.JobKind
	start    time.Time
}

type jobState struct {
	kind           domain.JobKind
	pendingTargets map[string]struct{}
}

// Router assigns pending tasks to ready workers, enforcing per-account
// in-flight caps, and translates result envelopes into store updates. It is
// the only store writer besides the reaper.
type Router struct {
	store  domain.TaskStore
	events domain.EventPublisher
	opts   Options

	readyCh  chan *WorkerHandle
	resultCh chan domain.ResultEnvelope
	wakeCh   chan struct{}

	workers           map[string]*WorkerHandle
	accountOf         map[string]string // worker id -> account
	inflightByAccount map[string]int
	meta              map[string]taskMeta
	jobs              map[string]*jobState
}

// NewRouter constructs a Router.
func NewRouter(store domain.TaskStore, events domain.EventPublisher, opts Options) *Router {
	opts.fill()
	if events == nil {
		events = domain.NopPublisher{}
	}
	return &Router{
		store:             store,
		events:            events,
		opts:              opts,
		readyCh:           make(chan *WorkerHandle, 16),
		resultCh:          make(chan domain.ResultEnvelope, 16),
		wakeCh:            make(chan struct{}, 1),
		workers:           make(map[string]*WorkerHandle),
		accountOf:         make(map[string]string),
		inflightByAccount: make(map[string]int),
		meta:              make(map[string]taskMeta),
		jobs:              make(map[string]*jobState),
	}
}

// Ready announces a worker to the router. Safe from any goroutine.
func (r *Router) Ready(h *WorkerHandle) { r.readyCh <- h }

// Deliver hands a result envelope to the router. Safe from any goroutine.
func (r *Router) Deliver(res domain.ResultEnvelope) { r.resultCh <- res }

// Wake nudges the router to re-poll the task pool; coalesces bursts.
func (r *Router) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the event loop until the context is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()
	slog.Info("router starting", slog.Duration("tick", r.opts.TickInterval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("router stopping")
			return
		case h := <-r.readyCh:
			if err := r.addWorker(h); err != nil {
				slog.Error("worker rejected", slog.String("worker_id", h.ID), slog.Any("error", err))
				continue
			}
			r.dispatch(ctx)
		case res := <-r.resultCh:
			r.handleResult(ctx, res)
			r.dispatch(ctx)
		case <-r.wakeCh:
			r.dispatch(ctx)
		case <-ticker.C:
			r.dispatch(ctx)
		}
	}
}

// addWorker registers a worker handle. One worker per account by
// construction: a second registration for the same account is rejected.
func (r *Router) addWorker(h *WorkerHandle) error {
	for id, acct := range r.accountOf {
		if acct == h.Account && id != h.ID {
			return fmt.Errorf("account %s already has worker %s", h.Account, id)
		}
	}
	if _, known := r.workers[h.ID]; !known {
		slog.Info("worker ready", slog.String("worker_id", h.ID), slog.String("account", h.Account))
	}
	r.workers[h.ID] = h
	r.accountOf[h.ID] = h.Account
	observability.WorkersReady.Set(float64(len(r.workers)))
	return nil
}

// dispatch claims tasks for every worker with spare in-flight budget.
func (r *Router) dispatch(ctx context.Context) {
	for _, h := range r.workers {
		for r.inflightByAccount[h.Account] < r.opts.MaxInflightPerAccount && len(h.tasks) < cap(h.tasks) {
			claimed := r.claimFor(ctx, h)
			if !claimed {
				break
			}
		}
	}
}

func (r *Router) claimFor(ctx context.Context, h *WorkerHandle) bool {
	// Fallback only: each task row carries its own per-kind lease TTL,
	// stamped at submit time, which ClaimNext prefers.
	ttl := r.opts.LeaseTTLFor("")
	if len(h.Kinds) == 1 {
		ttl = r.opts.LeaseTTLFor(h.Kinds[0])
	}
	task, err := r.store.ClaimNext(ctx, h.ID, h.Account, h.Kinds, ttl)
	if err != nil {
		slog.Error("claim failed", slog.String("worker_id", h.ID), slog.Any("error", err))
		return false
	}
	if task == nil {
		return false
	}
	r.meta[task.ID] = taskMeta{
		workerID: h.ID,
		account:  h.Account,
		jobID:    task.JobID,
		target:   task.Target,
		kind:     task.Kind,
		start:    time.Now(),
	}
	js := r.jobs[task.JobID]
	if js == nil {
		js = &jobState{kind: task.Kind, pendingTargets: make(map[string]struct{})}
		r.jobs[task.JobID] = js
		// First claim moves the job out of pending. A conflict means the job
		// is already terminal; the claimed task then dies on the leased-status
		// guard when its result lands.
		if err := r.store.UpdateJobStatus(ctx, task.JobID, domain.JobRunning); err != nil && !errors.Is(err, domain.ErrConflict) {
			slog.Warn("job running transition failed", slog.String("job_id", task.JobID), slog.Any("error", err))
		}
	}
	js.pendingTargets[task.Target] = struct{}{}
	r.inflightByAccount[h.Account]++
	observability.TasksClaimedTotal.WithLabelValues(string(task.Kind)).Inc()
	observability.TasksInflight.Inc()
	r.events.Publish(ctx, domain.Event{Type: domain.EventTaskClaimed, JobID: task.JobID, TaskID: task.ID, Worker: h.ID})
	select {
	case h.tasks <- domain.TaskEnvelope{Task: *task, CorrelationID: uuid.NewString()}:
	default:
		// Should not happen: capacity was checked before claiming. Put the
		// task back rather than lose it in memory.
		slog.Error("worker channel full after claim; requeueing", slog.String("task_id", task.ID))
		if _, err := r.store.RequeueWithAttemptsCap(ctx, task.ID, "router channel full", r.opts.DefaultMaxAttempts); err != nil {
			slog.Error("requeue after full channel failed", slog.String("task_id", task.ID), slog.Any("error", err))
		}
		r.forget(task.ID)
		return false
	}
	return true
}

// forget drops task metadata and releases the account slot.
func (r *Router) forget(taskID string) {
	m, ok := r.meta[taskID]
	if !ok {
		return
	}
	delete(r.meta, taskID)
	if r.inflightByAccount[m.account] > 0 {
		r.inflightByAccount[m.account]--
	}
	observability.TasksInflight.Dec()
}

func (r *Router) handleResult(ctx context.Context, res domain.ResultEnvelope) {
	m, ok := r.meta[res.TaskID]
	if !ok {
		// Zombie result: metadata was already dropped, typically after a
		// reaper pass or job cancellation.
		slog.Warn("dropping unknown result", slog.String("task_id", res.TaskID))
		return
	}
	r.forget(res.TaskID)
	observability.TaskDuration.WithLabelValues(string(m.kind)).Observe(time.Since(m.start).Seconds())

	maxAttempts := res.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.opts.DefaultMaxAttempts
	}

	switch {
	case res.OK:
		if err := r.store.MarkDone(ctx, res.TaskID, res.Result); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Lease was reclaimed or the job was cancelled while the
				// worker was executing; the result is discarded.
				slog.Warn("late result discarded", slog.String("task_id", res.TaskID))
				r.dropTarget(m)
				return
			}
			slog.Error("mark done failed", slog.String("task_id", res.TaskID), slog.Any("error", err))
			return
		}
		observability.TasksCompletedTotal.WithLabelValues(string(m.kind), "done").Inc()
		r.events.Publish(ctx, domain.Event{Type: domain.EventTaskDone, JobID: m.jobID, TaskID: res.TaskID, Worker: m.workerID})
		r.dropTarget(m)
		r.maybeFinishJob(ctx, m.jobID, m.kind)

	case res.Retryable:
		requeued, err := r.store.RequeueWithAttemptsCap(ctx, res.TaskID, string(res.RetryReason), maxAttempts)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				slog.Warn("late retry discarded", slog.String("task_id", res.TaskID))
				r.dropTarget(m)
				return
			}
			slog.Error("requeue failed", slog.String("task_id", res.TaskID), slog.Any("error", err))
			return
		}
		if requeued {
			observability.TasksRequeuedTotal.WithLabelValues(string(res.RetryReason)).Inc()
			r.events.Publish(ctx, domain.Event{Type: domain.EventTaskRequeued, JobID: m.jobID, TaskID: res.TaskID, Reason: string(res.RetryReason)})
			// Target stays pending; the next dispatch pass re-claims it.
			r.Wake()
			return
		}
		observability.TasksCompletedTotal.WithLabelValues(string(m.kind), "error").Inc()
		r.events.Publish(ctx, domain.Event{Type: domain.EventTaskError, JobID: m.jobID, TaskID: res.TaskID, Reason: string(res.RetryReason)})
		r.dropTarget(m)
		r.maybeFinishJob(ctx, m.jobID, m.kind)

	default:
		if err := r.store.MarkError(ctx, res.TaskID, res.Error, true); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				slog.Warn("late error discarded", slog.String("task_id", res.TaskID))
				r.dropTarget(m)
				return
			}
			slog.Error("mark error failed", slog.String("task_id", res.TaskID), slog.Any("error", err))
			return
		}
		observability.TasksCompletedTotal.WithLabelValues(string(m.kind), "error").Inc()
		r.events.Publish(ctx, domain.Event{Type: domain.EventTaskError, JobID: m.jobID, TaskID: res.TaskID, Reason: res.Error})
		r.dropTarget(m)
		r.maybeFinishJob(ctx, m.jobID, m.kind)
	}
}

func (r *Router) dropTarget(m taskMeta) {
	if js := r.jobs[m.jobID]; js != nil {
		delete(js.pendingTargets, m.target)
	}
}

// maybeFinishJob closes the job once every task is terminal. The store is
// authoritative; the in-memory pending set only decides when to ask.
func (r *Router) maybeFinishJob(ctx context.Context, jobID string, kind domain.JobKind) {
	if js := r.jobs[jobID]; js != nil && len(js.pendingTargets) > 0 {
		return
	}
	finished, err := r.store.AllTasksFinished(ctx, jobID)
	if err != nil {
		slog.Error("finish check failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if !finished {
		return
	}
	progress, err := r.store.JobProgress(ctx, jobID)
	if err != nil {
		slog.Error("progress read failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	status := domain.JobDone
	if progress.Errored > 0 {
		status = domain.JobFailed
	}
	if progress.Cancelled > 0 && progress.Done == 0 && progress.Errored == 0 {
		status = domain.JobCancelled
	}
	if err := r.store.UpdateJobStatus(ctx, jobID, status); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// The job reached a terminal status elsewhere, typically a
			// cancellation racing the last result. The stored status wins.
			slog.Warn("job already terminal; keeping stored status", slog.String("job_id", jobID))
			delete(r.jobs, jobID)
			return
		}
		slog.Error("job status update failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	delete(r.jobs, jobID)
	observability.JobsFinishedTotal.WithLabelValues(string(kind), string(status)).Inc()
	r.events.Publish(ctx, domain.Event{Type: domain.EventJobFinished, JobID: jobID, Details: map[string]any{
		"status": string(status), "done": progress.Done, "errored": progress.Errored,
	}})
	slog.Info("job finished",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
		slog.Int("done", progress.Done),
		slog.Int("errored", progress.Errored))
}
