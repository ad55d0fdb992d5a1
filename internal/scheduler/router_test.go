package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/scheduler"
)

func testOptions() scheduler.Options {
	return scheduler.Options{
		MaxInflightPerAccount: 1,
		WorkerChannelCapacity: 1,
		TickInterval:          10 * time.Millisecond,
		DefaultMaxAttempts:    3,
		LeaseTTLFor:           func(domain.JobKind) time.Duration { return 5 * time.Second },
	}
}

func seedJob(t *testing.T, store *memStore, jobID string, kind domain.JobKind, priority int, targets ...string) []string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, domain.Job{ID: jobID, ClientID: "client-1", Kind: kind, Priority: priority, Status: domain.JobRunning}))
	tasks := make([]domain.Task, 0, len(targets))
	ids := make([]string, 0, len(targets))
	for _, tg := range targets {
		id := domain.TaskID(jobID, kind, tg)
		tasks = append(tasks, domain.Task{ID: id, JobID: jobID, Kind: kind, Target: tg, Priority: priority})
		ids = append(ids, id)
	}
	require.NoError(t, store.CreateTasks(ctx, tasks))
	return ids
}

func recvEnvelope(t *testing.T, ch <-chan domain.TaskEnvelope) domain.TaskEnvelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no task dispatched")
		return domain.TaskEnvelope{}
	}
}

func TestRouter_DispatchesAndFinishesJob(t *testing.T) {
	store := newMemStore()
	ids := seedJob(t, store, "job-1", domain.KindSendMessages, 0, "alice", "bob")

	r := scheduler.NewRouter(store, nil, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	h := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{domain.KindSendMessages}, 1)
	r.Ready(h)

	for range ids {
		env := recvEnvelope(t, h.Tasks())
		assert.Equal(t, domain.TaskLeased, env.Task.Status)
		r.Deliver(domain.ResultEnvelope{OK: true, TaskID: env.Task.ID, Result: map[string]any{"sent": true}})
	}

	require.Eventually(t, func() bool {
		return store.jobStatus("job-1") == domain.JobDone
	}, 3*time.Second, 10*time.Millisecond)
	for _, id := range ids {
		assert.Equal(t, domain.TaskDone, store.taskStatus(id))
	}
}

func TestRouter_RetryableExhaustionEndsFailed(t *testing.T) {
	store := newMemStore()
	ids := seedJob(t, store, "job-1", domain.KindSendMessages, 0, "alice")

	opts := testOptions()
	opts.DefaultMaxAttempts = 2
	r := scheduler.NewRouter(store, nil, opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	h := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{domain.KindSendMessages}, 1)
	r.Ready(h)

	// Fail retryably on every attempt until the cap converts it to terminal.
	for i := 0; i < 2; i++ {
		env := recvEnvelope(t, h.Tasks())
		assert.Equal(t, i+1, env.Task.Attempts)
		r.Deliver(domain.ResultEnvelope{
			TaskID:      env.Task.ID,
			Retryable:   true,
			RetryReason: domain.ReasonDriverDead,
			Error:       "chrome went away",
		})
	}

	require.Eventually(t, func() bool {
		return store.jobStatus("job-1") == domain.JobFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.TaskError, store.taskStatus(ids[0]))
	assert.Equal(t, 2, store.taskAttempts(ids[0]))
}

func TestRouter_PriorityOrdering(t *testing.T) {
	store := newMemStore()
	lowIDs := seedJob(t, store, "job-low", domain.KindAnalyzeProfiles, 0, "first")
	highIDs := seedJob(t, store, "job-high", domain.KindAnalyzeProfiles, 10, "second")

	r := scheduler.NewRouter(store, nil, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	h := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{domain.KindAnalyzeProfiles}, 1)
	r.Ready(h)

	env := recvEnvelope(t, h.Tasks())
	assert.Equal(t, highIDs[0], env.Task.ID, "higher priority task must be claimed first despite later submission")
	r.Deliver(domain.ResultEnvelope{OK: true, TaskID: env.Task.ID})

	env = recvEnvelope(t, h.Tasks())
	assert.Equal(t, lowIDs[0], env.Task.ID)
	r.Deliver(domain.ResultEnvelope{OK: true, TaskID: env.Task.ID})
}

func TestRouter_TaskGoesToExactlyOneWorker(t *testing.T) {
	store := newMemStore()
	seedJob(t, store, "job-1", domain.KindFetchFollowings, 0, "solo")

	r := scheduler.NewRouter(store, nil, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	h1 := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{domain.KindFetchFollowings}, 1)
	h2 := scheduler.NewWorkerHandle("acct-2", []domain.JobKind{domain.KindFetchFollowings}, 1)
	r.Ready(h1)
	r.Ready(h2)

	var got domain.TaskEnvelope
	select {
	case got = <-h1.Tasks():
	case got = <-h2.Tasks():
	case <-time.After(3 * time.Second):
		t.Fatal("task never dispatched")
	}
	assert.Equal(t, "job-1:fetch_followings:solo", got.Task.ID)

	// Neither worker may receive it a second time.
	select {
	case env := <-h1.Tasks():
		t.Fatalf("duplicate dispatch to worker 1: %s", env.Task.ID)
	case env := <-h2.Tasks():
		t.Fatalf("duplicate dispatch to worker 2: %s", env.Task.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouter_CancellationDiscardsLateResult(t *testing.T) {
	store := newMemStore()
	ids := seedJob(t, store, "job-1", domain.KindSendMessages, 0, "alice")

	r := scheduler.NewRouter(store, nil, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	h := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{domain.KindSendMessages}, 1)
	r.Ready(h)

	env := recvEnvelope(t, h.Tasks())
	// The client cancels while the worker is mid-flight.
	require.NoError(t, store.CancelJob(context.Background(), "job-1"))
	r.Deliver(domain.ResultEnvelope{OK: true, TaskID: env.Task.ID, Result: map[string]any{"sent": true}})

	// The late result must not resurrect the task, and the account slot must
	// be released so a following job still gets dispatched.
	seedJob(t, store, "job-2", domain.KindSendMessages, 0, "bob")
	r.Wake()
	env2 := recvEnvelope(t, h.Tasks())
	assert.Equal(t, "job-2:send_messages:bob", env2.Task.ID)
	assert.Equal(t, domain.TaskCancelled, store.taskStatus(ids[0]))
	assert.Equal(t, domain.JobCancelled, store.jobStatus("job-1"))
}

// cancelRaceStore commits a cancellation right after a successful task
// completion, reproducing an HTTP cancel landing between the worker's result
// write and the router's job-finish pass.
type cancelRaceStore struct {
	*memStore
	jobID string
}

func (s *cancelRaceStore) MarkDone(ctx domain.Context, taskID string, result map[string]any) error {
	if err := s.memStore.MarkDone(ctx, taskID, result); err != nil {
		return err
	}
	return s.memStore.CancelJob(ctx, s.jobID)
}

func TestRouter_CancelRacingLastResultStaysCancelled(t *testing.T) {
	inner := newMemStore()
	ids := seedJob(t, inner, "job-1", domain.KindSendMessages, 0, "alice")
	store := &cancelRaceStore{memStore: inner, jobID: "job-1"}

	r := scheduler.NewRouter(store, nil, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	h := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{domain.KindSendMessages}, 1)
	r.Ready(h)

	env := recvEnvelope(t, h.Tasks())
	r.Deliver(domain.ResultEnvelope{OK: true, TaskID: env.Task.ID, Result: map[string]any{"sent": true}})

	require.Eventually(t, func() bool {
		return inner.jobStatus("job-1") == domain.JobCancelled
	}, 3*time.Second, 10*time.Millisecond)

	// The finish pass runs after the cancel committed; give it time to prove
	// it does not overwrite the terminal status.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.JobCancelled, inner.jobStatus("job-1"))
	assert.Equal(t, domain.TaskDone, inner.taskStatus(ids[0]))
}

func TestRouter_PerTaskLeaseTTLWithMultiKindWorker(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, domain.Job{ID: "job-1", ClientID: "c", Kind: domain.KindLoginCheck, Status: domain.JobPending}))
	require.NoError(t, store.CreateTasks(ctx, []domain.Task{{
		ID: domain.TaskID("job-1", domain.KindLoginCheck, "acct-1"), JobID: "job-1",
		Kind: domain.KindLoginCheck, Target: "acct-1", Account: "acct-1",
		LeaseTTL: time.Minute,
	}}))

	r := scheduler.NewRouter(store, nil, testOptions())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(runCtx)

	// Production workers support every kind; the short probe lease must still
	// come from the task row, not the router's fallback.
	h := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{
		domain.KindAnalyzeProfiles, domain.KindSendMessages, domain.KindFetchFollowings, domain.KindLoginCheck,
	}, 1)
	r.Ready(h)

	env := recvEnvelope(t, h.Tasks())
	assert.Equal(t, time.Minute, env.Task.LeaseTTL)
	require.NotNil(t, env.Task.LeaseExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *env.Task.LeaseExpiresAt, 5*time.Second)
}

func TestRouter_MarksJobRunningOnFirstClaim(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, domain.Job{ID: "job-1", ClientID: "c", Kind: domain.KindSendMessages, Status: domain.JobPending}))
	require.NoError(t, store.CreateTasks(ctx, []domain.Task{{
		ID: domain.TaskID("job-1", domain.KindSendMessages, "alice"), JobID: "job-1",
		Kind: domain.KindSendMessages, Target: "alice",
	}}))

	r := scheduler.NewRouter(store, nil, testOptions())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(runCtx)

	h := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{domain.KindSendMessages}, 1)
	r.Ready(h)

	env := recvEnvelope(t, h.Tasks())
	assert.Equal(t, domain.JobRunning, store.jobStatus("job-1"))

	r.Deliver(domain.ResultEnvelope{OK: true, TaskID: env.Task.ID})
	require.Eventually(t, func() bool {
		return store.jobStatus("job-1") == domain.JobDone
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRouter_AccountAffinityRespected(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, domain.Job{ID: "job-1", ClientID: "c", Kind: domain.KindLoginCheck, Status: domain.JobRunning}))
	require.NoError(t, store.CreateTasks(ctx, []domain.Task{{
		ID: domain.TaskID("job-1", domain.KindLoginCheck, "acct-2"), JobID: "job-1",
		Kind: domain.KindLoginCheck, Target: "acct-2", Account: "acct-2",
	}}))

	r := scheduler.NewRouter(store, nil, testOptions())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(runCtx)

	wrong := scheduler.NewWorkerHandle("acct-1", []domain.JobKind{domain.KindLoginCheck}, 1)
	r.Ready(wrong)
	select {
	case env := <-wrong.Tasks():
		t.Fatalf("task with account affinity dispatched to wrong account: %s", env.Task.ID)
	case <-time.After(100 * time.Millisecond):
	}

	right := scheduler.NewWorkerHandle("acct-2", []domain.JobKind{domain.KindLoginCheck}, 1)
	r.Ready(right)
	env := recvEnvelope(t, right.Tasks())
	assert.Equal(t, "acct-2", env.Task.Account)
}
