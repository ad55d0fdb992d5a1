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

func TestReaper_ReturnsExpiredLeaseToPending(t *testing.T) {
	store := newMemStore()
	ids := seedJob(t, store, "job-1", domain.KindSendMessages, 0, "alice")
	ctx := context.Background()

	// A worker claims the task and then crashes: the lease is never released.
	task, err := store.ClaimNext(ctx, "worker-crash", "acct-1", []domain.JobKind{domain.KindSendMessages}, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	store.expireLease(task.ID)

	woken := false
	reaper := scheduler.NewReaper(store, nil, time.Minute, 100, func() { woken = true })
	n := reaper.ReapOnce(ctx)
	assert.Equal(t, 1, n)
	assert.True(t, woken)

	// Back to pending, and the crashed attempt stays consumed.
	assert.Equal(t, domain.TaskPending, store.taskStatus(ids[0]))
	assert.Equal(t, 1, store.taskAttempts(ids[0]))

	// The task is claimable again by a healthy worker.
	again, err := store.ClaimNext(ctx, "worker-2", "acct-1", []domain.JobKind{domain.KindSendMessages}, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
}

func TestReaper_LiveLeasesUntouched(t *testing.T) {
	store := newMemStore()
	seedJob(t, store, "job-1", domain.KindSendMessages, 0, "alice")
	ctx := context.Background()

	_, err := store.ClaimNext(ctx, "worker-1", "acct-1", []domain.JobKind{domain.KindSendMessages}, time.Hour)
	require.NoError(t, err)

	reaper := scheduler.NewReaper(store, nil, time.Minute, 100, nil)
	assert.Equal(t, 0, reaper.ReapOnce(ctx))
}

func TestReaper_RunStopsOnContextCancel(t *testing.T) {
	store := newMemStore()
	reaper := scheduler.NewReaper(store, nil, 5*time.Millisecond, 100, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
