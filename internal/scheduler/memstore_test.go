package scheduler_test

import (
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// memStore is an in-memory TaskStore used to exercise the router, workers,
// and reaper without Postgres. Claim semantics mirror the SQL store: atomic
// single-claim, priority-then-age ordering, attempts incremented at lease.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]domain.Job
	tasks map[string]*domain.Task
	seq   int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]domain.Job), tasks: make(map[string]*domain.Task)}
}

func (s *memStore) CreateJob(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return nil
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	j.CreatedAt = time.Now()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) CreateTasks(_ domain.Context, tasks []domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			continue
		}
		tt := t
		if tt.Status == "" {
			tt.Status = domain.TaskPending
		}
		s.seq++
		tt.CreatedAt = time.Unix(0, int64(s.seq))
		s.tasks[tt.ID] = &tt
	}
	return nil
}

func (s *memStore) ClaimNext(_ domain.Context, workerID, accountHint string, kinds []domain.JobKind, leaseTTL time.Duration) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kindOK := func(k domain.JobKind) bool {
		for _, kk := range kinds {
			if kk == k {
				return true
			}
		}
		return false
	}
	var candidates []*domain.Task
	for _, t := range s.tasks {
		if t.Status != domain.TaskPending || !kindOK(t.Kind) {
			continue
		}
		if t.Account != "" && t.Account != accountHint {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	t := candidates[0]
	now := time.Now()
	// The row's own TTL wins; the caller's TTL is the fallback.
	ttl := t.LeaseTTL
	if ttl <= 0 {
		ttl = leaseTTL
	}
	exp := now.Add(ttl)
	t.Status = domain.TaskLeased
	t.Attempts++
	t.LeasedBy = &workerID
	t.LeasedAt = &now
	t.LeaseExpiresAt = &exp
	t.LeaseTTL = ttl
	cp := *t
	return &cp, nil
}

func (s *memStore) MarkDone(_ domain.Context, taskID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskLeased {
		return domain.ErrConflict
	}
	t.Status = domain.TaskDone
	t.LeasedBy = nil
	_ = result
	return nil
}

func (s *memStore) MarkError(_ domain.Context, taskID, errMsg string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskLeased {
		return domain.ErrConflict
	}
	t.LastError = errMsg
	t.LeasedBy = nil
	if terminal {
		t.Status = domain.TaskError
	} else {
		t.Status = domain.TaskPending
	}
	return nil
}

func (s *memStore) RequeueWithAttemptsCap(_ domain.Context, taskID, reason string, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskLeased {
		return false, domain.ErrConflict
	}
	t.LastError = reason
	t.LeasedBy = nil
	if t.Attempts < maxAttempts {
		t.Status = domain.TaskPending
		return true, nil
	}
	t.Status = domain.TaskError
	return false, nil
}

func (s *memStore) ReclaimExpiredLeases(_ domain.Context, maxN int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, t := range s.tasks {
		if n >= maxN {
			break
		}
		if t.Status == domain.TaskLeased && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now) {
			t.Status = domain.TaskPending
			t.LeasedBy = nil
			t.LeaseExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetJob(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *memStore) ListJobs(_ domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if f.ClientID != "" && j.ClientID != f.ClientID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *memStore) JobProgress(_ domain.Context, jobID string) (domain.JobProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p domain.JobProgress
	for _, t := range s.tasks {
		if t.JobID != jobID {
			continue
		}
		p.Total++
		switch t.Status {
		case domain.TaskPending:
			p.Pending++
		case domain.TaskLeased:
			p.Leased++
		case domain.TaskDone:
			p.Done++
		case domain.TaskError:
			p.Errored++
		case domain.TaskCancelled:
			p.Cancelled++
		}
	}
	return p, nil
}

func (s *memStore) ListTasks(_ domain.Context, jobID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.JobID == jobID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) AllTasksFinished(_ domain.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.JobID == jobID && !t.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (s *memStore) CancelJob(_ domain.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	switch j.Status {
	case domain.JobDone, domain.JobFailed, domain.JobCancelled:
		return domain.ErrConflict
	}
	j.Status = domain.JobCancelled
	s.jobs[jobID] = j
	for _, t := range s.tasks {
		if t.JobID == jobID && (t.Status == domain.TaskPending || t.Status == domain.TaskLeased) {
			t.Status = domain.TaskCancelled
			t.LeasedBy = nil
		}
	}
	return nil
}

func (s *memStore) UpdateJobStatus(_ domain.Context, jobID string, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	switch j.Status {
	case domain.JobDone, domain.JobFailed, domain.JobCancelled:
		return domain.ErrConflict
	}
	j.Status = status
	s.jobs[jobID] = j
	return nil
}

func (s *memStore) taskStatus(taskID string) domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ""
	}
	return t.Status
}

func (s *memStore) taskAttempts(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return -1
	}
	return t.Attempts
}

func (s *memStore) jobStatus(jobID string) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID].Status
}

func (s *memStore) expireLease(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok && t.LeaseExpiresAt != nil {
		past := time.Now().Add(-time.Second)
		t.LeaseExpiresAt = &past
	}
}
