package usecase

import (
	"fmt"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// JobsService is the read/cancel side of the API. It goes through the store
// for every read; the router's in-memory bookkeeping is never exposed.
type JobsService struct {
	store  domain.TaskStore
	events domain.EventPublisher
}

// NewJobsService constructs a JobsService. events may be nil.
func NewJobsService(store domain.TaskStore, events domain.EventPublisher) *JobsService {
	if events == nil {
		events = domain.NopPublisher{}
	}
	return &JobsService{store: store, events: events}
}

// JobView is a job with its task progress and per-target detail.
type JobView struct {
	Job      domain.Job
	Progress domain.JobProgress
	Tasks    []domain.Task
}

// Get returns the job, its progress counters, and per-target task detail.
// Clients only see their own jobs.
func (s *JobsService) Get(ctx domain.Context, clientID, jobID string) (JobView, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, fmt.Errorf("op=usecase.Get: %w", err)
	}
	if job.ClientID != clientID {
		// Reported as not-found rather than forbidden so job ids do not leak
		// across tenants.
		return JobView{}, fmt.Errorf("op=usecase.Get: job %s: %w", jobID, domain.ErrNotFound)
	}
	progress, err := s.store.JobProgress(ctx, jobID)
	if err != nil {
		return JobView{}, fmt.Errorf("op=usecase.Get: %w", err)
	}
	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		return JobView{}, fmt.Errorf("op=usecase.Get: %w", err)
	}
	return JobView{Job: job, Progress: progress, Tasks: tasks}, nil
}

// List returns the client's jobs, newest first.
func (s *JobsService) List(ctx domain.Context, clientID string, f domain.JobFilter) ([]domain.Job, error) {
	f.ClientID = clientID
	jobs, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.List: %w", err)
	}
	return jobs, nil
}

// Cancel flips the job and its open tasks to cancelled. Already-terminal jobs
// return ErrConflict.
func (s *JobsService) Cancel(ctx domain.Context, clientID, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=usecase.Cancel: %w", err)
	}
	if job.ClientID != clientID {
		return fmt.Errorf("op=usecase.Cancel: job %s: %w", jobID, domain.ErrNotFound)
	}
	if err := s.store.CancelJob(ctx, jobID); err != nil {
		return fmt.Errorf("op=usecase.Cancel: %w", err)
	}
	s.events.Publish(ctx, domain.Event{Type: domain.EventJobCancelled, JobID: jobID})
	return nil
}
