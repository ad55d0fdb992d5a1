// Package usecase implements the application services: job submission and
// reads on the API side, and the per-kind task executors on the worker side.
package usecase

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// Waker nudges the scheduler after a submission. Optional; in a split
// deployment the router's tick covers the gap.
type Waker interface {
	Wake()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // id entropy only
)

func newJobID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// SubmitService fans a client request out into a job and its tasks.
type SubmitService struct {
	store       domain.TaskStore
	events      domain.EventPublisher
	waker       Waker
	leaseTTLFor func(kind domain.JobKind) time.Duration
}

// NewSubmitService constructs a SubmitService. events and waker may be nil.
func NewSubmitService(store domain.TaskStore, events domain.EventPublisher, waker Waker, leaseTTLFor func(domain.JobKind) time.Duration) *SubmitService {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if leaseTTLFor == nil {
		leaseTTLFor = func(domain.JobKind) time.Duration { return 300 * time.Second }
	}
	return &SubmitService{store: store, events: events, waker: waker, leaseTTLFor: leaseTTLFor}
}

// SendDMInput is the validated send_messages submission.
type SendDMInput struct {
	Targets    []string
	Text       string
	TemplateID string
	Priority   int
}

// AnalyzeInput is the validated analyze_profiles submission.
type AnalyzeInput struct {
	Usernames  []string
	FetchReels bool
	MaxReels   int
	Priority   int
}

// FollowingsInput is the validated fetch_followings submission.
type FollowingsInput struct {
	Owner         string
	MaxFollowings int
	Priority      int
}

// SubmitSendDM creates a send_messages job with one task per target.
func (s *SubmitService) SubmitSendDM(ctx domain.Context, clientID string, in SendDMInput) (string, error) {
	if len(in.Targets) == 0 {
		return "", fmt.Errorf("op=usecase.SubmitSendDM: no targets: %w", domain.ErrInvalidArgument)
	}
	if in.Text == "" && in.TemplateID == "" {
		return "", fmt.Errorf("op=usecase.SubmitSendDM: text or template_id required: %w", domain.ErrInvalidArgument)
	}
	payload := map[string]any{"text": in.Text, "template_id": in.TemplateID}
	return s.submit(ctx, clientID, domain.KindSendMessages, in.Priority, in.Targets, payload)
}

// SubmitAnalyzeProfiles creates an analyze_profiles job with one task per
// username.
func (s *SubmitService) SubmitAnalyzeProfiles(ctx domain.Context, clientID string, in AnalyzeInput) (string, error) {
	if len(in.Usernames) == 0 {
		return "", fmt.Errorf("op=usecase.SubmitAnalyzeProfiles: no usernames: %w", domain.ErrInvalidArgument)
	}
	payload := map[string]any{"fetch_reels": in.FetchReels, "max_reels": in.MaxReels}
	return s.submit(ctx, clientID, domain.KindAnalyzeProfiles, in.Priority, in.Usernames, payload)
}

// SubmitFetchFollowings creates a single-task fetch_followings job.
func (s *SubmitService) SubmitFetchFollowings(ctx domain.Context, clientID string, in FollowingsInput) (string, error) {
	if in.Owner == "" {
		return "", fmt.Errorf("op=usecase.SubmitFetchFollowings: owner required: %w", domain.ErrInvalidArgument)
	}
	payload := map[string]any{"max_followings": in.MaxFollowings}
	return s.submit(ctx, clientID, domain.KindFetchFollowings, in.Priority, []string{in.Owner}, payload)
}

// SubmitLoginCheck creates a login_check job with one account-pinned task per
// account. Used by operators to probe session health.
func (s *SubmitService) SubmitLoginCheck(ctx domain.Context, clientID string, accounts []string) (string, error) {
	if len(accounts) == 0 {
		return "", fmt.Errorf("op=usecase.SubmitLoginCheck: no accounts: %w", domain.ErrInvalidArgument)
	}
	jobID := newJobID()
	job := domain.Job{
		ID:            jobID,
		ClientID:      clientID,
		Kind:          domain.KindLoginCheck,
		Status:        domain.JobPending,
		CorrelationID: uuid.NewString(),
	}
	tasks := make([]domain.Task, 0, len(accounts))
	for _, acct := range accounts {
		tasks = append(tasks, domain.Task{
			ID:       domain.TaskID(jobID, domain.KindLoginCheck, acct),
			JobID:    jobID,
			Kind:     domain.KindLoginCheck,
			Target:   acct,
			Account:  acct, // only that account's worker may run the probe
			LeaseTTL: s.leaseTTLFor(domain.KindLoginCheck),
		})
	}
	return s.persist(ctx, job, tasks)
}

func (s *SubmitService) submit(ctx domain.Context, clientID string, kind domain.JobKind, priority int, targets []string, payload map[string]any) (string, error) {
	jobID := newJobID()
	job := domain.Job{
		ID:            jobID,
		ClientID:      clientID,
		Kind:          kind,
		Priority:      priority,
		Status:        domain.JobPending,
		CorrelationID: uuid.NewString(),
	}
	seen := make(map[string]struct{}, len(targets))
	tasks := make([]domain.Task, 0, len(targets))
	for _, target := range targets {
		if target == "" {
			return "", fmt.Errorf("op=usecase.submit: empty target: %w", domain.ErrInvalidArgument)
		}
		// Duplicate targets collapse to one task; the task id is stable.
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		tasks = append(tasks, domain.Task{
			ID:       domain.TaskID(jobID, kind, target),
			JobID:    jobID,
			Kind:     kind,
			Target:   target,
			Priority: priority,
			Payload:  payload,
			LeaseTTL: s.leaseTTLFor(kind),
		})
	}
	return s.persist(ctx, job, tasks)
}

func (s *SubmitService) persist(ctx domain.Context, job domain.Job, tasks []domain.Task) (string, error) {
	ctx, span := otel.Tracer("usecase.submit").Start(ctx, "submit_job")
	defer span.End()

	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("op=usecase.persist: %w", err)
	}
	if err := s.store.CreateTasks(ctx, tasks); err != nil {
		return "", fmt.Errorf("op=usecase.persist: %w", err)
	}
	observability.JobsSubmittedTotal.WithLabelValues(string(job.Kind)).Inc()
	s.events.Publish(ctx, domain.Event{Type: domain.EventJobCreated, JobID: job.ID, Details: map[string]any{
		"kind": string(job.Kind), "tasks": len(tasks),
	}})
	if s.waker != nil {
		s.waker.Wake()
	}
	return job.ID, nil
}
