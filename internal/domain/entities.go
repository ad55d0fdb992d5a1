// Package domain holds the core entities, ports, and error taxonomy.
//
// The scheduler, store adapters, and HTTP layer all speak in these types.
// The package stays free of third-party imports so that every adapter can be
// swapped in tests.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrUnavailable     = errors.New("service unavailable")
	ErrInternal        = errors.New("internal error")
)

// JobKind enumerates the client-facing job types.
type JobKind string

const (
	KindAnalyzeProfiles JobKind = "analyze_profiles"
	KindSendMessages    JobKind = "send_messages"
	KindFetchFollowings JobKind = "fetch_followings"
	KindLoginCheck      JobKind = "login_check"
)

// ValidKind reports whether k is a known job kind.
func ValidKind(k JobKind) bool {
	switch k {
	case KindAnalyzeProfiles, KindSendMessages, KindFetchFollowings, KindLoginCheck:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskLeased    TaskStatus = "leased"
	TaskDone      TaskStatus = "done"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// Job is a client-submitted unit of intent, parent of tasks.
type Job struct {
	ID            string
	ClientID      string
	Kind          JobKind
	Priority      int
	Status        JobStatus
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task is a leaf unit executed by one worker. Its id is stable across retries:
// "{job_id}:{kind}:{target}".
type Task struct {
	ID             string
	JobID          string
	Kind           JobKind
	Target         string
	Account        string // optional affinity to one controlled account
	Priority       int    // denormalized from the job for claim ordering
	Payload        map[string]any
	Status         TaskStatus
	Attempts       int
	LastError      string
	LeasedBy       *string
	LeasedAt       *time.Time
	LeaseExpiresAt *time.Time
	LeaseTTL       time.Duration
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskID builds the stable task identifier.
func TaskID(jobID string, kind JobKind, target string) string {
	return fmt.Sprintf("%s:%s:%s", jobID, kind, target)
}

// Leased reports whether the task currently holds a live lease.
func (t Task) Leased(now time.Time) bool {
	return t.Status == TaskLeased && t.LeasedBy != nil && t.LeaseExpiresAt != nil && now.Before(*t.LeaseExpiresAt)
}

// Terminal reports whether the task is in a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskError || s == TaskCancelled
}

// JobProgress aggregates a job's task counts by status.
type JobProgress struct {
	Total     int
	Pending   int
	Leased    int
	Done      int
	Errored   int
	Cancelled int
}

// Finished reports whether every task reached a terminal state.
func (p JobProgress) Finished() bool {
	return p.Total > 0 && p.Pending == 0 && p.Leased == 0
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	ClientID string
	Status   JobStatus
	Kind     JobKind
	Limit    int
	Offset   int
}

// Client is an API tenant. API keys are stored only as salted hashes.
type Client struct {
	ID         string
	Name       string
	Email      string
	APIKeyHash string
	Status     string
	Scopes     []string
}

// Client scopes.
const (
	ScopeFetch   = "fetch"
	ScopeAnalyze = "analyze"
	ScopeSend    = "send"
)

// TaskStore is the durable job/task store (port). ClaimNext must be atomic
// under concurrent callers: no two callers ever receive the same task.
type TaskStore interface {
	CreateJob(ctx Context, j Job) error
	CreateTasks(ctx Context, tasks []Task) error
	ClaimNext(ctx Context, workerID, accountHint string, kinds []JobKind, leaseTTL time.Duration) (*Task, error)
	MarkDone(ctx Context, taskID string, result map[string]any) error
	MarkError(ctx Context, taskID, errMsg string, terminal bool) error
	RequeueWithAttemptsCap(ctx Context, taskID, reason string, maxAttempts int) (bool, error)
	ReclaimExpiredLeases(ctx Context, maxN int) (int, error)
	GetJob(ctx Context, id string) (Job, error)
	ListJobs(ctx Context, f JobFilter) ([]Job, error)
	JobProgress(ctx Context, jobID string) (JobProgress, error)
	ListTasks(ctx Context, jobID string) ([]Task, error)
	AllTasksFinished(ctx Context, jobID string) (bool, error)
	CancelJob(ctx Context, jobID string) error
	UpdateJobStatus(ctx Context, jobID string, status JobStatus) error
}

// ClientRepository loads API tenants for authentication (port).
type ClientRepository interface {
	Get(ctx Context, id string) (Client, error)
	Create(ctx Context, c Client) (string, error)
}

// ProfileSnapshot is what the browser layer reports for one profile.
type ProfileSnapshot struct {
	Username        string
	FullName        string
	Category        string
	Followers       int64
	Following       int64
	Posts           int64
	AvgViews        float64
	EngagementScore float64
	SuccessScore    float64
	Private         bool
}

// BrowserPort drives one platform account's automation session (port).
// All operations may take seconds to tens of seconds.
type BrowserPort interface {
	// EnsureSession probes the session and recovers it cookie-first, then by
	// interactive login. Returns ErrBrowserAuth when recovery is impossible.
	EnsureSession(ctx Context, account string) error
	OpenProfile(ctx Context, username string) error
	Snapshot(ctx Context, username string) (ProfileSnapshot, error)
	FetchFollowings(ctx Context, username string, max int) ([]string, error)
	SendDM(ctx Context, username, text string) (bool, error)
}

// ComposeContext feeds the message composition port.
type ComposeContext struct {
	Username        string
	Category        string
	Followers       int64
	AvgViews        float64
	EngagementScore float64
	SuccessScore    float64
}

// MessageComposer renders the outgoing DM text (port).
type MessageComposer interface {
	Compose(ctx Context, c ComposeContext, templateID string) (string, error)
}

// SecretBox encrypts and decrypts stored account credentials (port).
type SecretBox interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
	IsCiphertext(value string) bool
}

// Context is an alias to context.Context; kept so domain signatures read
// uniformly with the adapters (teacher convention).
type Context = context.Context
