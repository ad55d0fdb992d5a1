package domain

import "errors"

// Browser-layer errors. The dispatcher classifies these into retry reasons;
// everything else is terminal.
var (
	ErrBrowserAuth        = errors.New("browser auth error")
	ErrBrowserRateLimit   = errors.New("browser rate limit")
	ErrBrowserConnection  = errors.New("browser connection error")
	ErrDMTransientUIBlock = errors.New("dm transient ui block")
	ErrBrowserPort        = errors.New("browser port error")
)

// RetryReason is the canonical classification a use-case attaches to a
// retryable failure.
type RetryReason string

const (
	ReasonDriverDead       RetryReason = "driver_dead"
	ReasonTransientUIBlock RetryReason = "transient_ui_block"
	ReasonRateLimited      RetryReason = "rate_limited"
	ReasonNetwork          RetryReason = "network"
	ReasonSessionExpired   RetryReason = "session_expired"
)

// TaskEnvelope is what the router hands to a worker.
type TaskEnvelope struct {
	Task          Task
	CorrelationID string
}

// ResultEnvelope is what a worker reports back. Workers never mutate the
// store; every outcome travels through this envelope.
type ResultEnvelope struct {
	OK            bool
	TaskID        string
	CorrelationID string
	Attempts      int
	Error         string
	Result        map[string]any
	Retryable     bool
	RetryReason   RetryReason
	MaxAttempts   int
}

// Classify maps an execution error to its retry classification.
//
// Mapping, made explicit because the taxonomy matters for lease recovery:
//   - ErrBrowserConnection (driver process gone, CDP socket dead) -> driver_dead
//   - ErrDMTransientUIBlock (soft block dialog) -> transient_ui_block, and the
//     worker engages its cooldown
//   - ErrBrowserRateLimit / ErrRateLimited -> rate_limited
//   - ErrBrowserAuth -> session_expired (retryable once; the worker re-runs
//     its session recovery before the next attempt)
//   - ErrBrowserPort (navigation failure inside a live session) -> network
//   - anything else -> terminal
func Classify(err error) (retryable bool, reason RetryReason) {
	switch {
	case errors.Is(err, ErrBrowserConnection):
		return true, ReasonDriverDead
	case errors.Is(err, ErrDMTransientUIBlock):
		return true, ReasonTransientUIBlock
	case errors.Is(err, ErrBrowserRateLimit), errors.Is(err, ErrRateLimited):
		return true, ReasonRateLimited
	case errors.Is(err, ErrBrowserAuth):
		return true, ReasonSessionExpired
	case errors.Is(err, ErrBrowserPort):
		return true, ReasonNetwork
	default:
		return false, ""
	}
}

// Event is a task/job state transition published to the audit stream.
type Event struct {
	Type    string         `json:"type"`
	JobID   string         `json:"job_id"`
	TaskID  string         `json:"task_id,omitempty"`
	Worker  string         `json:"worker,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Event types.
const (
	EventJobCreated    = "job_created"
	EventJobFinished   = "job_finished"
	EventJobCancelled  = "job_cancelled"
	EventTaskClaimed   = "task_claimed"
	EventTaskDone      = "task_done"
	EventTaskError     = "task_error"
	EventTaskRequeued  = "task_requeued"
	EventLeaseReclaim  = "lease_reclaimed"
)

// EventPublisher emits audit events (port). Implementations must be safe for
// concurrent use; publishing is best-effort and never blocks scheduling.
type EventPublisher interface {
	Publish(ctx Context, e Event)
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Context, Event) {}

// Close implements EventPublisher.
func (NopPublisher) Close() error { return nil }
