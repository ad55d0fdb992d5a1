package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// UseCase executes one task kind. Implementations validate their own payload
// and return a result map on success; execution errors flow back raw so the
// dispatcher can classify them.
type UseCase interface {
	Kind() domain.JobKind
	Execute(ctx context.Context, t domain.Task) (map[string]any, error)
}

// Dispatcher maps a task's kind to its use-case and shapes the outcome into
// a result envelope. A panic inside a use-case is converted into a terminal
// error instead of taking the worker down.
type Dispatcher struct {
	handlers    map[domain.JobKind]UseCase
	maxAttempts int
}

// NewDispatcher constructs a Dispatcher over the given use-cases.
func NewDispatcher(maxAttempts int, ucs ...UseCase) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	handlers := make(map[domain.JobKind]UseCase, len(ucs))
	for _, uc := range ucs {
		handlers[uc.Kind()] = uc
	}
	return &Dispatcher{handlers: handlers, maxAttempts: maxAttempts}
}

// Dispatch runs the task and always returns a well-formed envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, env domain.TaskEnvelope) (res domain.ResultEnvelope) {
	res = domain.ResultEnvelope{
		TaskID:        env.Task.ID,
		CorrelationID: env.CorrelationID,
		Attempts:      env.Task.Attempts,
		MaxAttempts:   d.maxAttempts,
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("use-case panicked",
				slog.String("task_id", env.Task.ID),
				slog.String("kind", string(env.Task.Kind)),
				slog.Any("panic", rec))
			res.OK = false
			res.Retryable = false
			res.Error = fmt.Sprintf("panic: %v", rec)
		}
	}()

	uc, ok := d.handlers[env.Task.Kind]
	if !ok {
		res.Error = fmt.Sprintf("no use-case for kind %q", env.Task.Kind)
		return res
	}

	out, err := uc.Execute(ctx, env.Task)
	if err != nil {
		retryable, reason := domain.Classify(err)
		res.Retryable = retryable
		res.RetryReason = reason
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Result = out
	return res
}
