package usecase

import (
	"errors"
	"fmt"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/ratelimiter"
)

// AnalyzeProfiles executes one analyze_profiles task: open the target profile
// and capture a snapshot. Profile opens are externally visible, so the
// account limiter gates them like sends.
type AnalyzeProfiles struct {
	account string
	browser domain.BrowserPort
	limiter *ratelimiter.AccountLimiter
}

// NewAnalyzeProfiles constructs the use-case. limiter may be nil.
func NewAnalyzeProfiles(account string, browser domain.BrowserPort, limiter *ratelimiter.AccountLimiter) *AnalyzeProfiles {
	return &AnalyzeProfiles{account: account, browser: browser, limiter: limiter}
}

// Kind implements scheduler.UseCase.
func (u *AnalyzeProfiles) Kind() domain.JobKind { return domain.KindAnalyzeProfiles }

// Execute implements scheduler.UseCase.
func (u *AnalyzeProfiles) Execute(ctx domain.Context, t domain.Task) (map[string]any, error) {
	if err := acquireSlot(ctx, u.limiter, u.account, t.Target); err != nil {
		return nil, err
	}
	if err := u.browser.OpenProfile(ctx, t.Target); err != nil {
		return nil, fmt.Errorf("op=usecase.AnalyzeProfiles target=%s: %w", t.Target, err)
	}
	snap, err := u.browser.Snapshot(ctx, t.Target)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.AnalyzeProfiles target=%s: %w", t.Target, err)
	}
	result := map[string]any{
		"username":         snap.Username,
		"full_name":        snap.FullName,
		"category":         snap.Category,
		"followers":        snap.Followers,
		"following":        snap.Following,
		"posts":            snap.Posts,
		"private":          snap.Private,
		"engagement_score": snap.EngagementScore,
		"success_score":    snap.SuccessScore,
	}
	if payloadBool(t.Payload, "fetch_reels") {
		result["avg_views"] = snap.AvgViews
		result["max_reels"] = payloadInt(t.Payload, "max_reels")
	}
	return result, nil
}

// acquireSlot waits for a limiter slot, mapping a bounded-wait timeout to the
// rate_limited classification so the task is requeued rather than failed.
func acquireSlot(ctx domain.Context, limiter *ratelimiter.AccountLimiter, account, target string) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Acquire(ctx, target); err != nil {
		if errors.Is(err, ratelimiter.ErrSlotTimeout) {
			observability.RateLimitWaits.WithLabelValues(account, "timeout").Inc()
			return fmt.Errorf("op=usecase.acquireSlot account=%s: %w", account, domain.ErrRateLimited)
		}
		return fmt.Errorf("op=usecase.acquireSlot account=%s: %w", account, err)
	}
	observability.RateLimitWaits.WithLabelValues(account, "ok").Inc()
	return nil
}
