package usecase

import (
	"fmt"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/ratelimiter"
)

const defaultMaxFollowings = 200

// FetchFollowings executes one fetch_followings task.
type FetchFollowings struct {
	account string
	browser domain.BrowserPort
	limiter *ratelimiter.AccountLimiter
}

// NewFetchFollowings constructs the use-case.
func NewFetchFollowings(account string, browser domain.BrowserPort, limiter *ratelimiter.AccountLimiter) *FetchFollowings {
	return &FetchFollowings{account: account, browser: browser, limiter: limiter}
}

// Kind implements scheduler.UseCase.
func (u *FetchFollowings) Kind() domain.JobKind { return domain.KindFetchFollowings }

// Execute implements scheduler.UseCase.
func (u *FetchFollowings) Execute(ctx domain.Context, t domain.Task) (map[string]any, error) {
	maxN := payloadInt(t.Payload, "max_followings")
	if maxN <= 0 {
		maxN = defaultMaxFollowings
	}
	if err := acquireSlot(ctx, u.limiter, u.account, t.Target); err != nil {
		return nil, err
	}
	followings, err := u.browser.FetchFollowings(ctx, t.Target, maxN)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.FetchFollowings owner=%s: %w", t.Target, err)
	}
	return map[string]any{"owner": t.Target, "followings": followings, "count": len(followings)}, nil
}
