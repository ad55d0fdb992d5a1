package usecase

import (
	"fmt"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/ratelimiter"
)

// SendDM executes one send_messages task: acquire a limiter slot, render the
// message, and send it through the browser port.
type SendDM struct {
	account  string
	browser  domain.BrowserPort
	composer domain.MessageComposer
	limiter  *ratelimiter.AccountLimiter
}

// NewSendDM constructs the use-case.
func NewSendDM(account string, browser domain.BrowserPort, composer domain.MessageComposer, limiter *ratelimiter.AccountLimiter) *SendDM {
	return &SendDM{account: account, browser: browser, composer: composer, limiter: limiter}
}

// Kind implements scheduler.UseCase.
func (u *SendDM) Kind() domain.JobKind { return domain.KindSendMessages }

// Execute implements scheduler.UseCase.
func (u *SendDM) Execute(ctx domain.Context, t domain.Task) (map[string]any, error) {
	text := payloadString(t.Payload, "text")
	templateID := payloadString(t.Payload, "template_id")
	if text == "" && templateID == "" {
		// Validation failures are terminal; retrying cannot fix the payload.
		return nil, fmt.Errorf("op=usecase.SendDM task=%s: text or template_id required: %w", t.ID, domain.ErrInvalidArgument)
	}
	if text == "" {
		composed, err := u.composer.Compose(ctx, composeContextFrom(t), templateID)
		if err != nil {
			return nil, fmt.Errorf("op=usecase.SendDM task=%s: %w", t.ID, err)
		}
		text = composed
	}

	if err := acquireSlot(ctx, u.limiter, u.account, t.Target); err != nil {
		return nil, err
	}

	sent, err := u.browser.SendDM(ctx, t.Target, text)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.SendDM target=%s: %w", t.Target, err)
	}
	return map[string]any{"sent": sent, "chars": len(text)}, nil
}

// composeContextFrom lifts analysis fields embedded in the payload (when the
// client submitted targets from a prior analyze job) into the composer input.
func composeContextFrom(t domain.Task) domain.ComposeContext {
	return domain.ComposeContext{
		Username:        t.Target,
		Category:        payloadString(t.Payload, "category"),
		Followers:       int64(payloadInt(t.Payload, "followers")),
		AvgViews:        payloadFloat(t.Payload, "avg_views"),
		EngagementScore: payloadFloat(t.Payload, "engagement_score"),
		SuccessScore:    payloadFloat(t.Payload, "success_score"),
	}
}
