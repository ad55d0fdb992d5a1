package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// LoginCheck executes one login_check task: probe and if needed recover the
// account session. No limiter; the probe is not an outreach action.
type LoginCheck struct {
	account string
	browser domain.BrowserPort
}

// NewLoginCheck constructs the use-case.
func NewLoginCheck(account string, browser domain.BrowserPort) *LoginCheck {
	return &LoginCheck{account: account, browser: browser}
}

// Kind implements scheduler.UseCase.
func (u *LoginCheck) Kind() domain.JobKind { return domain.KindLoginCheck }

// Execute implements scheduler.UseCase.
func (u *LoginCheck) Execute(ctx domain.Context, t domain.Task) (map[string]any, error) {
	if err := u.browser.EnsureSession(ctx, u.account); err != nil {
		return nil, fmt.Errorf("op=usecase.LoginCheck account=%s: %w", u.account, err)
	}
	return map[string]any{"account": u.account, "checked_at": time.Now().UTC().Format(time.RFC3339)}, nil
}
