// Package stub is a fast, deterministic browser-automation adapter for
// local runs and tests. It fabricates profile data from a hash of the
// username so results are stable across runs. Production deployments swap in
// a real driver behind the same port.
package stub

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// Client implements domain.BrowserPort.
type Client struct {
	// credentials maps account username to its decrypted password. Accounts
	// without credentials fail the session probe.
	credentials map[string]string
	latency     time.Duration
}

// New constructs a stub client. latency simulates automation delay per call;
// zero disables it.
func New(credentials map[string]string, latency time.Duration) *Client {
	return &Client{credentials: credentials, latency: latency}
}

func (c *Client) sleep() {
	if c.latency > 0 {
		time.Sleep(c.latency)
	}
}

func seed(username string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(username))
	return h.Sum64()
}

// EnsureSession implements domain.BrowserPort. A session exists whenever
// credentials for the account were configured.
func (c *Client) EnsureSession(_ domain.Context, account string) error {
	c.sleep()
	if _, ok := c.credentials[account]; !ok {
		return fmt.Errorf("account %s has no credentials: %w", account, domain.ErrBrowserAuth)
	}
	return nil
}

// OpenProfile implements domain.BrowserPort.
func (c *Client) OpenProfile(_ domain.Context, username string) error {
	c.sleep()
	if username == "" {
		return fmt.Errorf("empty username: %w", domain.ErrBrowserPort)
	}
	return nil
}

// Snapshot implements domain.BrowserPort.
func (c *Client) Snapshot(_ domain.Context, username string) (domain.ProfileSnapshot, error) {
	c.sleep()
	s := seed(username)
	followers := int64(500 + s%250_000)
	following := int64(100 + (s>>8)%3_000)
	posts := int64(10 + (s>>16)%900)
	avgViews := float64(50 + (s>>24)%50_000)
	engagement := float64(s%1000) / 100.0
	return domain.ProfileSnapshot{
		Username:        username,
		FullName:        username,
		Category:        []string{"fitness", "fashion", "food", "travel", "tech"}[s%5],
		Followers:       followers,
		Following:       following,
		Posts:           posts,
		AvgViews:        avgViews,
		EngagementScore: engagement,
		SuccessScore:    engagement * 8.5,
		Private:         s%7 == 0,
	}, nil
}

// FetchFollowings implements domain.BrowserPort.
func (c *Client) FetchFollowings(_ domain.Context, username string, max int) ([]string, error) {
	c.sleep()
	if max <= 0 {
		return nil, nil
	}
	s := seed(username)
	n := int(s%uint64(max)) + 1
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("%s_f%d", username, i))
	}
	return out, nil
}

// SendDM implements domain.BrowserPort.
func (c *Client) SendDM(_ domain.Context, username, text string) (bool, error) {
	c.sleep()
	if text == "" {
		return false, fmt.Errorf("empty message for %s: %w", username, domain.ErrBrowserPort)
	}
	return true, nil
}
