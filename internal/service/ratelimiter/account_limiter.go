// Package ratelimiter gates externally visible platform actions.
//
// AccountLimiter is worker-local state (one per controlled account, never
// shared). The Redis-backed limiter in this package protects the HTTP API and
// is a separate concern.
package ratelimiter

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SlidingWindow counts events whose timestamp falls within the last window.
type SlidingWindow struct {
	window time.Duration
	max    int
	events []time.Time
}

// NewSlidingWindow constructs a window limiter; max <= 0 disables it.
func NewSlidingWindow(window time.Duration, max int) *SlidingWindow {
	return &SlidingWindow{window: window, max: max}
}

func (w *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// AllowNow reports whether one more event fits in the window.
func (w *SlidingWindow) AllowNow(now time.Time) bool {
	if w == nil || w.max <= 0 {
		return true
	}
	w.evict(now)
	return len(w.events) < w.max
}

// Record registers an admitted event.
func (w *SlidingWindow) Record(now time.Time) {
	if w == nil || w.max <= 0 {
		return
	}
	w.events = append(w.events, now)
}

// NextSlot returns when the oldest in-window event expires; zero when a slot
// is free right now.
func (w *SlidingWindow) NextSlot(now time.Time) time.Duration {
	if w.AllowNow(now) {
		return 0
	}
	return w.events[0].Add(w.window).Sub(now)
}

// Options configures an AccountLimiter.
type Options struct {
	HourlyWindow    time.Duration
	HourlyMax       int
	DailyWindow     time.Duration
	DailyMax        int
	PerTargetWindow time.Duration
	PerTargetMax    int
	CooldownMin     time.Duration
	CooldownMax     time.Duration
	MaxWait         time.Duration
}

// AccountLimiter is the two-tier gate: per-account hourly and daily windows,
// a per-target window map, and the soft-block cooldown.
type AccountLimiter struct {
	mu            sync.Mutex
	opts          Options
	hourly        *SlidingWindow
	daily         *SlidingWindow
	perTarget     map[string]*SlidingWindow
	cooldownUntil time.Time
	rnd           *rand.Rand
	now           func() time.Time
}

// NewAccountLimiter constructs a limiter with the given options.
func NewAccountLimiter(opts Options) *AccountLimiter {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 120 * time.Second
	}
	return &AccountLimiter{
		opts:      opts,
		hourly:    NewSlidingWindow(opts.HourlyWindow, opts.HourlyMax),
		daily:     NewSlidingWindow(opts.DailyWindow, opts.DailyMax),
		perTarget: make(map[string]*SlidingWindow),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (l *AccountLimiter) SetClock(now func() time.Time) { l.now = now }

func (l *AccountLimiter) targetWindow(target string) *SlidingWindow {
	if target == "" || l.opts.PerTargetMax <= 0 {
		return nil
	}
	w, ok := l.perTarget[target]
	if !ok {
		w = NewSlidingWindow(l.opts.PerTargetWindow, l.opts.PerTargetMax)
		l.perTarget[target] = w
	}
	return w
}

// AllowNow reports whether an action against target may proceed immediately,
// recording the event when it may.
func (l *AccountLimiter) AllowNow(target string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Before(l.cooldownUntil) {
		return false
	}
	tw := l.targetWindow(target)
	if !l.hourly.AllowNow(now) || !l.daily.AllowNow(now) || (tw != nil && !tw.AllowNow(now)) {
		return false
	}
	l.hourly.Record(now)
	l.daily.Record(now)
	if tw != nil {
		tw.Record(now)
	}
	return true
}

// retryIn returns how long until the next slot for target could open.
// Callers hold mu.
func (l *AccountLimiter) retryIn(target string) time.Duration {
	now := l.now()
	d := time.Duration(0)
	if now.Before(l.cooldownUntil) {
		d = l.cooldownUntil.Sub(now)
	}
	if h := l.hourly.NextSlot(now); h > d {
		d = h
	}
	if dd := l.daily.NextSlot(now); dd > d {
		d = dd
	}
	if tw := l.targetWindow(target); tw != nil {
		if tt := tw.NextSlot(now); tt > d {
			d = tt
		}
	}
	return d
}

// Acquire blocks until a slot is available for target, the context is done,
// or MaxWait elapses. A timeout returns ErrSlotTimeout so the use-case can
// classify the failure as rate_limited and requeue.
func (l *AccountLimiter) Acquire(ctx context.Context, target string) error {
	deadline := l.now().Add(l.opts.MaxWait)
	for {
		if l.AllowNow(target) {
			return nil
		}
		l.mu.Lock()
		wait := l.retryIn(target)
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Second
		}
		if l.now().Add(wait).After(deadline) {
			return ErrSlotTimeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TriggerCooldown engages the randomised soft-block pause.
func (l *AccountLimiter) TriggerCooldown() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	span := l.opts.CooldownMax - l.opts.CooldownMin
	d := l.opts.CooldownMin
	if span > 0 {
		d += time.Duration(l.rnd.Int63n(int64(span)))
	}
	l.cooldownUntil = l.now().Add(d)
	return l.cooldownUntil
}

// CooldownUntil returns the current cooldown deadline (zero when none).
func (l *AccountLimiter) CooldownUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldownUntil
}
