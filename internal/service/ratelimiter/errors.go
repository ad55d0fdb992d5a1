package ratelimiter

import "errors"

// ErrSlotTimeout is returned when Acquire gives up after MaxWait. The caller
// should report the task as retryable with reason rate_limited.
var ErrSlotTimeout = errors.New("rate limiter slot wait timed out")
