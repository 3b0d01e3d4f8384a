// Package backoff provides the shared exponential backoff schedule used by
// the gateway retry loop and the feed reconnect loop.
package backoff

import (
	"time"
)

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// Delay returns the exponential backoff duration for a given attempt count.
// baseDelay * 2^attempt, capped at maxDelay. Negative attempts return
// baseDelay.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		return baseDelay
	}

	// 2^30 seconds already dwarfs maxDelay, avoid shifting past that.
	if attempt > 30 {
		return maxDelay
	}

	d := baseDelay * time.Duration(1<<attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
