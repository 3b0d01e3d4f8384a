// Package circuit gates calls to a flaky upstream. After enough
// consecutive failures the breaker trips and rejects calls outright
// until a cooldown passes, then lets a single probe call through to
// decide whether the upstream recovered.
package circuit

import (
	"sync"
	"time"

	"sigflow/internal/logger"
)

type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	tripped  bool
	probing  bool
	failures int
	openedAt time.Time
}

// New returns a closed breaker that trips after threshold consecutive
// failures and stays tripped for at least cooldown.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed. While tripped it refuses
// everything until the cooldown elapses, then admits exactly one probe;
// further callers keep getting refused until that probe reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return true
	}
	if b.probing {
		return false
	}
	if time.Since(b.openedAt) < b.cooldown {
		return false
	}
	b.probing = true
	logger.Infof("circuit %s: cooldown over, letting one call through", b.name)
	return true
}

// Success resets the failure streak and, after a successful probe,
// closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.tripped {
		b.tripped = false
		b.probing = false
		logger.Infof("circuit %s: recovered", b.name)
	}
}

// Failure counts one failed call. A failed probe re-trips immediately
// and restarts the cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.tripped {
		b.probing = false
		b.openedAt = time.Now()
		return
	}
	if b.failures >= b.threshold {
		b.tripped = true
		b.probing = false
		b.openedAt = time.Now()
		logger.Warnf("circuit %s: %d consecutive failures, refusing calls for %s", b.name, b.failures, b.cooldown)
	}
}
