package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := New("test", 3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Failure()
	}
	assert.True(t, b.Allow())
	b.Failure()
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := New("test", 2, time.Minute)

	b.Failure()
	b.Success()
	b.Failure()
	assert.True(t, b.Allow())
}

func TestBreakerSingleProbeAfterCooldown(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)

	b.Failure()
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	// One probe gets through; a second caller is refused until the probe
	// reports back.
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
	b.Success()
	assert.True(t, b.Allow())

	// A failed probe re-trips and restarts the cooldown.
	b.Failure()
	assert.False(t, b.Allow())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	b.Failure()
	assert.False(t, b.Allow())
}
