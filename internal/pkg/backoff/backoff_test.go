package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	assert.Equal(t, 1*time.Second, Delay(0))
	assert.Equal(t, 2*time.Second, Delay(1))
	assert.Equal(t, 4*time.Second, Delay(2))
	assert.Equal(t, 32*time.Second, Delay(5))
	assert.Equal(t, 60*time.Second, Delay(6))
	assert.Equal(t, 60*time.Second, Delay(100))
	assert.Equal(t, 1*time.Second, Delay(-3))
}
