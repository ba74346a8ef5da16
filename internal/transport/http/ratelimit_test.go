package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newRateLimiter(2)
	r.now = func() time.Time { return now }

	assert.True(t, r.allow())
	assert.True(t, r.allow())
	assert.False(t, r.allow())

	now = now.Add(time.Minute)
	assert.True(t, r.allow())
}

func TestRateLimiterUnlimited(t *testing.T) {
	r := newRateLimiter(0)
	for i := 0; i < 1000; i++ {
		assert.True(t, r.allow())
	}
	var nilLimiter *rateLimiter
	assert.True(t, nilLimiter.allow())
}
