package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestStore_AllowPerKey(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 2, time.Minute)

	assert.True(t, s.Allow("1.2.3.4:/api/orders"))
	assert.True(t, s.Allow("1.2.3.4:/api/orders"))
	assert.False(t, s.Allow("1.2.3.4:/api/orders"))

	assert.True(t, s.Allow("5.6.7.8:/api/orders"))
}

func TestStore_CleanupDropsIdleKeys(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 1, time.Nanosecond)
	s.Allow("a")
	time.Sleep(time.Millisecond)
	s.cleanup()

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	assert.Zero(t, n)
}
