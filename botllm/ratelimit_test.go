package botllm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldownBoundary(t *testing.T) {
	limiter := NewCooldownLimiter(nil)
	interval := 10 * time.Second
	start := time.Now()

	admission := limiter.TryAdmit("user-1", start, interval)
	assert.True(t, admission.Allowed)

	// 1ms before the interval elapses: denied, and the sub-second
	// remainder rounds up to a full second
	admission = limiter.TryAdmit(
		"user-1",
		start.Add(9999*time.Millisecond),
		interval,
	)
	assert.False(t, admission.Allowed)
	assert.Equal(t, time.Second, admission.RetryAfter)

	// exactly at the interval: admitted
	admission = limiter.TryAdmit("user-1", start.Add(interval), interval)
	assert.True(t, admission.Allowed)
}

func TestCooldownRetryAfterWholeSeconds(t *testing.T) {
	limiter := NewCooldownLimiter(nil)
	interval := 10 * time.Second
	start := time.Now()

	limiter.TryAdmit("user-1", start, interval)

	admission := limiter.TryAdmit("user-1", start.Add(2500*time.Millisecond), interval)
	assert.False(t, admission.Allowed)
	assert.Equal(t, 8*time.Second, admission.RetryAfter)

	admission = limiter.TryAdmit("user-1", start.Add(3*time.Second), interval)
	assert.False(t, admission.Allowed)
	assert.Equal(t, 7*time.Second, admission.RetryAfter)
}

func TestCooldownDenialDoesNotExtend(t *testing.T) {
	limiter := NewCooldownLimiter(nil)
	interval := 10 * time.Second
	start := time.Now()

	limiter.TryAdmit("user-1", start, interval)

	// repeated denied attempts don't reset the window
	for i := 1; i < 10; i++ {
		admission := limiter.TryAdmit(
			"user-1",
			start.Add(time.Duration(i)*time.Second),
			interval,
		)
		assert.False(t, admission.Allowed)
	}
	admission := limiter.TryAdmit("user-1", start.Add(interval), interval)
	assert.True(t, admission.Allowed)
}

func TestCooldownPerUser(t *testing.T) {
	limiter := NewCooldownLimiter(nil)
	interval := 10 * time.Second
	now := time.Now()

	assert.True(t, limiter.TryAdmit("user-1", now, interval).Allowed)
	assert.True(t, limiter.TryAdmit("user-2", now, interval).Allowed)
	assert.False(t, limiter.TryAdmit("user-1", now, interval).Allowed)
}

func TestCooldownZeroIntervalAlwaysAdmits(t *testing.T) {
	limiter := NewCooldownLimiter(nil)
	now := time.Now()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.TryAdmit("user-1", now, 0).Allowed)
	}
}

func TestCooldownRelease(t *testing.T) {
	limiter := NewCooldownLimiter(nil)
	interval := 10 * time.Second
	now := time.Now()

	assert.True(t, limiter.TryAdmit("user-1", now, interval).Allowed)
	limiter.Release("user-1")
	assert.True(t, limiter.TryAdmit("user-1", now, interval).Allowed)
}

func TestCooldownConcurrentSameUser(t *testing.T) {
	limiter := NewCooldownLimiter(nil)
	interval := 10 * time.Second
	now := time.Now()

	const workers = 25
	admitted := make(chan bool, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- limiter.TryAdmit("user-1", now, interval).Allowed
		}()
	}
	wg.Wait()
	close(admitted)

	admittedCount := 0
	for ok := range admitted {
		if ok {
			admittedCount++
		}
	}
	assert.Equal(t, 1, admittedCount)
}

func TestCooldownClearIdempotent(t *testing.T) {
	limiter := NewCooldownLimiter(nil)
	interval := 10 * time.Second
	now := time.Now()

	limiter.TryAdmit("user-1", now, interval)
	limiter.TryAdmit("user-2", now, interval)

	limiter.Clear()
	limiter.Clear()

	assert.True(t, limiter.TryAdmit("user-1", now, interval).Allowed)
	assert.True(t, limiter.TryAdmit("user-2", now, interval).Allowed)
}
