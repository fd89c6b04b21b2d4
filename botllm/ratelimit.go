package botllm

import (
	"log/slog"
	"sync"
	"time"
)

// Admission is the result of a cooldown check. When Allowed is false,
// RetryAfter is the wait the user must be told about, rounded up to
// whole seconds so the caller never understates it.
type Admission struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CooldownLimiter enforces a minimum interval between accepted requests
// per user. The ledger maps user IDs to the last accepted request time;
// entries are overwritten on admission and never expire (acceptable for
// the process lifetime).
//
// The check-and-record is atomic: two concurrent requests from the same
// user cannot both be admitted inside one interval.
type CooldownLimiter struct {
	mu          sync.Mutex
	lastRequest map[string]time.Time
	logger      *slog.Logger
}

func NewCooldownLimiter(logger *slog.Logger) *CooldownLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CooldownLimiter{
		lastRequest: map[string]time.Time{},
		logger:      logger.With(loggerNameKey, "cooldown"),
	}
}

// TryAdmit admits the user if at least interval has elapsed since their
// last accepted request, recording now as the new last-accepted time as
// part of admission. A non-positive interval always admits.
func (c *CooldownLimiter) TryAdmit(
	userID string,
	now time.Time,
	interval time.Duration,
) Admission {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, seen := c.lastRequest[userID]
	if seen && interval > 0 {
		elapsed := now.Sub(last)
		if elapsed < interval {
			remaining := interval - elapsed
			// round up to whole seconds
			retryAfter := remaining.Truncate(time.Second)
			if retryAfter < remaining {
				retryAfter += time.Second
			}
			return Admission{Allowed: false, RetryAfter: retryAfter}
		}
	}

	c.lastRequest[userID] = now
	return Admission{Allowed: true}
}

// Release rolls back an admission, clearing the user's ledger entry so
// they aren't penalized for a system-side failure.
func (c *CooldownLimiter) Release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastRequest, userID)
}

// Clear resets the entire ledger. Called whenever the effective interval
// changes, so waits computed under the old interval aren't enforced.
func (c *CooldownLimiter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lastRequest) > 0 {
		c.logger.Info("clearing cooldowns", "entries", len(c.lastRequest))
	}
	c.lastRequest = map[string]time.Time{}
}
