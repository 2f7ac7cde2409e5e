package admission

import "time"

// tokenBucket is a nanosecond-cost token bucket, the same accounting
// technique as ratelimiter.RatelimiterEntry: tokens accrue as elapsed
// wall-clock nanoseconds and each admitted event spends packetCost
// nanoseconds' worth. Unlike the teacher's single global (pps, burst)
// pair, the admission gate keeps one bucket per IP whose limit can
// change between calls (maxPacketsPerSecond is halved for
// recently-unbanned senders), so capacity is supplied fresh to Allow
// rather than fixed at construction.
type tokenBucket struct {
	period   time.Duration
	tokens   int64
	lastTime time.Time
	primed   bool
}

func newTokenBucket(limit int, period time.Duration) *tokenBucket {
	return &tokenBucket{period: period}
}

// Allow reports whether an event is admitted under limit events per
// period, accruing tokens for elapsed time since the last call.
func (b *tokenBucket) Allow(now time.Time, limit int) bool {
	if limit <= 0 {
		return false
	}
	cost := int64(b.period) / int64(limit)
	maxTokens := cost * int64(limit)

	if !b.primed {
		b.tokens = maxTokens - cost
		b.lastTime = now
		b.primed = true
		return true
	}

	b.tokens += now.Sub(b.lastTime).Nanoseconds()
	b.lastTime = now
	if b.tokens > maxTokens {
		b.tokens = maxTokens
	}
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}
