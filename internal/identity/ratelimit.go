// Package identity resolves external messenger identities for directory
// persons via a rate-limited two-stage lookup: a partner endpoint maps a
// directory id to a profile link, and the linked page embeds the numeric
// identity in a script block.
package identity

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultLimit  = 100
	defaultWindow = time.Minute
	limitHeadroom = 10
)

// RateLimiter is a fixed-window self-throttle for the identity endpoint.
// The service enforces an undocumented per-minute limit; the limiter keeps
// a headroom below it and blocks until the window resets when the budget
// is nearly spent. Sequential use only.
type RateLimiter struct {
	limit  int
	window time.Duration

	calls   int
	resetAt time.Time

	log   logrus.FieldLogger
	now   func() time.Time
	sleep func(time.Duration)
}

// NewRateLimiter returns a limiter allowing roughly limit calls per window.
func NewRateLimiter(limit int, window time.Duration, log logrus.FieldLogger) *RateLimiter {
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	rl := &RateLimiter{
		limit:  limit,
		window: window,
		log:    log,
		now:    time.Now,
		sleep:  time.Sleep,
	}
	rl.resetAt = rl.now().Add(window)
	return rl
}

// Admit blocks until a call may proceed, then records it.
func (rl *RateLimiter) Admit() {
	now := rl.now()

	if now.After(rl.resetAt) {
		rl.calls = 0
		rl.resetAt = now.Add(rl.window)
	}

	if rl.calls >= rl.limit-limitHeadroom {
		wait := rl.resetAt.Sub(now)
		if wait > 0 {
			rl.log.WithField("wait", wait).Warn("approaching identity API limit, pausing")
			rl.sleep(wait)
			rl.calls = 0
			rl.resetAt = rl.now().Add(rl.window)
		}
	}

	rl.calls++
}
