// Package backoff computes bounded, jittered retry delays.
//
// The policy is stateless: callers own the attempt counter and decide when
// to give up. MaxAttempts is carried for them and never enforced here.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxExponent bounds the doubling so the shift cannot overflow.
const maxExponent = 31

// Config describes an exponential backoff curve.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
	// MaxAttempts is advisory; zero means unbounded.
	MaxAttempts int
}

// Outbox is tuned for redelivering queued sends.
var Outbox = Config{
	BaseDelay:   2 * time.Second,
	MaxDelay:    60 * time.Second,
	JitterRatio: 0.2,
	MaxAttempts: 8,
}

// Reconnect is tuned for a persistent connection that retries forever.
var Reconnect = Config{
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	JitterRatio: 0.3,
	MaxAttempts: 0,
}

// Delay returns min(base*2^attempt, max) plus a uniform jitter in
// [0, round(raw*JitterRatio)], in whole milliseconds. attempt is zero-based.
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxExponent {
		attempt = maxExponent
	}

	raw := cfg.MaxDelay
	if cfg.BaseDelay <= cfg.MaxDelay>>uint(attempt) {
		raw = cfg.BaseDelay << uint(attempt)
	}
	if raw < 0 {
		raw = 0
	}
	rawMs := raw.Round(time.Millisecond).Milliseconds()

	var jitterMs int64
	if cfg.JitterRatio > 0 {
		if span := int64(math.Round(float64(rawMs) * cfg.JitterRatio)); span > 0 {
			jitterMs = rand.Int64N(span + 1)
		}
	}
	return time.Duration(rawMs+jitterMs) * time.Millisecond
}

// Exhausted reports whether attempts has reached cfg.MaxAttempts.
func Exhausted(cfg Config, attempts int) bool {
	return cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts
}
