package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy configures how a dropped connection is retried
type Policy struct {
	MaxAttempts int           `koanf:"max_attempts"` // Retries allowed per disconnection (default: 1)
	BaseDelay   time.Duration `koanf:"base_delay"`   // Delay before the first retry (default: 5s)
	MaxDelay    time.Duration `koanf:"max_delay"`    // Upper bound for any delay (default: 5s)
	Multiplier  float64       `koanf:"multiplier"`   // Growth factor between attempts (default: 1, fixed delay)
	Jitter      bool          `koanf:"jitter"`       // Add up to 10% random jitter (default: false)
}

// OneShot returns the reconnect policy used by chat sessions: a single
// retry after a fixed delay, with no backoff.
func OneShot(delay time.Duration) Policy {
	return Policy{
		MaxAttempts: 1,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Multiplier:  1,
		Jitter:      false,
	}
}

// Allows reports whether a retry numbered attempt (0-based) may be scheduled
func (p Policy) Allows(attempt int) bool {
	return attempt >= 0 && attempt < p.MaxAttempts
}

// Delay returns how long to wait before retry number attempt (0-based)
func (p Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	// baseDelay * multiplier^attempt
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(p.BaseDelay)
		}
	}

	return time.Duration(delay)
}
