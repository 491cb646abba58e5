package resilience

import (
	"math"
	"time"
)

// Backoff is a pure exponential delay schedule: Initial * Multiplier^attempt,
// capped at Max. Attempts count from zero.
type Backoff struct {
	Initial    time.Duration `yaml:"initial" mapstructure:"initial"`
	Multiplier float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Max        time.Duration `yaml:"max" mapstructure:"max"`
}

// QuotaBackoff is the schedule for rate-limit and quota failures.
func QuotaBackoff() Backoff {
	return Backoff{Initial: time.Hour, Multiplier: 1.5, Max: 4 * time.Hour}
}

// TransientBackoff is the schedule for ordinary retryable failures.
func TransientBackoff() Backoff {
	return Backoff{Initial: 2 * time.Second, Multiplier: 2, Max: time.Minute}
}

// Delay returns the wait before the retry following the given attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Capped reports whether the schedule has reached its ceiling at attempt.
func (b Backoff) Capped(attempt int) bool {
	return b.Max > 0 && b.Delay(attempt) >= b.Max
}
