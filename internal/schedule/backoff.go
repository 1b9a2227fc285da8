package schedule

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff returns the delay before retry number attempt (1-based) of a
// failed task.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Default exponential backoff parameters.
const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 30 * time.Minute
)

// DefaultBackoff doubles from 30s up to a 30m ceiling.
var DefaultBackoff Backoff = ExponentialBackoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}

// ExponentialBackoff doubles Base on every attempt and caps the result at Max.
// A zero Max means uncapped.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Backoff.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var next retry.Backoff = retry.NewExponential(b.Base)
	if b.Max > 0 {
		next = retry.WithCappedDuration(b.Max, next)
	}

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = next.Next()
		if b.Max > 0 && d >= b.Max {
			break
		}
	}
	return d
}

// StepBackoff is an explicit list of delays. Attempts beyond the end of the
// list reuse the last step.
type StepBackoff []time.Duration

// Delay implements Backoff.
func (s StepBackoff) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s) {
		return s[len(s)-1]
	}
	return s[attempt-1]
}
