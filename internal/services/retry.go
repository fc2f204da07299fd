package services

import "time"

// RetryPolicy computes client-facing and coordinator-internal retry delays.
// It is pure and stateless: Delay depends only on the attempt number, so the
// schedule is deterministic and trivially testable.
type RetryPolicy struct {
	// Initial is the fixed sequence of delays for the first attempts.
	Initial []time.Duration
	// Ceiling caps the exponential growth past the initial sequence.
	Ceiling time.Duration
	// MaxAuto is the number of automatic attempts before the caller is told
	// to switch to a user-prompted retry.
	MaxAuto int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
		Ceiling: 30 * time.Second,
		MaxAuto: 5,
	}
}

// Delay returns the wait before attempt n+1, given that attempt n failed.
// Attempts within the initial sequence use its fixed delays; later attempts
// double the last initial delay, capped at Ceiling.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if len(p.Initial) == 0 {
		return p.Ceiling
	}
	if attempt <= len(p.Initial) {
		return p.Initial[attempt-1]
	}
	d := p.Initial[len(p.Initial)-1]
	for i := len(p.Initial); i < attempt; i++ {
		d *= 2
		if p.Ceiling > 0 && d >= p.Ceiling {
			return p.Ceiling
		}
	}
	return d
}

// Exhausted reports whether automatic retries are used up after the given
// attempt, at which point the error is surfaced as a retry prompt instead of
// being hidden behind another automatic resubmit.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAuto > 0 && attempt >= p.MaxAuto
}
