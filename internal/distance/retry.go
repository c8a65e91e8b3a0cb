package distance

import (
	"math/rand"
	"time"
)

// immediateRetry re-issues a failed command on the spot. Used for config
// creation.
type immediateRetry struct {
	max   int
	count int
}

// fail records one failure and reports whether another attempt is allowed.
func (r *immediateRetry) fail() bool {
	r.count++
	return r.count <= r.max
}

func (r *immediateRetry) reset() {
	r.count = 0
}

// timedRetry re-issues a failed command after a delay derived from the
// requested measurement interval. Used for procedure enable.
type timedRetry struct {
	max     int
	count   int
	initial time.Duration
	backoff BackoffConfig
	rng     *rand.Rand
}

func newTimedRetry(limit int, interval, margin time.Duration, backoff BackoffConfig, rng *rand.Rand) timedRetry {
	return timedRetry{
		max:     limit,
		initial: interval + margin,
		backoff: backoff,
		rng:     rng,
	}
}

// fail records one failure and returns the delay before the next attempt.
// ok is false once the budget is spent.
func (r *timedRetry) fail() (time.Duration, bool) {
	r.count++
	if r.count > r.max {
		return 0, false
	}
	return NextBackoffDelay(r.backoff, r.initial, r.count, r.rng), true
}

func (r *timedRetry) reset() {
	r.count = 0
}
