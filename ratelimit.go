package quorumproxy

import (
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// NotUntil is the earliest instant a denied request might succeed.
type NotUntil struct {
	Earliest time.Time
}

// Limiter is a per-upstream token bucket. A Limiter built with rate <= 0
// has no inner bucket and always admits, so a hard limit of 0 means
// unlimited.
type Limiter struct {
	clock  Clock
	bucket *tokenbucket.TokenBucket
}

// NewLimiter builds a token bucket admitting ratePerSecond requests/second
// with a burst equal to the rate (one second of headroom). clock drives the
// bucket's notion of time so tests can advance it deterministically.
func NewLimiter(ratePerSecond float64, clock Clock) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{clock: clock}
	}
	tb := &tokenbucket.TokenBucket{}
	tb.Init(tokenbucket.Config{Rate: ratePerSecond, Burst: ratePerSecond}, tokenBucketClock{clock})
	return &Limiter{clock: clock, bucket: tb}
}

// TryAcquire attempts to take one token. It returns (true, nil) on success,
// or (false, notUntil) with the earliest retry instant on denial.
func (l *Limiter) TryAcquire() (bool, *NotUntil) {
	if l == nil || l.bucket == nil {
		return true, nil
	}
	ok, wait := l.bucket.TryToFulfill(1)
	if ok {
		return true, nil
	}
	return false, &NotUntil{Earliest: l.clock.Now().Add(wait)}
}
