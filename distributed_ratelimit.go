package quorumproxy

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/go-redsync/redsync/v4"
)

// DistributedLimiter wraps a local Limiter's admission check in a
// short-lived redsync mutex keyed by upstream name. The token bucket itself
// stays per-replica: the mutex serializes checks across replicas but does
// not pool their budgets. Any lock failure (Redis unreachable, or the mutex
// held by another replica) falls back to the local limiter alone, so a
// replica never refuses to serve because of Redis.
type DistributedLimiter struct {
	local *Limiter
	rs    *redsync.Redsync
	key   string
	log   log.Logger
}

// NewDistributedLimiter builds a DistributedLimiter for upstream name,
// backed by client and decorating local.
func NewDistributedLimiter(local *Limiter, client *redis.Client, name string, logger log.Logger) *DistributedLimiter {
	pool := goredislib.NewPool(client)
	return &DistributedLimiter{
		local: local,
		rs:    redsync.New(pool),
		key:   "quorumproxy:ratelimit:" + name,
		log:   logger,
	}
}

// TryAcquire takes the distributed mutex, then the local bucket. On each
// lock failure it logs a warning and falls back to local.TryAcquire directly.
func (d *DistributedLimiter) TryAcquire() (bool, *NotUntil) {
	mutex := d.rs.NewMutex(d.key, redsync.WithExpiry(50*time.Millisecond), redsync.WithTries(1))
	if err := mutex.Lock(); err != nil {
		d.log.Warn("distributed rate limit unavailable, degrading to local-only", "key", d.key, "err", err)
		return d.local.TryAcquire()
	}
	defer mutex.Unlock()
	return d.local.TryAcquire()
}
