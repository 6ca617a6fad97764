package quorumproxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	rows []Row
}

func (s *fakeStore) InsertAggregate(_ context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// TestAggregateCacheHitVsMiss verifies Record's split between cache hits
// (backend_requests == 0) and misses.
func TestAggregateCacheHitVsMiss(t *testing.T) {
	a := newAggregate(0, false)
	a.Record(StatRecord{BackendRequests: 0, RequestBytes: 10, ResponseBytes: 20, ResponseMillis: 5})
	a.Record(StatRecord{BackendRequests: 1, RequestBytes: 10, ResponseBytes: 20, ResponseMillis: 5})

	require.EqualValues(t, 1, a.CacheHits)
	require.EqualValues(t, 1, a.CacheMisses)
	require.EqualValues(t, 1, a.BackendRequests)
	require.EqualValues(t, 2, a.FrontendRequests)
}

// TestAggregatorFlushesOnTTL verifies a bucket flushes to the store once
// its TTL elapses, without requiring an explicit Shutdown.
func TestAggregatorFlushesOnTTL(t *testing.T) {
	store := &fakeStore{}
	clock := NewManualClock(time.Unix(1000, 0))
	ag := NewAggregator(log.New(), 1, 20*time.Millisecond, store, nil, clock)
	go ag.Run(context.Background())

	ag.Ingest(StatRecord{RPCKeyID: 1, Method: "eth_call", PeriodTimestamp: 1000, BackendRequests: 1})

	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

// TestAggregatorShutdownDrainsAllBuckets verifies Shutdown flushes every
// open bucket before returning.
func TestAggregatorShutdownDrainsAllBuckets(t *testing.T) {
	store := &fakeStore{}
	clock := NewManualClock(time.Unix(1000, 0))
	ag := NewAggregator(log.New(), 1, time.Hour, store, nil, clock)
	go ag.Run(context.Background())

	ag.Ingest(StatRecord{RPCKeyID: 1, Method: "eth_call", PeriodTimestamp: 1000, BackendRequests: 1})
	ag.Ingest(StatRecord{RPCKeyID: 2, Method: "eth_getBalance", PeriodTimestamp: 1060, BackendRequests: 1})

	ag.Shutdown()
	require.Equal(t, 2, store.count())
}
