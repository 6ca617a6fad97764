package quorumproxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beorn7/perks/quantile"
	"github.com/ethereum/go-ethereum/log"
)

// StatRecord is one completed request's accounting, emitted by the front
// door and consumed by the Aggregator.
type StatRecord struct {
	RPCKeyID        uint64
	Method          string
	Archive         bool
	ErrorResponse   bool
	PeriodTimestamp int64 // bucket start, in unix seconds
	RequestBytes    uint64
	BackendRequests uint64 // 0 means the response was served from cache
	BackendRetries  uint64 // additional upstream attempts beyond the first
	NoServers       uint64 // 1 if the request failed because no upstream was available
	ResponseBytes   uint64
	ResponseMillis  uint64
}

type aggregateKey struct {
	RPCKeyID      uint64
	Method        string
	ErrorResponse bool
}

// Aggregate accumulates all StatRecords sharing a (period, key) into running
// counters and three streaming quantile histograms (beorn7/perks), since no
// HDR histogram library is present in the dependency graph. Exact min/max
// are tracked as separate atomics because quantile.Stream only estimates.
type Aggregate struct {
	PeriodTimestamp int64
	Archive         bool

	FrontendRequests uint64
	BackendRequests  uint64
	BackendRetries   uint64
	NoServers        uint64
	CacheHits        uint64
	CacheMisses      uint64

	SumRequestBytes   uint64
	SumResponseBytes  uint64
	SumResponseMillis uint64

	minRequestBytes, maxRequestBytes     uint64
	minResponseBytes, maxResponseBytes   uint64
	minResponseMillis, maxResponseMillis uint64

	histMu         sync.Mutex
	requestBytes   *quantile.Stream
	responseBytes  *quantile.Stream
	responseMillis *quantile.Stream
}

func newAggregate(periodTS int64, archive bool) *Aggregate {
	targets := map[float64]float64{0.5: 0.01, 0.9: 0.01, 0.99: 0.001}
	return &Aggregate{
		PeriodTimestamp: periodTS,
		Archive:         archive,
		minRequestBytes: ^uint64(0), minResponseBytes: ^uint64(0), minResponseMillis: ^uint64(0),
		requestBytes:   quantile.NewTargeted(targets),
		responseBytes:  quantile.NewTargeted(targets),
		responseMillis: quantile.NewTargeted(targets),
	}
}

func atomicMin(addr *uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if v >= cur {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, v) {
			return
		}
	}
}

func atomicMax(addr *uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, v) {
			return
		}
	}
}

// Record folds rec into the aggregate.
func (a *Aggregate) Record(rec StatRecord) {
	atomic.AddUint64(&a.FrontendRequests, 1)
	if rec.BackendRequests == 0 {
		atomic.AddUint64(&a.CacheHits, 1)
	} else {
		atomic.AddUint64(&a.CacheMisses, 1)
		atomic.AddUint64(&a.BackendRequests, rec.BackendRequests)
	}
	atomic.AddUint64(&a.BackendRetries, rec.BackendRetries)
	atomic.AddUint64(&a.NoServers, rec.NoServers)

	atomic.AddUint64(&a.SumRequestBytes, rec.RequestBytes)
	atomic.AddUint64(&a.SumResponseBytes, rec.ResponseBytes)
	atomic.AddUint64(&a.SumResponseMillis, rec.ResponseMillis)

	atomicMin(&a.minRequestBytes, rec.RequestBytes)
	atomicMax(&a.maxRequestBytes, rec.RequestBytes)
	atomicMin(&a.minResponseBytes, rec.ResponseBytes)
	atomicMax(&a.maxResponseBytes, rec.ResponseBytes)
	atomicMin(&a.minResponseMillis, rec.ResponseMillis)
	atomicMax(&a.maxResponseMillis, rec.ResponseMillis)

	a.histMu.Lock()
	a.requestBytes.Insert(float64(rec.RequestBytes))
	a.responseBytes.Insert(float64(rec.ResponseBytes))
	a.responseMillis.Insert(float64(rec.ResponseMillis))
	a.histMu.Unlock()
}

// Snapshot produces the flushable Row for key, reading each histogram under
// lock exactly once.
func (a *Aggregate) Snapshot(key aggregateKey, chainID uint64) Row {
	a.histMu.Lock()
	reqP50, reqP90, reqP99 := a.requestBytes.Query(0.5), a.requestBytes.Query(0.9), a.requestBytes.Query(0.99)
	respBP50, respBP90, respBP99 := a.responseBytes.Query(0.5), a.responseBytes.Query(0.9), a.responseBytes.Query(0.99)
	respMP50, respMP90, respMP99 := a.responseMillis.Query(0.5), a.responseMillis.Query(0.9), a.responseMillis.Query(0.99)
	a.histMu.Unlock()

	frontend := atomic.LoadUint64(&a.FrontendRequests)
	sumReq := atomic.LoadUint64(&a.SumRequestBytes)
	sumRespB := atomic.LoadUint64(&a.SumResponseBytes)
	sumRespM := atomic.LoadUint64(&a.SumResponseMillis)

	meanReq, meanRespB, meanRespM := 0.0, 0.0, 0.0
	if frontend > 0 {
		meanReq = float64(sumReq) / float64(frontend)
		meanRespB = float64(sumRespB) / float64(frontend)
		meanRespM = float64(sumRespM) / float64(frontend)
	}

	return Row{
		RPCKeyID:         key.RPCKeyID,
		ChainID:          chainID,
		Method:           key.Method,
		ArchiveRequest:   a.Archive,
		ErrorResponse:    key.ErrorResponse,
		PeriodTimestamp:  time.Unix(a.PeriodTimestamp, 0).UTC(),
		FrontendRequests: frontend,
		BackendRequests:  atomic.LoadUint64(&a.BackendRequests),
		BackendRetries:   atomic.LoadUint64(&a.BackendRetries),
		NoServers:        atomic.LoadUint64(&a.NoServers),
		CacheHits:        atomic.LoadUint64(&a.CacheHits),
		CacheMisses:      atomic.LoadUint64(&a.CacheMisses),

		SumRequestBytes:  sumReq,
		MinRequestBytes:  zeroIfUnset(atomic.LoadUint64(&a.minRequestBytes)),
		MeanRequestBytes: meanReq,
		P50RequestBytes:  uint64(reqP50),
		P90RequestBytes:  uint64(reqP90),
		P99RequestBytes:  uint64(reqP99),
		MaxRequestBytes:  atomic.LoadUint64(&a.maxRequestBytes),

		SumResponseBytes:  sumRespB,
		MinResponseBytes:  zeroIfUnset(atomic.LoadUint64(&a.minResponseBytes)),
		MeanResponseBytes: meanRespB,
		P50ResponseBytes:  uint64(respBP50),
		P90ResponseBytes:  uint64(respBP90),
		P99ResponseBytes:  uint64(respBP99),
		MaxResponseBytes:  atomic.LoadUint64(&a.maxResponseBytes),

		SumResponseMillis:  sumRespM,
		MinResponseMillis:  zeroIfUnset(atomic.LoadUint64(&a.minResponseMillis)),
		MeanResponseMillis: meanRespM,
		P50ResponseMillis:  uint64(respMP50),
		P90ResponseMillis:  uint64(respMP90),
		P99ResponseMillis:  uint64(respMP99),
		MaxResponseMillis:  atomic.LoadUint64(&a.maxResponseMillis),
	}
}

func zeroIfUnset(v uint64) uint64 {
	if v == ^uint64(0) {
		return 0
	}
	return v
}

// bucket holds every Aggregate for one period_ts. A timer started when the
// bucket is first created evicts it to the flush channel after ttl.
type bucket struct {
	inner map[aggregateKey]*Aggregate
	mu    sync.Mutex
	timer *time.Timer
}

// Aggregator folds StatRecords into per-period, per-key Aggregates and
// flushes expired buckets into the Store once their ttl elapses.
type Aggregator struct {
	log     log.Logger
	chainID uint64
	ttl     time.Duration
	store   Store
	metrics *Metrics
	clock   Clock

	mu      sync.Mutex
	buckets map[int64]*bucket
	closed  bool
	evictWG sync.WaitGroup // in-flight evict() sends not yet delivered to flushCh

	flushCh chan map[aggregateKey]*Aggregate
	wg      sync.WaitGroup
}

// NewAggregator builds an Aggregator flushing to store. Each record's
// PeriodTimestamp selects its bucket; ttl is how long a bucket is kept open
// for late-arriving records of the same period before being flushed, timed
// in real time regardless of clock.
func NewAggregator(logger log.Logger, chainID uint64, ttl time.Duration, store Store, metrics *Metrics, clock Clock) *Aggregator {
	ag := &Aggregator{
		log:     logger,
		chainID: chainID,
		ttl:     ttl,
		store:   store,
		metrics: metrics,
		clock:   clock,
		buckets: make(map[int64]*bucket),
		flushCh: make(chan map[aggregateKey]*Aggregate, 16),
	}
	ag.wg.Add(1) // released when Run returns
	return ag
}

// Ingest folds rec into its period's bucket, creating the bucket (and its
// eviction timer) on first use.
func (ag *Aggregator) Ingest(rec StatRecord) {
	ag.mu.Lock()
	b, ok := ag.buckets[rec.PeriodTimestamp]
	if !ok {
		b = &bucket{inner: make(map[aggregateKey]*Aggregate)}
		ag.buckets[rec.PeriodTimestamp] = b
		pts := rec.PeriodTimestamp
		b.timer = time.AfterFunc(ag.ttl, func() { ag.evict(pts) })
	}
	ag.mu.Unlock()

	key := aggregateKey{RPCKeyID: rec.RPCKeyID, Method: rec.Method, ErrorResponse: rec.ErrorResponse}
	b.mu.Lock()
	agg, ok := b.inner[key]
	if !ok {
		agg = newAggregate(rec.PeriodTimestamp, rec.Archive)
		b.inner[key] = agg
	}
	b.mu.Unlock()

	agg.Record(rec)
}

// evict runs on a bucket's timer goroutine. It claims the bucket under mu
// before sending so it never races a concurrent Shutdown for the same
// bucket; once closed is set, evict backs off and lets Shutdown own every
// remaining bucket instead.
func (ag *Aggregator) evict(periodTS int64) {
	ag.mu.Lock()
	if ag.closed {
		ag.mu.Unlock()
		return
	}
	b, ok := ag.buckets[periodTS]
	if !ok {
		ag.mu.Unlock()
		return
	}
	delete(ag.buckets, periodTS)
	ag.evictWG.Add(1)
	ag.mu.Unlock()

	defer ag.evictWG.Done()
	ag.flushCh <- b.inner
}

// Run drains flushCh into the store until the channel closes. It is meant
// to run in its own goroutine, started once alongside Ingest's callers;
// Shutdown waits for it to return.
func (ag *Aggregator) Run(ctx context.Context) {
	defer ag.wg.Done()
	for inner := range ag.flushCh {
		for key, agg := range inner {
			row := agg.Snapshot(key, ag.chainID)
			if err := ag.store.InsertAggregate(ctx, row); err != nil {
				ag.log.Error("failed to flush stat aggregate", "rpc_key_id", key.RPCKeyID, "method", key.Method, "err", err)
				if ag.metrics != nil {
					ag.metrics.IncStoreFailure()
				}
				continue
			}
		}
	}
}

// Shutdown evicts every open bucket and closes the flush channel once it is
// certain no other sender can still be holding it. Marking closed under mu
// stops any timer firing after this point from touching the channel at all;
// waiting on evictWG then blocks until any evict() that had already claimed
// a bucket before closed was set has finished delivering it, so the
// close below can never race an in-flight send.
func (ag *Aggregator) Shutdown() {
	ag.mu.Lock()
	ag.closed = true
	pending := make([]*bucket, 0, len(ag.buckets))
	for pts, b := range ag.buckets {
		b.timer.Stop()
		pending = append(pending, b)
		delete(ag.buckets, pts)
	}
	ag.mu.Unlock()

	ag.evictWG.Wait()

	for _, b := range pending {
		ag.flushCh <- b.inner
	}
	close(ag.flushCh)
	ag.wg.Wait()
}
