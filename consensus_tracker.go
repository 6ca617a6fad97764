package quorumproxy

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// HeadEvent reports a new head block observed from one upstream. A Block of
// nil, a zero hash, or number 0 signals that the upstream is no longer
// reporting a usable head (still syncing, or dropped) and its prior head is
// forgotten.
type HeadEvent struct {
	Block  *Block
	Source string
}

// SyncedSet is the published consensus view: the agreed head and the set of
// upstream names currently reporting that exact head.
type SyncedSet struct {
	HeadID BlockID
	Conns  map[string]struct{}
}

// ConsensusTracker runs a heaviest-chain algorithm: track the latest head
// reported by each upstream, pick the candidate with the greatest total
// difficulty, then walk up to 3 ancestors looking for one with enough
// combined soft-limit capacity and a sufficient upstream count to call it
// consensus.
type ConsensusTracker struct {
	log             log.Logger
	graph           *BlockGraph
	softLimits      map[string]uint32
	minSumSoftLimit uint32
	minSyncedRPCs   int
	maxAncestorWalk int

	connHeads map[string]common.Hash // owned solely by Run's goroutine

	synced  syncedSetBox
	watch   *HeadWatch
	metrics *Metrics
}

// syncedSetBox publishes a *SyncedSet behind an RWMutex-guarded pointer:
// Load returns the current snapshot and Swap replaces it whole, so a reader
// never observes a partly built SyncedSet.
type syncedSetBox struct {
	mu  sync.RWMutex
	set *SyncedSet
}

func (b *syncedSetBox) Load() *SyncedSet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.set
}

func (b *syncedSetBox) Swap(next *SyncedSet) *SyncedSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.set
	b.set = next
	return prev
}

// NewConsensusTracker builds a tracker over graph. softLimits maps each
// known upstream name to its configured soft limit.
func NewConsensusTracker(logger log.Logger, graph *BlockGraph, softLimits map[string]uint32, minSumSoftLimit uint32, minSyncedRPCs int, metrics *Metrics) *ConsensusTracker {
	t := &ConsensusTracker{
		log:             logger,
		graph:           graph,
		softLimits:      softLimits,
		minSumSoftLimit: minSumSoftLimit,
		minSyncedRPCs:   minSyncedRPCs,
		maxAncestorWalk: 3,
		connHeads:       make(map[string]common.Hash),
		watch:           NewHeadWatch(),
		metrics:         metrics,
	}
	t.synced.Swap(&SyncedSet{})
	return t
}

// Synced returns the currently published consensus view.
func (t *ConsensusTracker) Synced() *SyncedSet { return t.synced.Load() }

// SyncedNames returns the upstream names in the currently published view.
func (t *ConsensusTracker) SyncedNames() map[string]struct{} {
	s := t.synced.Load()
	if s == nil {
		return nil
	}
	return s.Conns
}

// Subscribe returns a channel receiving the latest published head (only the
// most recent value is kept if the subscriber falls behind) and an unsubscribe
// function.
func (t *ConsensusTracker) Subscribe() (<-chan *Block, func()) { return t.watch.Subscribe() }

// Run consumes events until the channel closes or ctx is done. It is meant
// to be the sole writer of connHeads, so it must run in exactly one
// goroutine.
func (t *ConsensusTracker) Run(ctx context.Context, events <-chan HeadEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.handleEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (t *ConsensusTracker) handleEvent(ev HeadEvent) {
	if ev.Block == nil || ev.Block.Hash == (common.Hash{}) || ev.Block.Number == 0 {
		delete(t.connHeads, ev.Source)
	} else {
		t.connHeads[ev.Source] = ev.Block.Hash
		if err := t.graph.SaveBlock(ev.Block, false); err != nil {
			t.log.Warn("discarding incomplete head block", "upstream", ev.Source, "err", err)
		}
	}
	t.recompute()
}

func (t *ConsensusTracker) recompute() {
	seen := make(map[common.Hash]bool, len(t.connHeads))
	var candidate *Block
	for _, h := range t.connHeads {
		if seen[h] {
			continue
		}
		seen[h] = true
		b, ok := t.graph.ByHash(h)
		if !ok {
			continue
		}
		if candidate == nil || b.TotalDifficulty.Cmp(candidate.TotalDifficulty) > 0 {
			candidate = b
		}
	}
	if candidate == nil {
		t.publish(&SyncedSet{})
		return
	}

	cur := candidate
	for i := 0; i < t.maxAncestorWalk; i++ {
		heavyConns := make(map[string]struct{})
		var heavySum uint32
		for name, h := range t.connHeads {
			if h == cur.Hash {
				heavyConns[name] = struct{}{}
				heavySum += t.softLimits[name]
			}
		}
		if heavySum >= t.minSumSoftLimit && len(heavyConns) >= t.minSyncedRPCs {
			t.publish(&SyncedSet{HeadID: BlockID{Hash: cur.Hash, Number: cur.Number}, Conns: heavyConns})
			return
		}
		t.log.Trace("avoiding thundering herd, walking to parent", "hash", cur.Hash, "heavy_sum_soft_limit", heavySum)
		parentHash, ok := t.graph.Parent(cur.Hash)
		if !ok {
			break
		}
		parent, ok := t.graph.ByHash(parentHash)
		if !ok {
			break
		}
		cur = parent
	}
	t.publish(&SyncedSet{})
}

// publish applies the five head-transition rules: first consensus, same-hash
// no-op, fork (same height, different hash), rollback (lower height), and
// advance (higher height).
func (t *ConsensusTracker) publish(next *SyncedSet) {
	prev := t.synced.Swap(next)

	publish := false
	switch {
	case prev == nil || prev.HeadID.IsZero():
		publish = !next.HeadID.IsZero()
	case next.HeadID.IsZero():
		publish = false
	case next.HeadID.Number != prev.HeadID.Number:
		publish = true
		if next.HeadID.Number < prev.HeadID.Number {
			t.log.Warn("consensus head rolled back", "from", prev.HeadID.Number, "to", next.HeadID.Number)
		}
	case next.HeadID.Hash != prev.HeadID.Hash:
		t.log.Warn("consensus fork detected at same height", "number", next.HeadID.Number, "old", prev.HeadID.Hash, "new", next.HeadID.Hash)
		publish = true
	default:
		publish = false
	}

	if t.metrics != nil {
		t.metrics.SetConsensusHead(next.HeadID.Number)
	}
	if !publish {
		return
	}
	if block, ok := t.graph.ByHash(next.HeadID.Hash); ok {
		t.watch.Publish(block)
	}
}

// HeadWatch is a latest-value broadcaster: a slow subscriber observes only
// the most recent head, never a backlog, matching a tokio watch channel's
// semantics.
type HeadWatch struct {
	mu   sync.Mutex
	last *Block
	subs map[chan *Block]struct{}
}

// NewHeadWatch builds an empty HeadWatch.
func NewHeadWatch() *HeadWatch {
	return &HeadWatch{subs: make(map[chan *Block]struct{})}
}

// Subscribe returns a channel that receives the latest published block
// (immediately, if one exists) and all subsequent publications, plus an
// unsubscribe function that must be called when the subscriber is done.
func (w *HeadWatch) Subscribe() (<-chan *Block, func()) {
	ch := make(chan *Block, 1)
	w.mu.Lock()
	if w.last != nil {
		ch <- w.last
	}
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.subs, ch)
		w.mu.Unlock()
	}
}

// Publish sets the latest value and notifies all subscribers, dropping a
// stale unread value rather than blocking.
func (w *HeadWatch) Publish(b *Block) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = b
	for ch := range w.subs {
		select {
		case ch <- b:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- b
		}
	}
}
