package quorumproxy

import (
	"context"
	"math/big"
	"strconv"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Block is the subset of an upstream's block header quorumproxy tracks.
type Block struct {
	Hash            common.Hash
	Number          uint64
	ParentHash      common.Hash
	TotalDifficulty *big.Int
}

// BlockID identifies a block without carrying its full header.
type BlockID struct {
	Hash   common.Hash
	Number uint64
}

// IsZero reports whether id is the unset sentinel (no block yet).
func (id BlockID) IsZero() bool { return id == BlockID{} }

// BlockFetcher retrieves a block from an upstream when it isn't already
// cached. BackendGroup implements this.
type BlockFetcher interface {
	FetchBlockByHash(ctx context.Context, hash common.Hash) (*Block, error)
	FetchBlockByNumber(ctx context.Context, number uint64) (*Block, error)
}

// BlockGraph is the bounded block cache and parent-link graph: a recency-
// bounded hash-keyed cache of decoded blocks, plus a height-ordered map
// tracking which hash is canonical at each known number. numbers is bounded
// to retention entries and hashes to 4*retention; numbers is pruned in
// ascending-height order via a treemap so the retained window stays
// contiguous instead of merely recency-based.
type BlockGraph struct {
	log       log.Logger
	retention int
	fetcher   BlockFetcher
	headNum   func() uint64

	hashes *lru.Cache // common.Hash -> *Block

	numbersMu    sync.RWMutex
	numbers      map[uint64]common.Hash
	numberHeight *treemap.Map // uint64 -> common.Hash, ascending

	edgesMu sync.RWMutex
	edges   map[common.Hash]common.Hash // child hash -> parent hash

	sf singleflight.Group
}

// NewBlockGraph builds a BlockGraph keeping retention canonical heights per
// chain. fetcher supplies blocks on a cache miss; headNum reports the head
// height used for the FutureBlock check in CanonicalBlock.
func NewBlockGraph(logger log.Logger, retention int, fetcher BlockFetcher, headNum func() uint64) *BlockGraph {
	g := &BlockGraph{
		log:          logger,
		retention:    retention,
		fetcher:      fetcher,
		headNum:      headNum,
		numbers:      make(map[uint64]common.Hash, retention),
		numberHeight: treemap.NewWith(godsutils.UInt64Comparator),
		edges:        make(map[common.Hash]common.Hash, retention*2),
	}
	hashes, _ := lru.NewWithEvict(retention*4, g.onHashEvicted)
	g.hashes = hashes
	return g
}

func (g *BlockGraph) onHashEvicted(key, _ interface{}) {
	h := key.(common.Hash)
	g.edgesMu.Lock()
	delete(g.edges, h)
	g.edgesMu.Unlock()
}

// SaveBlock upserts block into the graph. It is idempotent: saving the same
// block again changes nothing, and a block already present by hash is not
// re-inserted (with heaviestChain true it is still recorded as canonical at
// its height). When heaviestChain is true, block becomes the canonical block
// at its height; a height collision (a reorg) blindly overwrites the
// canonical mapping with a Warn log, and already-cached descendants are not
// rewritten.
func (g *BlockGraph) SaveBlock(block *Block, heaviestChain bool) error {
	if block == nil || block.Hash == (common.Hash{}) || block.TotalDifficulty == nil {
		return ErrIncompleteBlock
	}

	if heaviestChain {
		g.numbersMu.Lock()
		old, existed := g.numbers[block.Number]
		g.numbers[block.Number] = block.Hash
		g.numberHeight.Put(block.Number, block.Hash)
		g.numbersMu.Unlock()
		if existed && old != block.Hash {
			g.log.Warn("overwriting canonical block at height", "number", block.Number, "old", old, "new", block.Hash)
		}
		g.pruneNumbers()
	}

	if _, ok := g.hashes.Get(block.Hash); ok {
		return nil
	}

	g.hashes.Add(block.Hash, block)
	g.edgesMu.Lock()
	g.edges[block.Hash] = block.ParentHash
	g.edgesMu.Unlock()
	return nil
}

// pruneNumbers evicts the oldest heights once numbers exceeds retention.
func (g *BlockGraph) pruneNumbers() {
	g.numbersMu.Lock()
	defer g.numbersMu.Unlock()
	for g.numberHeight.Size() > g.retention {
		k, _ := g.numberHeight.Min()
		if k == nil {
			return
		}
		num := k.(uint64)
		g.numberHeight.Remove(num)
		delete(g.numbers, num)
	}
}

// Parent returns the parent hash recorded for hash, if known.
func (g *BlockGraph) Parent(hash common.Hash) (common.Hash, bool) {
	g.edgesMu.RLock()
	defer g.edgesMu.RUnlock()
	p, ok := g.edges[hash]
	return p, ok
}

// ByHash returns the cached block for hash, if present.
func (g *BlockGraph) ByHash(hash common.Hash) (*Block, bool) {
	v, ok := g.hashes.Get(hash)
	if !ok {
		return nil, false
	}
	return v.(*Block), true
}

// Block returns the block for hash, fetching it from an upstream on a
// cache miss. Concurrent misses for the same hash collapse into a single
// upstream call via singleflight, so a burst of requests for a newly seen
// block never fans out into one fetch per caller.
func (g *BlockGraph) Block(ctx context.Context, hash common.Hash) (*Block, error) {
	if b, ok := g.ByHash(hash); ok {
		return b, nil
	}
	v, err, _ := g.sf.Do(hash.Hex(), func() (interface{}, error) {
		block, err := g.fetcher.FetchBlockByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if err := g.SaveBlock(block, false); err != nil {
			return nil, err
		}
		return block, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Block), nil
}

// CanonicalBlock returns the canonical block at number, fetching it from an
// upstream on a cache miss. A number beyond the head height reported by
// headNum returns ErrFutureBlock without attempting a fetch.
func (g *BlockGraph) CanonicalBlock(ctx context.Context, number uint64) (*Block, error) {
	g.numbersMu.RLock()
	hash, ok := g.numbers[number]
	g.numbersMu.RUnlock()
	if ok {
		if b, ok := g.ByHash(hash); ok {
			return b, nil
		}
	}

	if number > g.headNum() {
		return nil, ErrFutureBlock
	}

	v, err, _ := g.sf.Do("num:"+strconv.FormatUint(number, 10), func() (interface{}, error) {
		block, err := g.fetcher.FetchBlockByNumber(ctx, number)
		if err != nil {
			return nil, err
		}
		if err := g.SaveBlock(block, true); err != nil {
			return nil, err
		}
		return block, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetching canonical block %d", number)
	}
	return v.(*Block), nil
}
