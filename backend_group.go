package quorumproxy

import (
	"context"
	"encoding/json"
	"math/big"
	"math/rand"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/xaionaro-go/weightedshuffle"
)

type syncKind int

const (
	syncUnknown syncKind = iota
	syncBehind
	syncSynced
)

type syncStatus struct {
	kind syncKind
	head uint64
}

// BackendGroup is the selection engine / tier: it holds every configured
// upstream, a base iteration order established once at construction, and an
// atomically-swapped slice of currently synced names.
type BackendGroup struct {
	log      log.Logger
	names    []string // base order, weighted-shuffled once at construction
	backends map[string]*Backend

	allowedLag uint64
	syncedBox  syncedNamesBox

	bodyCache *bodyCache
}

type syncedNamesBox struct {
	mu    sync.RWMutex
	names []string
}

func (b *syncedNamesBox) Load() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.names
}

func (b *syncedNamesBox) Store(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names = names
}

// NewBackendGroup builds a BackendGroup over backends. rnd seeds the
// weighted shuffle establishing the pool's base iteration order, weighted
// by each backend's soft limit so higher-capacity upstreams tend to come
// first. RefreshSynced's stable sort keeps this order only among upstreams
// that tie on status, head and active-request count.
func NewBackendGroup(logger log.Logger, backends []*Backend, allowedLag uint64, rnd *rand.Rand) *BackendGroup {
	names := make([]string, len(backends))
	weights := make([]float64, len(backends))
	m := make(map[string]*Backend, len(backends))
	for i, be := range backends {
		names[i] = be.Name
		w := float64(be.SoftLimit)
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		m[be.Name] = be
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	weightedshuffle.Shuffle(len(names), func(i int) float64 { return weights[i] }, func(i, j int) {
		names[i], names[j] = names[j], names[i]
		weights[i], weights[j] = weights[j], weights[i]
	}, rnd)

	g := &BackendGroup{
		log:        logger,
		names:      names,
		backends:   m,
		allowedLag: allowedLag,
		bodyCache:  newBodyCache(len(names) * 16),
	}
	return g
}

// RefreshSynced recomputes which upstreams count as synced, in rank order.
// Synced beats Behind beats Unknown; within Synced/Behind, a higher head
// number sorts first; ties (including Unknown vs Unknown) fall back to
// ascending active-request count.
func (g *BackendGroup) RefreshSynced(ctx context.Context) {
	statuses := make(map[string]syncStatus, len(g.names))
	var highest uint64
	for _, name := range g.names {
		st := g.queryHeadNumber(ctx, g.backends[name])
		statuses[name] = st
		if st.kind != syncUnknown && st.head > highest {
			highest = st.head
		}
	}
	for name, st := range statuses {
		if st.kind == syncUnknown {
			continue
		}
		if st.head+g.allowedLag >= highest {
			st.kind = syncSynced
		} else {
			st.kind = syncBehind
		}
		statuses[name] = st
	}

	ordered := append([]string(nil), g.names...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := statuses[ordered[i]], statuses[ordered[j]]
		if a.kind != b.kind {
			return a.kind > b.kind
		}
		if a.kind != syncUnknown && a.head != b.head {
			return a.head > b.head
		}
		return g.backends[ordered[i]].ActiveCount() < g.backends[ordered[j]].ActiveCount()
	})

	synced := make([]string, 0, len(ordered))
	for _, name := range ordered {
		if statuses[name].kind != syncSynced {
			break
		}
		synced = append(synced, name)
	}
	g.syncedBox.Store(synced)
}

func (g *BackendGroup) queryHeadNumber(ctx context.Context, b *Backend) syncStatus {
	raw, err := b.Request(ctx, "eth_blockNumber")
	if err != nil {
		return syncStatus{kind: syncUnknown}
	}
	var hexNum hexutil.Uint64
	if err := json.Unmarshal(raw, &hexNum); err != nil {
		return syncStatus{kind: syncUnknown}
	}
	return syncStatus{kind: syncBehind, head: uint64(hexNum)}
}

// NextUpstream admits one request on the first synced upstream with spare
// capacity. On across-the-board denial it returns the earliest retry
// instant seen.
func (g *BackendGroup) NextUpstream() (*RequestHandle, string, error) {
	names := g.syncedBox.Load()
	if len(names) == 0 {
		return nil, "", ErrNoServers
	}
	var earliest *NotUntil
	for _, name := range names {
		b := g.backends[name]
		h, notUntil := b.TryIncActiveRequests()
		if h != nil {
			return h, name, nil
		}
		if earliest == nil || notUntil.Earliest.Before(earliest.Earliest) {
			earliest = notUntil
		}
	}
	return nil, "", &RateLimitedError{NotUntil: *earliest}
}

// AllAvailableUpstreams admits a request on every synced upstream with
// spare capacity.
func (g *BackendGroup) AllAvailableUpstreams() ([]*RequestHandle, []string, error) {
	names := g.syncedBox.Load()
	if len(names) == 0 {
		return nil, nil, ErrNoServers
	}
	var (
		earliest *NotUntil
		handles  []*RequestHandle
		got      []string
	)
	for _, name := range names {
		b := g.backends[name]
		h, notUntil := b.TryIncActiveRequests()
		if h != nil {
			handles = append(handles, h)
			got = append(got, name)
			continue
		}
		if earliest == nil || notUntil.Earliest.Before(earliest.Earliest) {
			earliest = notUntil
		}
	}
	if len(handles) == 0 {
		return nil, nil, &RateLimitedError{NotUntil: *earliest}
	}
	return handles, got, nil
}

// Forward admits a request, issues method/params against the chosen
// upstream, and releases the slot before returning.
func (g *BackendGroup) Forward(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	h, name, err := g.NextUpstream()
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var args []interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, errors.Wrap(err, "decoding request params")
		}
	}
	return g.backends[name].Request(ctx, method, args...)
}

type rpcBlockHeader struct {
	Hash            common.Hash    `json:"hash"`
	Number          hexutil.Uint64 `json:"number"`
	ParentHash      common.Hash    `json:"parentHash"`
	TotalDifficulty *hexutil.Big   `json:"totalDifficulty"`
}

// DecodeBlockHeader parses a raw eth_getBlockBy* result into a Block. It is
// exported so callers outside the package (e.g. a head-polling loop) can
// decode a block fetched directly from one specific Backend, bypassing the
// BackendGroup's own upstream selection.
func DecodeBlockHeader(raw json.RawMessage) (*Block, error) {
	var hdr rpcBlockHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, errors.Wrap(err, "decoding block header")
	}
	return hdr.toBlock()
}

func (h *rpcBlockHeader) toBlock() (*Block, error) {
	if h == nil || h.Hash == (common.Hash{}) || h.TotalDifficulty == nil {
		return nil, ErrIncompleteBlock
	}
	return &Block{
		Hash:            h.Hash,
		Number:          uint64(h.Number),
		ParentHash:      h.ParentHash,
		TotalDifficulty: (*big.Int)(h.TotalDifficulty),
	}, nil
}

// FetchBlockByHash implements BlockFetcher by calling eth_getBlockByHash on
// the next admitted upstream, unless raw has already been fetched and
// cached for this hash.
func (g *BackendGroup) FetchBlockByHash(ctx context.Context, hash common.Hash) (*Block, error) {
	if raw, ok := g.bodyCache.Get(hash); ok {
		var hdr rpcBlockHeader
		if err := json.Unmarshal(raw, &hdr); err == nil {
			return hdr.toBlock()
		}
	}

	h, name, err := g.NextUpstream()
	if err != nil {
		return nil, err
	}
	defer h.Release()
	raw, err := g.backends[name].Request(ctx, "eth_getBlockByHash", hash, false)
	if err != nil {
		return nil, err
	}
	var hdr rpcBlockHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, errors.Wrap(err, "decoding block header")
	}
	g.bodyCache.Put(hash, raw)
	return hdr.toBlock()
}

// FetchBlockByNumber implements BlockFetcher by calling eth_getBlockByNumber
// on the next admitted upstream.
func (g *BackendGroup) FetchBlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	h, name, err := g.NextUpstream()
	if err != nil {
		return nil, err
	}
	defer h.Release()
	raw, err := g.backends[name].Request(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil {
		return nil, err
	}
	var hdr rpcBlockHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, errors.Wrap(err, "decoding block header")
	}
	return hdr.toBlock()
}
