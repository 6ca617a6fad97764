package quorumproxy

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru"
)

// bodyCache stores snappy-compressed raw JSON block bodies keyed by hash,
// so a block fetched once doesn't need to be fetched from an upstream again
// while it stays in the cache; a hit is still JSON-decoded by the caller.
type bodyCache struct {
	cache *lru.Cache
}

func newBodyCache(size int) *bodyCache {
	if size <= 0 {
		size = 1
	}
	c, _ := lru.New(size)
	return &bodyCache{cache: c}
}

// Put compresses and stores raw under hash.
func (c *bodyCache) Put(hash common.Hash, raw []byte) {
	c.cache.Add(hash, snappy.Encode(nil, raw))
}

// Get returns the decompressed body for hash, if present.
func (c *bodyCache) Get(hash common.Hash) ([]byte, bool) {
	v, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	raw, err := snappy.Decode(nil, v.([]byte))
	if err != nil {
		c.cache.Remove(hash)
		return nil, false
	}
	return raw, true
}
