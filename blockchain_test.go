package quorumproxy

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

// TestSaveBlockIsIdempotent verifies SaveBlock's early return on an
// already-cached hash.
func TestSaveBlockIsIdempotent(t *testing.T) {
	graph := newTestGraph()
	b := mkBlock(1, hashOf(1), hashOf(0), 10)
	require.NoError(t, graph.SaveBlock(b, false))
	require.NoError(t, graph.SaveBlock(b, false))

	got, ok := graph.ByHash(b.Hash)
	require.True(t, ok)
	require.Equal(t, b, got)
}

// TestSaveBlockRejectsIncompleteBlocks covers the hash/total-difficulty
// presence requirement.
func TestSaveBlockRejectsIncompleteBlocks(t *testing.T) {
	graph := newTestGraph()
	require.ErrorIs(t, graph.SaveBlock(&Block{}, false), ErrIncompleteBlock)
}

// TestSaveBlockReorgOverwritesNumbers verifies that a second block at an
// already-occupied height blindly overwrites the mapping.
func TestSaveBlockReorgOverwritesNumbers(t *testing.T) {
	graph := newTestGraph()
	first := mkBlock(5, hashOf(1), hashOf(0), 10)
	second := mkBlock(5, hashOf(2), hashOf(0), 11)
	require.NoError(t, graph.SaveBlock(first, true))
	require.NoError(t, graph.SaveBlock(second, true))

	canonical, err := graph.CanonicalBlock(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, second.Hash, canonical.Hash)
}

// TestCanonicalBlockFutureBlockShortCircuits verifies that a number beyond
// the known head never triggers a fetch.
func TestCanonicalBlockFutureBlockShortCircuits(t *testing.T) {
	graph := NewBlockGraph(log.New(), 256, nil, func() uint64 { return 100 })
	_, err := graph.CanonicalBlock(context.Background(), 101)
	require.ErrorIs(t, err, ErrFutureBlock)
}

// TestNumbersPruneToRetentionWindow verifies the numbers map stays bounded
// to the configured retention window, oldest first.
func TestNumbersPruneToRetentionWindow(t *testing.T) {
	graph := NewBlockGraph(log.New(), 4, nil, func() uint64 { return 1000 })
	for i := uint64(1); i <= 10; i++ {
		b := mkBlock(i, hashOf(byte(i)), hashOf(byte(i-1)), int64(i))
		require.NoError(t, graph.SaveBlock(b, true))
	}
	graph.numbersMu.RLock()
	defer graph.numbersMu.RUnlock()
	require.LessOrEqual(t, len(graph.numbers), 4)
	_, stillPresent := graph.numbers[10]
	require.True(t, stillPresent)
	_, earlyPresent := graph.numbers[1]
	require.False(t, earlyPresent)
}
