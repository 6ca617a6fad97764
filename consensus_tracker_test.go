package quorumproxy

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func mkBlock(num uint64, hash, parent common.Hash, diff int64) *Block {
	return &Block{Hash: hash, Number: num, ParentHash: parent, TotalDifficulty: big.NewInt(diff)}
}

func newTestGraph() *BlockGraph {
	return NewBlockGraph(log.New(), 256, nil, func() uint64 { return 1_000_000 })
}

// TestConsensusFirstAgreement verifies that two upstreams reporting the
// same head with enough combined soft limit triggers the first consensus
// publication.
func TestConsensusFirstAgreement(t *testing.T) {
	graph := newTestGraph()
	head := mkBlock(10, hashOf(1), hashOf(0), 100)
	require.NoError(t, graph.SaveBlock(head, false))

	tracker := NewConsensusTracker(log.New(), graph, map[string]uint32{"a": 10, "b": 10}, 15, 2, nil)
	ch, unsub := tracker.Subscribe()
	defer unsub()

	tracker.handleEvent(HeadEvent{Block: head, Source: "a"})
	select {
	case <-ch:
		t.Fatal("should not publish before quorum is reached")
	default:
	}

	tracker.handleEvent(HeadEvent{Block: head, Source: "b"})
	select {
	case b := <-ch:
		require.Equal(t, head.Hash, b.Hash)
	default:
		t.Fatal("expected a publication once quorum is reached")
	}
	require.Equal(t, BlockID{Hash: head.Hash, Number: head.Number}, tracker.Synced().HeadID)
}

// TestConsensusAncestorWalk verifies the case where the heaviest reported
// head lacks quorum but a recent ancestor has it.
func TestConsensusAncestorWalk(t *testing.T) {
	graph := newTestGraph()
	parent := mkBlock(9, hashOf(1), hashOf(0), 90)
	child := mkBlock(10, hashOf(2), hashOf(1), 100)
	require.NoError(t, graph.SaveBlock(parent, false))
	require.NoError(t, graph.SaveBlock(child, false))

	tracker := NewConsensusTracker(log.New(), graph, map[string]uint32{"a": 10, "b": 10, "c": 10}, 20, 2, nil)
	tracker.connHeads["a"] = child.Hash // lone upstream on the tip, not enough quorum
	tracker.connHeads["b"] = parent.Hash
	tracker.connHeads["c"] = parent.Hash
	tracker.recompute()

	require.Equal(t, parent.Number, tracker.Synced().HeadID.Number)
}

// TestConsensusForkDetection verifies a same-height hash change after
// consensus was already published on a different hash.
func TestConsensusForkDetection(t *testing.T) {
	graph := newTestGraph()
	first := mkBlock(10, hashOf(1), hashOf(0), 100)
	forked := mkBlock(10, hashOf(2), hashOf(0), 100)
	require.NoError(t, graph.SaveBlock(first, false))
	require.NoError(t, graph.SaveBlock(forked, false))

	tracker := NewConsensusTracker(log.New(), graph, map[string]uint32{"a": 10, "b": 10}, 15, 2, nil)
	tracker.handleEvent(HeadEvent{Block: first, Source: "a"})
	tracker.handleEvent(HeadEvent{Block: first, Source: "b"})
	require.Equal(t, first.Hash, tracker.Synced().HeadID.Hash)

	tracker.handleEvent(HeadEvent{Block: forked, Source: "a"})
	tracker.handleEvent(HeadEvent{Block: forked, Source: "b"})
	require.Equal(t, forked.Hash, tracker.Synced().HeadID.Hash)
}

// TestConsensusStillSyncingHeadIsIgnored verifies that a number == 0 "still
// syncing" report removes the upstream's recorded head instead of tracking
// it.
func TestConsensusStillSyncingHeadIsIgnored(t *testing.T) {
	graph := newTestGraph()
	tracker := NewConsensusTracker(log.New(), graph, map[string]uint32{"a": 10}, 5, 1, nil)
	tracker.handleEvent(HeadEvent{Block: &Block{Number: 0}, Source: "a"})
	_, ok := tracker.connHeads["a"]
	require.False(t, ok)
}
