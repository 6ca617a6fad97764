package quorumproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

type fakeAdmitter struct {
	admit    bool
	notUntil time.Time
}

func (f fakeAdmitter) TryAcquire() (bool, *NotUntil) {
	if f.admit {
		return true, nil
	}
	return false, &NotUntil{Earliest: f.notUntil}
}

type fakeRPCClient struct {
	blockNumberHex string
}

func (f *fakeRPCClient) CallContext(_ context.Context, result interface{}, method string, _ ...interface{}) error {
	switch method {
	case "eth_blockNumber":
		raw := result.(*json.RawMessage)
		*raw = json.RawMessage(fmt.Sprintf("%q", f.blockNumberHex))
		return nil
	}
	return fmt.Errorf("unsupported method %s", method)
}

func newTestBackend(name string, blockNumHex string, soft uint32) *Backend {
	return NewBackend(name, "http://"+name, soft, fakeAdmitter{admit: true}, &fakeRPCClient{blockNumberHex: blockNumHex}, log.New())
}

// TestRefreshSyncedOrdering verifies the sync-status comparator: Synced
// beats Behind, higher head first within Synced, and that the synced prefix
// stops at the first non-Synced entry.
func TestRefreshSyncedOrdering(t *testing.T) {
	a := newTestBackend("a", "0x64", 10)  // 100, in sync
	b := newTestBackend("b", "0x63", 10)  // 99, within allowed lag of 2 -> synced
	c := newTestBackend("c", "0x5a", 10)  // 90, behind

	g := NewBackendGroup(log.New(), []*Backend{a, b, c}, 2, rand.New(rand.NewSource(1)))
	g.RefreshSynced(context.Background())

	synced := g.syncedBox.Load()
	require.Len(t, synced, 2)
	require.Contains(t, synced, "a")
	require.Contains(t, synced, "b")
	require.NotContains(t, synced, "c")
	require.Equal(t, []string{"a", "b"}, synced)
}

// TestNextUpstreamRateLimitedReturnsEarliest verifies NextUpstream's
// fallback: when every synced upstream denies admission, the earliest
// NotUntil across them is surfaced as a RateLimitedError.
func TestNextUpstreamRateLimitedReturnsEarliest(t *testing.T) {
	late, early := time.Unix(200, 0), time.Unix(100, 0)
	a := NewBackend("a", "http://a", 10, fakeAdmitter{admit: false, notUntil: late}, &fakeRPCClient{}, log.New())
	b := NewBackend("b", "http://b", 10, fakeAdmitter{admit: false, notUntil: early}, &fakeRPCClient{}, log.New())
	g := NewBackendGroup(log.New(), []*Backend{a, b}, 0, rand.New(rand.NewSource(1)))
	g.syncedBox.Store([]string{"a", "b"})

	_, _, err := g.NextUpstream()
	require.Error(t, err)
	var rlErr *RateLimitedError
	require.ErrorAs(t, err, &rlErr)
	require.Equal(t, early, rlErr.NotUntil.Earliest)
}

func TestNextUpstreamNoServers(t *testing.T) {
	g := NewBackendGroup(log.New(), nil, 0, rand.New(rand.NewSource(1)))
	_, _, err := g.NextUpstream()
	require.ErrorIs(t, err, ErrNoServers)
}
