package quorumproxy

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

// TestRequestHandleReleaseIsIdempotent covers the guard's once-only
// decrement, protecting against double-release bugs at call sites.
func TestRequestHandleReleaseIsIdempotent(t *testing.T) {
	b := NewBackend("a", "http://a", 1, fakeAdmitter{admit: true}, &fakeRPCClient{}, log.New())
	h, notUntil := b.TryIncActiveRequests()
	require.Nil(t, notUntil)
	require.EqualValues(t, 1, b.ActiveCount())

	h.Release()
	h.Release()
	require.EqualValues(t, 0, b.ActiveCount())
}

// TestWaitForRequestHandleRespectsDeadline covers WaitForRequestHandle's
// ctx-deadline path.
func TestWaitForRequestHandleRespectsDeadline(t *testing.T) {
	b := NewBackend("a", "http://a", 1, fakeAdmitter{admit: false}, &fakeRPCClient{}, log.New())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.WaitForRequestHandle(ctx)
	require.ErrorIs(t, err, ErrDeadline)
}
