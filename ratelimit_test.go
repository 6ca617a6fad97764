package quorumproxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterUnlimitedAlwaysAdmits(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	l := NewLimiter(0, clock)
	for i := 0; i < 1000; i++ {
		ok, notUntil := l.TryAcquire()
		require.True(t, ok)
		require.Nil(t, notUntil)
	}
}

func TestLimiterDeniesOverBurstThenRecovers(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	l := NewLimiter(1, clock) // 1/s, burst 1

	ok, _ := l.TryAcquire()
	require.True(t, ok)

	ok, notUntil := l.TryAcquire()
	require.False(t, ok)
	require.NotNil(t, notUntil)
	require.True(t, notUntil.Earliest.After(clock.Now()))

	clock.Advance(time.Second)
	ok, _ = l.TryAcquire()
	require.True(t, ok)
}
