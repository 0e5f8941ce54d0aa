package timedstore

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/require"
)

func TestStoreAndGet(t *testing.T) {
	var clock mclock.Simulated
	s := New[string, int](&clock)

	exp := clock.Now().Add(time.Minute)
	s.Store("a", 1, exp)

	v, gotExp, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, exp, gotExp)
}

func TestGetMissing(t *testing.T) {
	var clock mclock.Simulated
	s := New[string, int](&clock)

	_, _, ok := s.Get("nope")
	require.False(t, ok)
}

func TestExpiredEntryEvictedOnRead(t *testing.T) {
	var clock mclock.Simulated
	s := New[string, int](&clock)

	s.Store("a", 1, clock.Now().Add(time.Second))
	clock.Run(2 * time.Second)

	_, _, ok := s.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestRefreshExtendsTTL(t *testing.T) {
	var clock mclock.Simulated
	s := New[string, int](&clock)

	s.Store("a", 1, clock.Now().Add(time.Second))
	clock.Run(500 * time.Millisecond)
	s.Store("a", 2, clock.Now().Add(time.Minute)) // refresh with a later expiration
	clock.Run(2 * time.Second)                    // past the original 1s TTL, not the refreshed one

	v, _, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestDelete(t *testing.T) {
	var clock mclock.Simulated
	s := New[string, int](&clock)
	s.Store("a", 1, clock.Now().Add(time.Minute))
	s.Delete("a")
	_, _, ok := s.Get("a")
	require.False(t, ok)
}
