package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"groupsync/pkg/metrics"
)

func nextWithin(t *testing.T, s *Subscription[int]) Delivery[int] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := s.Next(ctx)
	require.NoError(t, err)
	return d
}

// waitQueued waits until the fan-out goroutine has queued n events for s.
func waitQueued(t *testing.T, s *Subscription[int], n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("queue length %d, want %d", s.Len(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitDropped waits until the broker named stream has dropped n events.
func waitDropped(t *testing.T, stream string, n float64) {
	t.Helper()
	c := metrics.StreamEventsDropped.WithLabelValues(stream)
	require.Eventually(t, func() bool { return promtest.ToFloat64(c) == n }, 5*time.Second, time.Millisecond)
}

func TestDeliversInOrderToEverySubscriber(t *testing.T) {
	b := New[int](Options{Name: "test"})
	defer b.Close()
	s1, err := b.Subscribe()
	require.NoError(t, err)
	s2, err := b.Subscribe()
	require.NoError(t, err)
	require.Equal(t, StateActive, s1.State())

	for i := 1; i <= 50; i++ {
		require.NoError(t, b.Publish(i))
	}
	for _, s := range []*Subscription[int]{s1, s2} {
		for i := 1; i <= 50; i++ {
			d := nextWithin(t, s)
			require.Equal(t, i, d.Value)
			require.Zero(t, d.Gap)
		}
	}
}

func TestNoBacklogForLateSubscribers(t *testing.T) {
	b := New[int](Options{})
	defer b.Close()
	early, err := b.Subscribe()
	require.NoError(t, err)
	require.NoError(t, b.Publish(1))
	waitQueued(t, early, 1)

	late, err := b.Subscribe()
	require.NoError(t, err)
	require.NoError(t, b.Publish(2))

	require.Equal(t, 2, nextWithin(t, late).Value)
	require.Equal(t, 1, nextWithin(t, early).Value)
	require.Equal(t, 2, nextWithin(t, early).Value)
}

func TestDropOldestFlagsGap(t *testing.T) {
	b := New[int](Options{Name: "drop-gap", QueueSize: 2, Policy: DropOldest})
	defer b.Close()
	s, err := b.Subscribe()
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(i))
	}
	waitDropped(t, "drop-gap", 3)

	d := nextWithin(t, s)
	require.Equal(t, 4, d.Value)
	require.Equal(t, uint64(3), d.Gap)
	d = nextWithin(t, s)
	require.Equal(t, 5, d.Value)
	require.Zero(t, d.Gap)
}

func TestDropOldestSingleSlot(t *testing.T) {
	b := New[int](Options{Name: "drop-single", QueueSize: 1})
	defer b.Close()
	s, err := b.Subscribe()
	require.NoError(t, err)
	require.NoError(t, b.Publish(1))
	require.NoError(t, b.Publish(2))
	require.NoError(t, b.Publish(3))
	waitDropped(t, "drop-single", 2)

	d := nextWithin(t, s)
	require.Equal(t, 3, d.Value)
	require.Equal(t, uint64(2), d.Gap)
}

func TestBlockPolicyLosesNothing(t *testing.T) {
	b := New[int](Options{QueueSize: 1, InboundBuffer: 1, Policy: Block})
	defer b.Close()
	s, err := b.Subscribe()
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			if err := b.Publish(i); err != nil {
				t.Errorf("publish %d: %v", i, err)
				return
			}
		}
	}()
	for i := 1; i <= n; i++ {
		d := nextWithin(t, s)
		require.Equal(t, i, d.Value)
		require.Zero(t, d.Gap)
	}
	wg.Wait()
}

func TestStopIsIdempotentAndEndsNext(t *testing.T) {
	b := New[int](Options{})
	defer b.Close()
	s, err := b.Subscribe()
	require.NoError(t, err)
	require.NoError(t, b.Publish(1))
	waitQueued(t, s, 1)

	s.Stop()
	s.Stop()
	require.Equal(t, StateStopped, s.State())
	require.Zero(t, s.Len(), "stop discards queued events")
	require.Zero(t, b.Subscribers())

	_, err = s.Next(context.Background())
	require.True(t, errors.Is(err, ErrStopped))

	// a blocked Next is released by Stop
	s2, err := b.Subscribe()
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		_, err := s2.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s2.Stop()
	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrStopped))
	case <-time.After(5 * time.Second):
		t.Fatal("Next not released by Stop")
	}
}

func TestNextHonoursContext(t *testing.T) {
	b := New[int](Options{})
	defer b.Close()
	s, err := b.Subscribe()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, StateActive, s.State())
}

func TestCloseStopsEverything(t *testing.T) {
	b := New[int](Options{})
	s, err := b.Subscribe()
	require.NoError(t, err)
	b.Close()
	b.Close()

	require.Equal(t, StateStopped, s.State())
	require.True(t, errors.Is(b.Publish(1), ErrClosed))
	_, err = b.Subscribe()
	require.True(t, errors.Is(err, ErrClosed))
}

func TestAllRangesUntilStop(t *testing.T) {
	b := New[int](Options{})
	defer b.Close()
	s, err := b.Subscribe()
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Publish(i))
	}

	var got []int
	for v, err := range s.All(context.Background()) {
		require.NoError(t, err)
		got = append(got, v)
		if len(got) == 3 {
			s.Stop()
		}
	}
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, DropOldest, p)
	p, err = ParsePolicy("Block")
	require.NoError(t, err)
	require.Equal(t, Block, p)
	_, err = ParsePolicy("lossy")
	require.Error(t, err)
}
