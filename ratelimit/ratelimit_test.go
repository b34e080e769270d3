package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dico-api/dico-sub000/ratelimit"
)

func TestAcquireUnknownRouteIsNoop(t *testing.T) {
	t.Parallel()

	m := ratelimit.New()

	// Two acquires without any recorded response must both pass through
	// without contending on anything.
	g1, err := m.Acquire(context.Background(), "GET", "/channels/1")
	require.NoError(t, err)
	g2, err := m.Acquire(context.Background(), "GET", "/channels/1")
	require.NoError(t, err)
	g1.Unlock()
	g2.Unlock()
}

func TestRecordLastWriteWins(t *testing.T) {
	t.Parallel()

	m := ratelimit.New()

	m.Record("GET", "/channels/1", "abc", 10*time.Second, time.Time{}, 5)
	// A different route naming the same bucket overwrites the window.
	m.Record("GET", "/channels/2", "abc", 0, time.Time{}, 3)
	m.Record("PATCH", "/channels/1", "abc", 50*time.Millisecond, time.Time{}, 0)

	// remaining is now 0 with a 50ms window, so the next acquire waits
	// roughly that long instead of the stale 10s.
	start := time.Now()
	g, err := m.Acquire(context.Background(), "GET", "/channels/1")
	require.NoError(t, err)
	g.Unlock()

	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func TestDistinctBucketsDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	m := ratelimit.New()
	m.Record("GET", "/a", "bucket-a", time.Minute, time.Time{}, 5)
	m.Record("GET", "/b", "bucket-b", time.Minute, time.Time{}, 5)

	// Hold bucket-a's lock, then acquire bucket-b. If the buckets shared
	// a lock this would deadlock.
	gA, err := m.Acquire(context.Background(), "GET", "/a")
	require.NoError(t, err)
	defer gA.Unlock()

	done := make(chan struct{})
	go func() {
		gB, err := m.Acquire(context.Background(), "GET", "/b")
		if err == nil {
			gB.Unlock()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on a distinct bucket blocked")
	}
}

func TestSameBucketSerializes(t *testing.T) {
	t.Parallel()

	m := ratelimit.New()
	m.Record("GET", "/a", "bucket-a", time.Minute, time.Time{}, 5)

	g, err := m.Acquire(context.Background(), "GET", "/a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		g2, err := m.Acquire(context.Background(), "GET", "/a")
		if err == nil {
			g2.Unlock()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire on the same bucket did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	g.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after unlock")
	}
}

func TestAcquireCancellable(t *testing.T) {
	t.Parallel()

	m := ratelimit.New()
	m.Record("GET", "/a", "bucket-a", time.Minute, time.Time{}, 5)

	g, err := m.Acquire(context.Background(), "GET", "/a")
	require.NoError(t, err)
	defer g.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "GET", "/a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGlobalLockBlocksAllCallers(t *testing.T) {
	t.Parallel()

	m := ratelimit.New()
	m.LockGlobal()

	var wg sync.WaitGroup
	released := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.AwaitGlobal(context.Background()))
		}()
	}
	go func() {
		wg.Wait()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("AwaitGlobal returned while global lock held")
	case <-time.After(50 * time.Millisecond):
	}

	m.UnlockGlobal()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("AwaitGlobal still blocked after global clear")
	}

	// Once clear, fresh callers must not block at all.
	require.NoError(t, m.AwaitGlobal(context.Background()))
}
