package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestGetOrComputeCachesWithinTTL(t *testing.T) {
	c := NewAggregateCache(time.Minute, time.Second, testLogger())

	var calls int32
	fn := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "value", nil
	}

	v, err := c.GetOrCompute(context.Background(), "summary", 0, fn)
	require.NoError(t, err)
	require.Equal(t, "value", v)

	v, err = c.GetOrCompute(context.Background(), "summary", 0, fn)
	require.NoError(t, err)
	require.Equal(t, "value", v)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrComputeRecomputesAfterTTL(t *testing.T) {
	c := NewAggregateCache(time.Minute, time.Second, testLogger())

	var calls int32
	fn := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	v, err := c.GetOrCompute(context.Background(), "summary", 10*time.Millisecond, fn)
	require.NoError(t, err)
	require.Equal(t, int32(1), v)

	time.Sleep(20 * time.Millisecond)

	v, err = c.GetOrCompute(context.Background(), "summary", 10*time.Millisecond, fn)
	require.NoError(t, err)
	require.Equal(t, int32(2), v)
}

// Concurrent callers for the same key share one computation
func TestGetOrComputeSingleFlight(t *testing.T) {
	c := NewAggregateCache(time.Minute, 5*time.Second, testLogger())

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 10)
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := c.GetOrCompute(context.Background(), "summary", 0, fn)
		require.NoError(t, err)
		results[0] = v
	}()
	<-started

	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "summary", 0, fn)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		require.Equal(t, "shared", v)
	}
}

func TestInvalidateForcesRecompute(t *testing.T) {
	c := NewAggregateCache(time.Minute, time.Second, testLogger())

	var calls int32
	fn := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	v, err := c.GetOrCompute(context.Background(), "summary", 0, fn)
	require.NoError(t, err)
	require.Equal(t, int32(1), v)

	c.Invalidate("summary")

	v, err = c.GetOrCompute(context.Background(), "summary", 0, fn)
	require.NoError(t, err)
	require.Equal(t, int32(2), v)
}

// A value computed against a snapshot invalidated mid-flight must not be
// cached; the next read recomputes
func TestStaleWriteRejection(t *testing.T) {
	c := NewAggregateCache(time.Minute, 5*time.Second, testLogger())

	computing := make(chan struct{})
	release := make(chan struct{})
	first := func(ctx context.Context) (interface{}, error) {
		close(computing)
		<-release
		return "stale", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := c.GetOrCompute(context.Background(), "summary", 0, first)
		// The computing caller still gets its own result back
		require.NoError(t, err)
		require.Equal(t, "stale", v)
	}()

	<-computing
	c.Invalidate("summary")
	close(release)
	<-done

	v, err := c.GetOrCompute(context.Background(), "summary", 0, func(ctx context.Context) (interface{}, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", v)
}

// Errors propagate and are never cached
func TestComputeErrorNotCached(t *testing.T) {
	c := NewAggregateCache(time.Minute, time.Second, testLogger())

	boom := errors.New("boom")
	_, err := c.GetOrCompute(context.Background(), "summary", 0, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrCompute(context.Background(), "summary", 0, func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", v)
}

// A waiter stuck behind a hung computation falls back to its own after
// the bounded wait
func TestWaiterFallsBackAfterTimeout(t *testing.T) {
	c := NewAggregateCache(time.Minute, 20*time.Millisecond, testLogger())

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		c.GetOrCompute(context.Background(), "summary", 0, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "slow", nil
		})
	}()
	<-started

	v, err := c.GetOrCompute(context.Background(), "summary", 0, func(ctx context.Context) (interface{}, error) {
		return "fallback", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fallback", v)

	close(release)
}

func TestWaiterRespectsContext(t *testing.T) {
	c := NewAggregateCache(time.Minute, time.Minute, testLogger())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		c.GetOrCompute(context.Background(), "summary", 0, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "slow", nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.GetOrCompute(ctx, "summary", 0, func(ctx context.Context) (interface{}, error) {
		return "never", nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidateAll(t *testing.T) {
	c := NewAggregateCache(time.Minute, time.Second, testLogger())

	var calls int32
	fn := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	_, err := c.GetOrCompute(context.Background(), "a", 0, fn)
	require.NoError(t, err)
	_, err = c.GetOrCompute(context.Background(), "b", 0, fn)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	c.InvalidateAll()
	require.Zero(t, c.Len())

	_, err = c.GetOrCompute(context.Background(), "a", 0, fn)
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
