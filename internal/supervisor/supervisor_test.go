package supervisor

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_RunsTrackedGoroutine(t *testing.T) {
	s := New(context.Background(), time.Second, zerolog.Nop())

	var ran int32
	done := make(chan struct{})
	s.Go("worker-a", func(ctx context.Context) {
		atomic.StoreInt32(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	s.Stop()
}

func TestGo_CancelledContextStopsGoroutine(t *testing.T) {
	s := New(context.Background(), time.Second, zerolog.Nop())

	started := make(chan struct{})
	finished := make(chan struct{})
	s.Go("worker-b", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(finished)
	})

	<-started
	s.Stop()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not observe cancellation")
	}
}

func TestGo_RecoversPanicWithoutCrashing(t *testing.T) {
	s := New(context.Background(), time.Second, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	s.Go("panicker", func(ctx context.Context) {
		defer wg.Done()
		panic("boom")
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking goroutine never returned")
	}

	// Stop must not block or panic just because a tracked goroutine panicked.
	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung after a recovered panic")
	}
}

func TestStop_WaitsForGracefulCompletionWithinDrainTimeout(t *testing.T) {
	s := New(context.Background(), 500*time.Millisecond, zerolog.Nop())

	var exited int32
	s.Go("quick-exit", func(ctx context.Context) {
		<-ctx.Done()
		atomic.StoreInt32(&exited, 1)
	})

	s.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&exited))
}

func TestStop_IsIdempotent(t *testing.T) {
	s := New(context.Background(), 100*time.Millisecond, zerolog.Nop())
	s.Go("noop", func(ctx context.Context) { <-ctx.Done() })

	require.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}

func TestGo_AfterStopIsNoOp(t *testing.T) {
	s := New(context.Background(), 100*time.Millisecond, zerolog.Nop())
	s.Stop()

	var ran int32
	s.Go("late", func(ctx context.Context) { atomic.StoreInt32(&ran, 1) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestStop_LogsStragglerNamesOnTimeout(t *testing.T) {
	var logBuf bytes.Buffer
	s := New(context.Background(), 50*time.Millisecond, zerolog.New(&logBuf))

	release := make(chan struct{})
	s.Go("stuck-worker", func(ctx context.Context) {
		<-release
	})

	start := time.Now()
	s.Stop()
	elapsed := time.Since(start)

	// Stop must return at the drain timeout, not block forever on the stuck goroutine.
	assert.Less(t, elapsed, time.Second)
	assert.Contains(t, logBuf.String(), "stuck-worker")
	close(release)
}
