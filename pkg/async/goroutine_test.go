package async

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestSafeGo(t *testing.T) {
	t.Run("executes the function", func(t *testing.T) {
		executed := atomic.Bool{}

		SafeGo(context.Background(), testLogger(), time.Second, "test task", func(ctx context.Context) error {
			executed.Store(true)
			return nil
		})

		assert.Eventually(t, executed.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("errors are logged not propagated", func(t *testing.T) {
		executed := atomic.Bool{}

		SafeGo(context.Background(), testLogger(), time.Second, "test task", func(ctx context.Context) error {
			executed.Store(true)
			return errors.New("boom")
		})

		assert.Eventually(t, executed.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("recovers from panic", func(t *testing.T) {
		executed := atomic.Bool{}

		SafeGo(context.Background(), testLogger(), time.Second, "test task", func(ctx context.Context) error {
			executed.Store(true)
			panic("boom")
		})

		assert.Eventually(t, executed.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("timeout cancels the task context", func(t *testing.T) {
		timedOut := atomic.Bool{}

		SafeGo(context.Background(), testLogger(), 20*time.Millisecond, "test task", func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				timedOut.Store(true)
				return ctx.Err()
			}
		})

		assert.Eventually(t, timedOut.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("parent cancellation propagates", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		canceled := atomic.Bool{}

		SafeGo(ctx, testLogger(), time.Minute, "test task", func(ctx context.Context) error {
			<-ctx.Done()
			canceled.Store(true)
			return ctx.Err()
		})

		cancel()
		assert.Eventually(t, canceled.Load, time.Second, 5*time.Millisecond)
	})
}

func TestWorkerPoolBasic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "test pool", time.Second, testLogger())

	executed := atomic.Int32{}
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(10), executed.Load())
}

func TestWorkerPoolCollectsErrors(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "test pool", time.Second, testLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			return errors.New("task failed")
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))

	errorCount := 0
	for {
		select {
		case <-pool.Errors():
			errorCount++
		default:
			assert.Equal(t, 5, errorCount)
			return
		}
	}
}

func TestWorkerPoolShutdownDrains(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "test pool", time.Second, testLogger())

	executed := atomic.Int32{}
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			executed.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(5), executed.Load())

	// Submitting after shutdown fails.
	assert.Error(t, pool.Submit(func(ctx context.Context) error { return nil }))
}

func TestWorkerPoolTaskTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test pool", 20*time.Millisecond, testLogger())
	defer pool.Shutdown(time.Second) //nolint:errcheck

	timedOut := atomic.Bool{}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			timedOut.Store(true)
			return ctx.Err()
		}
	}))

	assert.Eventually(t, timedOut.Load, time.Second, 5*time.Millisecond)
}

func TestBatch(t *testing.T) {
	executed := atomic.Int32{}

	errs := Batch(context.Background(), []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second, testLogger(),
		func(ctx context.Context, item int) error {
			executed.Add(1)
			return nil
		})

	assert.Empty(t, errs)
	assert.Equal(t, int32(5), executed.Load())
}

func TestBatchCollectsErrors(t *testing.T) {
	errs := Batch(context.Background(), []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second, testLogger(),
		func(ctx context.Context, item int) error {
			if item%2 == 0 {
				return errors.New("even item")
			}
			return nil
		})

	assert.Len(t, errs, 2)
}

func TestBatchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	completed := atomic.Int32{}
	Batch(ctx, []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second, testLogger(),
		func(ctx context.Context, item int) error {
			// Task contexts derive from the canceled parent, so Done fires
			// before the timer.
			select {
			case <-time.After(200 * time.Millisecond):
				completed.Add(1)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

	assert.Zero(t, completed.Load())
}
