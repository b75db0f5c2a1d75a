package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRunner(t *testing.T, workers, queue int) *Runner {
	t.Helper()
	r := NewRunner(workers, queue, nil)
	r.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func waitTimeout(r *Runner, timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		r.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

func TestResult(t *testing.T) {
	assert.True(t, Ok(1).IsOk())
	assert.Equal(t, 1, Ok(1).Value)
	assert.True(t, Retryable(errors.New("x")).IsRetryable())
	assert.True(t, Fatal(errors.New("x")).IsFatal())
	assert.Equal(t, "fatal: x", Fatal(errors.New("x")).String())
}

func TestRunner_RunsTasks(t *testing.T) {
	r := startRunner(t, 4, 50)
	var count int32
	for i := 0; i < 20; i++ {
		require.NoError(t, r.Submit(Task{
			Name: "count",
			Run: func(ctx context.Context) Result {
				atomic.AddInt32(&count, 1)
				return Ok(nil)
			},
		}))
	}
	if waitTimeout(r, 2*time.Second) {
		t.Fatal("timed out waiting for tasks")
	}
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}

func TestRunner_RetriesUntilSuccess(t *testing.T) {
	r := startRunner(t, 1, 10)
	var attempts int32
	var final Result
	require.NoError(t, r.Submit(Task{
		Name:       "flaky",
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		Run: func(ctx context.Context) Result {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return Retryable(errors.New("store unavailable"))
			}
			return Ok("done")
		},
		OnDone: func(res Result) { final = res },
	}))
	if waitTimeout(r, 2*time.Second) {
		t.Fatal("timed out waiting for retries")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.True(t, final.IsOk())
	assert.Equal(t, "done", final.Value)
}

func TestRunner_RetriesAreBounded(t *testing.T) {
	r := startRunner(t, 2, 10)
	var attempts int32
	var final Result
	require.NoError(t, r.Submit(Task{
		Name:       "always-failing",
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		Run: func(ctx context.Context) Result {
			atomic.AddInt32(&attempts, 1)
			return Retryable(errors.New("classifier down"))
		},
		OnDone: func(res Result) { final = res },
	}))
	if waitTimeout(r, 2*time.Second) {
		t.Fatal("timed out waiting for retries")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts), "one attempt plus two retries")
	assert.True(t, final.IsRetryable())
}

func TestRunner_FatalIsNotRetried(t *testing.T) {
	r := startRunner(t, 1, 10)
	var attempts int32
	require.NoError(t, r.Submit(Task{
		Name:       "missing-customer",
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		Run: func(ctx context.Context) Result {
			atomic.AddInt32(&attempts, 1)
			return Fatal(errors.New("customer not found"))
		},
	}))
	if waitTimeout(r, 2*time.Second) {
		t.Fatal("timed out")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestRunner_RecoversPanics(t *testing.T) {
	r := startRunner(t, 1, 10)
	var mu sync.Mutex
	var final Result
	require.NoError(t, r.Submit(Task{
		Name:       "panics",
		MaxRetries: 2,
		Run:        func(ctx context.Context) Result { panic("boom") },
		OnDone: func(res Result) {
			mu.Lock()
			defer mu.Unlock()
			final = res
		},
	}))
	ok := false
	require.NoError(t, r.Submit(Task{
		Name: "after-panic",
		Run: func(ctx context.Context) Result {
			ok = true
			return Ok(nil)
		},
	}))
	if waitTimeout(r, 2*time.Second) {
		t.Fatal("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, final.IsFatal())
	assert.Contains(t, final.Err.Error(), "boom")
	assert.True(t, ok, "worker keeps running after a panic")
}

func TestRunner_RetryAfterStopIsDropped(t *testing.T) {
	r := NewRunner(1, 4, nil)
	r.Start(context.Background())
	require.NoError(t, r.Stop(context.Background()))

	var got Result
	r.inflight.Add(1)
	r.requeue(&job{task: Task{Name: "late", OnDone: func(res Result) { got = res }}, attempt: 1})

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return for a retry scheduled around Stop")
	}
	assert.True(t, got.IsFatal())
	assert.Empty(t, r.queue)
}

func TestRunner_QueueFullAndStopped(t *testing.T) {
	r := NewRunner(1, 1, nil)
	block := Task{Name: "queued", Run: func(ctx context.Context) Result { return Ok(nil) }}

	require.NoError(t, r.Submit(block))
	assert.ErrorIs(t, r.Submit(block), ErrQueueFull)
	assert.Error(t, r.Submit(Task{Name: "no-run"}))

	r.Start(context.Background())
	if waitTimeout(r, 2*time.Second) {
		t.Fatal("timed out")
	}
	require.NoError(t, r.Stop(context.Background()))
	assert.ErrorIs(t, r.Submit(block), ErrRunnerStopped)
}
