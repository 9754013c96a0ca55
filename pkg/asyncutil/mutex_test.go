package asyncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexExcludesConcurrentHolders(t *testing.T) {
	var mu Mutex
	var counter int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mu.WithLock(context.Background(), func() error {
				cur := atomic.AddInt32(&counter, 1)
				defer atomic.AddInt32(&counter, -1)
				if cur != 1 {
					t.Errorf("expected exclusive access, got concurrent count %d", cur)
				}
				time.Sleep(time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestMutexReleasesOnError(t *testing.T) {
	var mu Mutex
	err := mu.WithLock(context.Background(), func() error {
		return assert.AnError
	})
	require.Error(t, err)

	unlock, lockErr := mu.Lock(context.Background())
	require.NoError(t, lockErr)
	unlock()
}

func TestMutexReleasesOnPanic(t *testing.T) {
	var mu Mutex

	func() {
		defer func() { _ = recover() }()
		_ = mu.WithLock(context.Background(), func() error {
			panic("boom")
		})
	}()

	unlock, lockErr := mu.Lock(context.Background())
	require.NoError(t, lockErr)
	unlock()
}

func TestMutexQueuedWaitersAllAcquire(t *testing.T) {
	var mu Mutex

	first, err := mu.Lock(context.Background())
	require.NoError(t, err)

	const waiters = 5
	order := make(chan int, waiters)
	var starts sync.WaitGroup
	starts.Add(waiters)

	for i := 0; i < waiters; i++ {
		go func(i int) {
			starts.Done()
			unlock, err := mu.Lock(context.Background())
			if err != nil {
				return
			}
			order <- i
			unlock()
		}(i)
	}

	starts.Wait()
	time.Sleep(20 * time.Millisecond) // let all goroutines queue up on the channel
	first()

	for i := 0; i < waiters; i++ {
		select {
		case <-order:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never acquired the lock", i)
		}
	}
}

func TestMutexTryLock(t *testing.T) {
	var mu Mutex
	unlock, ok := mu.TryLock()
	require.True(t, ok)

	_, ok = mu.TryLock()
	assert.False(t, ok)

	unlock()

	unlock2, ok := mu.TryLock()
	require.True(t, ok)
	unlock2()
}

func TestMutexContextCancellation(t *testing.T) {
	var mu Mutex
	unlock, err := mu.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, lockErr := mu.Lock(ctx)
	assert.ErrorIs(t, lockErr, context.DeadlineExceeded)
}

func TestMutexNotReentrant(t *testing.T) {
	var mu Mutex
	unlock, err := mu.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, reentrantErr := mu.Lock(ctx)
	assert.Error(t, reentrantErr, "a second Lock from the same goroutine must not succeed reentrantly")
}
