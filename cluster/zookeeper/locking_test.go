package zookeeper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/zkrecipes/internal/ztest"
	"github.com/DataDog/zkrecipes/store/stub"
)

func TestLock(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())
	lock := newTestLock(t, s, "/locks")

	ctx, cf := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cf()

	// This lock should succeed normally.
	err := lock.Lock(ctx)
	assert.Nil(t, err)
	assert.True(t, lock.IsHeld())

	// This lock should time out; anonymous callers aren't reentrant.
	err2 := lock.Lock(ctx)
	assert.Equal(t, ErrLockingTimedOut, err2, "Expected ErrLockingTimedOut")

	// Only the first candidacy exists.
	assert.Len(t, children(t, s, "/locks"), 1)
}

func TestLockSameOwner(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())
	lock := newTestLock(t, s, "/locks")

	ctx, cf := context.WithTimeout(context.Background(), 1*time.Second)
	defer cf()
	ctx = WithOwner(ctx, "owner")

	// This lock should succeed normally.
	err := lock.Lock(ctx)
	assert.Nil(t, err)
	znode := lock.LockZnode()

	// This should also succeed because we have the same instance, same owner.
	err = lock.Lock(ctx)
	assert.Nil(t, err)
	assert.Equal(t, znode, lock.LockZnode())
	assert.Len(t, children(t, s, "/locks"), 1)

	// The first release keeps the lock.
	assert.Nil(t, lock.Unlock(ctx))
	assert.True(t, lock.IsHeld())
	assert.Len(t, children(t, s, "/locks"), 1)

	// The second removes the candidacy.
	assert.Nil(t, lock.Unlock(ctx))
	assert.False(t, lock.IsHeld())
	assert.Empty(t, children(t, s, "/locks"))

	assert.Equal(t, ErrNotLocked, lock.Unlock(ctx))
}

func TestUnlock(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())
	lock := newTestLock(t, s, "/locks")

	ctx, cf := context.WithTimeout(context.Background(), 1*time.Second)
	defer cf()

	assert.Equal(t, ErrNotLocked, lock.Unlock(ctx))

	// This lock should succeed normally.
	err := lock.Lock(ctx)
	assert.Nil(t, err)

	// Release the first lock.
	err = lock.Unlock(ctx)
	assert.Nil(t, err)

	// This lock should succeed.
	err = lock.Lock(ctx)
	assert.Nil(t, err)
}

func TestUnlockNotOwner(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())
	lock := newTestLock(t, s, "/locks")

	ctx := context.Background()

	require.Nil(t, lock.Lock(WithOwner(ctx, "a")))

	assert.Equal(t, ErrNotLockOwner, lock.Unlock(WithOwner(ctx, "b")))
	assert.Equal(t, ErrNotLockOwner, lock.Unlock(ctx))
	assert.True(t, lock.IsHeld())

	assert.Nil(t, lock.Unlock(WithOwner(ctx, "a")))
}

func TestLockTimeoutCleansUp(t *testing.T) {
	srv := stub.NewServer()
	a := newTestLock(t, ztest.Connect(t, srv), "/res")
	s := ztest.Connect(t, srv)
	b := newTestLock(t, s, "/res")

	require.Nil(t, a.Lock(context.Background()))

	ok, err := b.Acquire(context.Background(), 50*time.Millisecond)
	assert.Nil(t, err)
	assert.False(t, ok)
	assert.False(t, b.IsHeld())

	// b's candidacy was removed before Acquire returned.
	assert.Len(t, children(t, s, "/res"), 1)

	// The funnel was released.
	require.Nil(t, a.Unlock(context.Background()))
	ok, err = b.Acquire(context.Background(), time.Second)
	assert.Nil(t, err)
	assert.True(t, ok)
}

func TestLockHandOff(t *testing.T) {
	srv := stub.NewServer()
	a := newTestLock(t, ztest.Connect(t, srv), "/res")
	b := newTestLock(t, ztest.Connect(t, srv), "/res")

	ok, err := a.Acquire(context.Background(), 10*time.Second)
	require.Nil(t, err)
	require.True(t, ok)

	acquired := make(chan time.Time, 1)
	go func() {
		ok, err := b.Acquire(context.Background(), 10*time.Second)
		if err == nil && ok {
			acquired <- time.Now()
		}
		close(acquired)
	}()

	// b is queued behind a.
	select {
	case <-acquired:
		t.Fatal("b acquired while a held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	released := time.Now()
	require.Nil(t, a.Unlock(context.Background()))

	select {
	case at, ok := <-acquired:
		require.True(t, ok, "b failed to acquire")
		assert.Less(t, at.Sub(released), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("b didn't acquire after a released")
	}
}

func TestLockFIFO(t *testing.T) {
	const n = 5

	srv := stub.NewServer()
	s := ztest.Connect(t, srv)
	first := newTestLock(t, s, "/fifo")
	require.Nil(t, first.Lock(context.Background()))

	var (
		mu      sync.Mutex
		order   []int
		holders int32
		wg      sync.WaitGroup
	)

	for i := 0; i < n; i++ {
		lock := newTestLock(t, ztest.Connect(t, srv), "/fifo")
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := lock.Lock(ctx); err != nil {
				t.Errorf("contender %d: %s", i, err)
				return
			}

			if atomic.AddInt32(&holders, 1) > 1 {
				t.Errorf("contender %d: more than one holder", i)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)

			if err := lock.Unlock(ctx); err != nil {
				t.Errorf("contender %d: %s", i, err)
			}
		}(i)

		// Enter contenders one at a time so creation order is known.
		assert.Eventually(t, func() bool {
			return len(children(t, s, "/fifo")) == i+2
		}, time.Second, time.Millisecond)
	}

	require.Nil(t, first.Unlock(context.Background()))
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Empty(t, children(t, s, "/fifo"))
}

func TestLockSessionLoss(t *testing.T) {
	srv := stub.NewServer()
	sa := ztest.Connect(t, srv)
	a := newTestLock(t, sa, "/res")
	b := newTestLock(t, ztest.Connect(t, srv), "/res")

	require.Nil(t, a.Lock(context.Background()))
	lost := a.Lost()
	require.NotNil(t, lost)

	done := make(chan error, 1)
	go func() { done <- b.Lock(context.Background()) }()

	// Wait for b's candidacy, then expire a's session.
	assert.Eventually(t, func() bool {
		return len(children(t, sa, "/res")) == 2
	}, time.Second, time.Millisecond)
	sa.Conn.Expire()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lost channel not closed")
	}
	assert.False(t, a.IsHeld())

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("b didn't acquire after a's session expired")
	}

	// Releasing a lock lost with its session doesn't touch b's candidacy.
	assert.Nil(t, a.Unlock(context.Background()))
	assert.True(t, b.IsHeld())
}

func TestLockWaiterSessionLoss(t *testing.T) {
	srv := stub.NewServer()
	a := newTestLock(t, ztest.Connect(t, srv), "/res")
	sb := ztest.Connect(t, srv)
	b := newTestLock(t, sb, "/res")

	require.Nil(t, a.Lock(context.Background()))

	done := make(chan error, 1)
	go func() { done <- b.Lock(context.Background()) }()

	assert.Eventually(t, func() bool {
		return len(children(t, sb, "/res")) == 2
	}, time.Second, time.Millisecond)
	sb.Conn.Expire()

	select {
	case err := <-done:
		assert.Equal(t, ErrCandidacyLost, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter hung after session loss")
	}
	assert.False(t, b.IsHeld())
}

func TestLockFailure(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())
	lock := newTestLock(t, s, "/locks")

	s.Conn.FailNext(1, stub.ErrInvalidPath)

	err := lock.Lock(context.Background())
	assert.IsType(t, ErrLockingFailed{}, err)
	assert.False(t, lock.IsHeld())

	// The handle is usable afterwards.
	assert.Nil(t, lock.Lock(context.Background()))
}

func TestLockClose(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())
	lock := newTestLock(t, s, "/locks")

	ctx := WithOwner(context.Background(), "owner")
	require.Nil(t, lock.Lock(ctx))
	require.Nil(t, lock.Lock(ctx))

	// Close releases every hold at once.
	assert.Nil(t, lock.Close())
	assert.False(t, lock.IsHeld())
	assert.Empty(t, children(t, s, "/locks"))

	// Closing again is a no-op.
	assert.Nil(t, lock.Close())
	assert.Equal(t, ErrNotLocked, lock.Unlock(ctx))
}

func TestLockTimeoutCleanupRetried(t *testing.T) {
	srv := stub.NewServer()
	a := newTestLock(t, ztest.Connect(t, srv), "/res")
	s := ztest.Connect(t, srv)
	b := newTestLock(t, s, "/res")

	require.Nil(t, a.Lock(context.Background()))

	result := make(chan bool, 1)
	go func() {
		ok, err := b.Acquire(context.Background(), 300*time.Millisecond)
		assert.Nil(t, err)
		result <- ok
	}()

	// b is parked on a watch of a's candidacy.
	assert.Eventually(t, func() bool {
		return srv.WatchCount(a.LockZnode()) == 1
	}, time.Second, time.Millisecond)

	// The removal of b's candidacy hits a transient failure.
	s.Conn.FailNext(1, zk.ErrConnectionClosed)

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire didn't return")
	}

	assert.Len(t, children(t, s, "/res"), 1)
	assert.False(t, b.IsHeld())
}

func TestLockCleanupFailure(t *testing.T) {
	srv := stub.NewServer()
	a := newTestLock(t, ztest.Connect(t, srv), "/res")
	s := ztest.Connect(t, srv)
	b := newTestLock(t, s, "/res")

	require.Nil(t, a.Lock(context.Background()))

	result := make(chan error, 1)
	go func() {
		_, err := b.Acquire(context.Background(), 100*time.Millisecond)
		result <- err
	}()

	assert.Eventually(t, func() bool {
		return srv.WatchCount(a.LockZnode()) == 1
	}, time.Second, time.Millisecond)

	// A permanent failure isn't reported as a plain timeout.
	s.Conn.FailNext(1, zk.ErrNotEmpty)

	select {
	case err := <-result:
		assert.IsType(t, ErrLockingFailed{}, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire didn't return")
	}
}

func TestLockCloseDuringAcquire(t *testing.T) {
	srv := stub.NewServer()
	a := newTestLock(t, ztest.Connect(t, srv), "/res")
	s := ztest.Connect(t, srv)
	b := newTestLock(t, s, "/res")

	require.Nil(t, a.Lock(context.Background()))

	done := make(chan error, 1)
	go func() { done <- b.Lock(context.Background()) }()

	assert.Eventually(t, func() bool {
		return len(children(t, s, "/res")) == 2
	}, time.Second, time.Millisecond)

	// Close returns once the interrupted candidacy is gone.
	assert.Nil(t, b.Close())
	assert.Len(t, children(t, s, "/res"), 1)

	select {
	case err := <-done:
		assert.Equal(t, ErrLockClosed, err)
	case <-time.After(time.Second):
		t.Fatal("Lock wasn't interrupted by Close")
	}
	assert.False(t, b.IsHeld())

	assert.Equal(t, ErrLockClosed, b.Lock(context.Background()))
	assert.Len(t, children(t, s, "/res"), 1)

	// a is unaffected.
	assert.True(t, a.IsHeld())
}
