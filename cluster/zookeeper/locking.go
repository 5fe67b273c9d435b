package zookeeper

import (
	"context"
	"errors"
	"time"

	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/DataDog/zkrecipes/metrics"
)

// cleanupTimeout bounds the removal of a candidacy that's being given up,
// independent of the caller's context.
const cleanupTimeout = 10 * time.Second

// Lock claims the lock, blocking until it's held, the context is done or the
// session is lost. A Lock call by the owner already holding the lock
// increments the hold count and returns without contacting ZooKeeper.
func (z *ZooKeeperLock) Lock(ctx context.Context) error {
	owner := OwnerFromContext(ctx)

	// Reentrant acquisition.
	if ok, err := z.reenter(owner); ok {
		if err == nil {
			metrics.LockAcquireTotal.WithLabelValues(z.Path, z.kind, "reentrant").Inc()
		}
		return err
	}

	if z.rw != nil && z.rw.forbidsUpgrade(z, owner) {
		return ErrUpgradeForbidden
	}

	ctx, done, err := z.track(ctx)
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()

	span, ctx := tracer.StartSpanFromContext(ctx, "zookeeper.lock",
		tracer.ResourceName(z.Path),
		tracer.Tag("lock.kind", z.kind),
	)

	err = z.lock(ctx, owner)

	span.Finish(tracer.WithError(err))
	metrics.LockAcquireDuration.WithLabelValues(z.Path, z.kind).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.LockAcquireTotal.WithLabelValues(z.Path, z.kind, "success").Inc()
		metrics.LocksHeld.WithLabelValues(z.Path, z.kind).Inc()
	case errors.Is(err, ErrLockingTimedOut), errors.Is(err, context.Canceled):
		metrics.LockAcquireTotal.WithLabelValues(z.Path, z.kind, "timeout").Inc()
	default:
		metrics.LockAcquireTotal.WithLabelValues(z.Path, z.kind, "failure").Inc()
	}

	return err
}

// track registers an acquisition so Close can interrupt it. The returned
// func must be called once the acquisition is over.
func (z *ZooKeeperLock) track(ctx context.Context) (context.Context, func(), error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.closed {
		return ctx, nil, ErrLockClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	id := z.waiterID
	z.waiterID++
	z.waiters[id] = cancel
	z.inflight.Add(1)

	return ctx, func() {
		z.mu.Lock()
		delete(z.waiters, id)
		z.mu.Unlock()

		cancel()
		z.inflight.Done()
	}, nil
}

func (z *ZooKeeperLock) lock(ctx context.Context, owner string) error {
	// Funnel local contenders; shared handles give each owner its own
	// candidacy but can't tell anonymous callers apart.
	funneled := !z.shared || owner == ""
	release := func() {
		if funneled {
			z.sem.Release(1)
		}
	}

	if funneled {
		if err := z.sem.Acquire(ctx, 1); err != nil {
			return z.interrupted(ctx)
		}
	}

	// Enter the claim into ZooKeeper.
	cand, err := z.seq.Enter(ctx, z.id)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return z.interrupted(ctx)
		}
		if errors.Is(err, ErrCandidacyLost) {
			return err
		}
		return ErrLockingFailed{message: err.Error()}
	}

	log := z.logger.With().Str("znode", cand.Path).Logger()
	log.Debug().Msg("candidacy created")

	// A write holder taking the read lock doesn't queue behind itself.
	if z.rw == nil || !z.rw.degrades(z, owner) {
		if err := z.seq.Wait(ctx, cand, z.blockedBy); err != nil {
			log.Debug().Err(err).Msg("acquisition failed")

			// Don't leave a phantom contender behind.
			if lerr := z.abandon(cand); lerr != nil {
				release()
				log.Error().Err(lerr).Msg("failed to remove candidacy")
				return ErrLockingFailed{message: lerr.Error()}
			}
			release()

			if ctx.Err() != nil {
				return z.interrupted(ctx)
			}
			return err
		}
	}

	z.mu.Lock()

	if z.closed {
		z.mu.Unlock()
		err := z.abandon(cand)
		release()
		if err != nil {
			return ErrLockingFailed{message: err.Error()}
		}
		return ErrLockClosed
	}

	// A concurrent call by the same owner won the race; join its hold.
	if h, ok := z.holds[owner]; ok && owner != "" {
		h.count++
		z.mu.Unlock()
		if err := z.abandon(cand); err != nil {
			log.Warn().Err(err).Msg("failed to remove duplicate candidacy")
		}
		release()
		return nil
	}

	z.holds[owner] = &hold{cand: cand, count: 1, funneled: funneled}
	z.mu.Unlock()

	log.Info().Msg("lock acquired")

	return nil
}

// abandon removes a candidacy that won't be held. It retries transient
// failures under its own deadline so a done caller context can't skip it.
func (z *ZooKeeperLock) abandon(cand Candidacy) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	return z.c.Retry(ctx, func() error {
		return z.seq.Leave(cand)
	})
}

// interrupted maps a done context to the error Lock returns.
func (z *ZooKeeperLock) interrupted(ctx context.Context) error {
	z.mu.RLock()
	closed := z.closed
	z.mu.RUnlock()

	if closed && errors.Is(ctx.Err(), context.Canceled) {
		return ErrLockClosed
	}
	return contextError(ctx)
}

// reenter increments the hold count if owner already holds the lock. The
// first return value reports whether the call was handled.
func (z *ZooKeeperLock) reenter(owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	h, ok := z.holds[owner]
	if !ok {
		return false, nil
	}

	if !h.cand.Session.Live() {
		return true, ErrCandidacyLost
	}

	h.count++

	return true, nil
}

// Unlock releases one hold of the lock. The candidacy znode is removed once
// every hold taken by the owner has been released.
func (z *ZooKeeperLock) Unlock(ctx context.Context) error {
	owner := OwnerFromContext(ctx)

	z.mu.Lock()

	if len(z.holds) == 0 {
		z.mu.Unlock()
		return ErrNotLocked
	}

	h, ok := z.holds[owner]
	if !ok {
		z.mu.Unlock()
		return ErrNotLockOwner
	}

	h.count--
	if h.count > 0 {
		z.mu.Unlock()
		return nil
	}

	delete(z.holds, owner)
	z.mu.Unlock()

	return z.release(ctx, h)
}

// release removes a hold's candidacy znode. The hold must already be
// detached from the handle.
func (z *ZooKeeperLock) release(ctx context.Context, h *hold) error {
	metrics.LocksHeld.WithLabelValues(z.Path, z.kind).Dec()

	// Leave is a no-op once the session is gone.
	err := z.c.Retry(ctx, func() error {
		return z.seq.Leave(h.cand)
	})

	if h.funneled {
		z.sem.Release(1)
	}

	if err != nil {
		z.logger.Error().Err(err).Str("znode", h.cand.Path).Msg("failed to release lock")
		return ErrUnlockingFailed{message: err.Error()}
	}

	metrics.LockReleaseTotal.WithLabelValues(z.Path, z.kind).Inc()
	z.logger.Info().Str("znode", h.cand.Path).Msg("lock released")

	return nil
}

// Acquire is Lock bounded by timeout. It returns false without an error if
// the lock couldn't be acquired in time; the candidacy znode has been
// removed by the time it returns.
func (z *ZooKeeperLock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch err := z.Lock(ctx); {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrLockingTimedOut):
		return false, nil
	default:
		return false, err
	}
}

// IsHeld returns whether the lock is held through this handle under a live
// session.
func (z *ZooKeeperLock) IsHeld() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()

	for _, h := range z.holds {
		if h.cand.Session.Live() {
			return true
		}
	}
	return false
}

// HeldBy returns whether owner holds the lock through this handle. Anonymous
// holds are never attributed to an owner.
func (z *ZooKeeperLock) HeldBy(owner string) bool {
	if owner == "" {
		return false
	}

	z.mu.RLock()
	defer z.mu.RUnlock()

	_, ok := z.holds[owner]
	return ok
}

// heldAnonymously returns whether an anonymous caller holds the lock.
func (z *ZooKeeperLock) heldAnonymously() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()

	_, ok := z.holds[""]
	return ok
}

// latest returns the most recently entered hold. z.mu must be held.
func (z *ZooKeeperLock) latest() *hold {
	var last *hold
	for _, h := range z.holds {
		if last == nil || h.cand.ID > last.cand.ID {
			last = h
		}
	}
	return last
}

// Lost returns a channel that's closed when the session the lock was
// acquired under is lost. It returns nil if the lock isn't held. On a shared
// handle it follows the most recent hold.
func (z *ZooKeeperLock) Lost() <-chan struct{} {
	z.mu.RLock()
	defer z.mu.RUnlock()

	if h := z.latest(); h != nil {
		return h.cand.Session.Done
	}
	return nil
}

// LockZnode returns the path of the held candidacy znode, or "". On a shared
// handle it's the most recent hold's.
func (z *ZooKeeperLock) LockZnode() string {
	z.mu.RLock()
	defer z.mu.RUnlock()

	if h := z.latest(); h != nil {
		return h.cand.Path
	}
	return ""
}

// Close interrupts acquisitions in flight and releases every hold regardless
// of its count. Lock calls made after Close fail with ErrLockClosed.
func (z *ZooKeeperLock) Close() error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil
	}

	z.closed = true
	for _, cancel := range z.waiters {
		cancel()
	}
	z.mu.Unlock()

	// Interrupted acquisitions remove their candidacies before returning.
	z.inflight.Wait()

	z.mu.Lock()
	holds := z.holds
	z.holds = make(map[string]*hold)
	z.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var first error
	for _, h := range holds {
		if err := z.release(ctx, h); err != nil && first == nil {
			first = err
		}
	}

	return first
}
