package zookeeper

import (
	"github.com/DataDog/zkrecipes/store"
)

// ReadWriteLock is a pair of locks sharing one contention path. Any number
// of read holders may coexist as long as no write candidate precedes them;
// a write holder excludes everyone.
//
// The read handle is shared: each owner holds its own read candidacy, so
// concurrent readers in one process can use the same ReadWriteLock.
// Anonymous readers can't be told apart and take turns on the handle.
//
// An owner holding the write lock may also take the read lock. An owner
// holding only the read lock can't take the write lock; doing so would
// queue behind its own read candidacy, so it fails with ErrUpgradeForbidden.
// Anonymous callers are treated as one owner for this check: WriteLock
// without an owner fails while the read lock is held anonymously. An
// anonymous write holder can't take the read lock without queueing behind
// itself.
type ReadWriteLock struct {
	Path  string
	read  *ZooKeeperLock
	write *ZooKeeperLock
}

// NewReadWriteLock takes a *store.Client and ZooKeeperLockConfig and returns
// a *ReadWriteLock.
func NewReadWriteLock(c *store.Client, cfg ZooKeeperLockConfig) (*ReadWriteLock, error) {
	rw := &ReadWriteLock{Path: cfg.Path}

	// Reads wait only on the closest write ahead; writes wait on anything.
	rw.read = newLock(c, cfg, ReadMarker, BlockedByMarker(WriteMarker))
	rw.write = newLock(c, cfg, WriteMarker, Exclusive)
	rw.read.rw = rw
	rw.read.shared = true
	rw.write.rw = rw

	return rw, rw.write.init()
}

// ReadLock returns the shared lock handle.
func (rw *ReadWriteLock) ReadLock() *ZooKeeperLock {
	return rw.read
}

// WriteLock returns the exclusive lock handle.
func (rw *ReadWriteLock) WriteLock() *ZooKeeperLock {
	return rw.write
}

// Close releases both handles.
func (rw *ReadWriteLock) Close() error {
	rerr := rw.read.Close()
	werr := rw.write.Close()

	if rerr != nil {
		return rerr
	}
	return werr
}

// forbidsUpgrade returns whether owner is attempting to take the write lock
// while holding only the read lock.
func (rw *ReadWriteLock) forbidsUpgrade(z *ZooKeeperLock, owner string) bool {
	if z != rw.write {
		return false
	}
	if owner == "" {
		return rw.read.heldAnonymously()
	}
	return rw.read.HeldBy(owner) && !rw.write.HeldBy(owner)
}

// degrades returns whether owner is taking the read lock while holding the
// write lock.
func (rw *ReadWriteLock) degrades(z *ZooKeeperLock, owner string) bool {
	return z == rw.read && rw.write.HeldBy(owner)
}
