package zookeeper

import (
	"errors"
	"fmt"
)

var (
	// ErrLockingTimedOut is returned when a lock couldn't be acquired by the
	// context deadline.
	ErrLockingTimedOut = errors.New("attempt to acquire lock timed out")
	// ErrInvalidSeqNode is returned when sequential znodes are being parsed for
	// a trailing integer ID, but one isn't found.
	ErrInvalidSeqNode = errors.New("znode doesn't appear to be a sequential type")
	// ErrNotLocked is returned when releasing a lock that isn't held.
	ErrNotLocked = errors.New("lock is not held")
	// ErrNotLockOwner is returned when a lock is released by an owner other
	// than the one holding it.
	ErrNotLockOwner = errors.New("caller is not the lock owner")
	// ErrUpgradeForbidden is returned when a read lock holder attempts to
	// acquire the write lock of the same ReadWriteLock.
	ErrUpgradeForbidden = errors.New("read lock holder cannot acquire the write lock")
	// ErrCandidacyLost is returned when a candidacy znode disappears, usually
	// because the session that created it was lost.
	ErrCandidacyLost = errors.New("candidacy znode was lost")
	// ErrLockClosed is returned when locking through a closed handle, or when
	// Close interrupts an acquisition in flight.
	ErrLockClosed = errors.New("lock handle is closed")
)

// ErrLockingFailed is a general failure.
type ErrLockingFailed struct {
	message string
}

// Error returns an error string.
func (err ErrLockingFailed) Error() string {
	return fmt.Sprintf("attempt to acquire lock failed: %s", err.message)
}

// ErrUnlockingFailed is returned when a held lock's znode couldn't be
// removed.
type ErrUnlockingFailed struct {
	message string
}

// Error returns an error string.
func (err ErrUnlockingFailed) Error() string {
	return fmt.Sprintf("attempt to release lock failed: %s", err.message)
}
