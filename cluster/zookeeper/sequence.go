package zookeeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/DataDog/zkrecipes/store"
)

// Candidacy markers.
const (
	LockMarker  = "lock-"
	ReadMarker  = "read-"
	WriteMarker = "write-"
	LatchMarker = "latch-"
)

// Candidacy is a candidacy znode along with the session it was leased to.
type Candidacy struct {
	Path    string
	ID      int
	Session store.Session
}

// BlockedBy takes the current entries and a candidacy ID and returns the
// ID of the entry the candidacy must wait on, or false if it isn't blocked.
type BlockedBy func(le LockEntries, id int) (int, bool)

// Exclusive blocks on the entry immediately ahead, regardless of marker.
func Exclusive(le LockEntries, id int) (int, bool) {
	ahead, err := le.LockAhead(id)
	return ahead, err == nil
}

// BlockedByMarker blocks on the closest entry ahead that carries marker.
func BlockedByMarker(marker string) BlockedBy {
	return func(le LockEntries, id int) (int, bool) {
		ahead, err := le.LockAheadWithMarker(id, marker)
		return ahead, err == nil
	}
}

// Sequence implements the sequential znode ordering protocol for one
// contention path: entering creates an ephemeral, sequential candidacy
// znode; rank is its position among siblings sorted by sequence number.
type Sequence struct {
	c      *store.Client
	Path   string
	marker string
}

// NewSequence returns a Sequence creating candidacy znodes named with the
// given marker under path.
func NewSequence(c *store.Client, path, marker string) *Sequence {
	return &Sequence{c: c, Path: path, marker: marker}
}

// Enter creates a candidacy znode carrying data. Missing parents of the
// contention path are created.
func (s *Sequence) Enter(ctx context.Context, data []byte) (Candidacy, error) {
	sess, err := s.c.AwaitSession(ctx)
	if err != nil {
		return Candidacy{}, err
	}

	lockPath := fmt.Sprintf("%s/%s", s.Path, s.marker)

	node, err := s.c.CreateProtectedEphemeralSequential(lockPath, data)
	if store.IsNoNode(err) {
		if err = s.c.CreateParents(s.Path); err == nil {
			node, err = s.c.CreateProtectedEphemeralSequential(lockPath, data)
		}
	}
	if err != nil {
		return Candidacy{}, err
	}

	// Get our claim ID.
	id, err := idFromZnode(node)
	if err != nil {
		s.c.Delete(node, -1)
		return Candidacy{}, err
	}

	if !s.c.Lease(sess, node) {
		// The session changed under us; the znode, if it survived, belongs
		// to a session we no longer hold.
		s.c.Delete(node, -1)
		return Candidacy{}, ErrCandidacyLost
	}

	return Candidacy{Path: node, ID: id, Session: sess}, nil
}

// Entries returns all live candidacy znodes under the contention path.
// Znodes leased to lost sessions are excluded.
func (s *Sequence) Entries() (LockEntries, error) {
	var locks = newLockEntries()

	// Get all nodes in the lock path.
	nodes, _, err := s.c.Children(s.Path)
	if err != nil {
		if store.IsNoNode(err) {
			return locks, nil
		}
		return locks, err
	}

	for _, n := range s.c.LiveChildren(s.Path, nodes) {
		locks.add(s.Path, n)
	}
	locks.sort()

	return locks, nil
}

// Rank returns the position of the candidacy among the live entries.
func (s *Sequence) Rank(cand Candidacy) (int, LockEntries, error) {
	le, err := s.Entries()
	if err != nil {
		return -1, le, err
	}

	r := le.Rank(cand.ID)
	if r < 0 || !cand.Session.Live() {
		return -1, le, ErrCandidacyLost
	}

	return r, le, nil
}

// Leave deletes the candidacy znode. Leaving a candidacy whose session was
// lost is a no-op; the ensemble removes the znode.
func (s *Sequence) Leave(cand Candidacy) error {
	if cand.Path == "" {
		return nil
	}

	if !cand.Session.Live() {
		return nil
	}

	err := s.c.Delete(cand.Path, -1)
	if err != nil && !store.IsNoNode(err) {
		return err
	}

	s.c.Unlease(cand.Path)

	return nil
}

// Wait blocks until the candidacy is no longer blocked by any entry ahead
// of it. Only the blocking entry is watched, so releasing a lock wakes a
// single waiter. ErrLockingTimedOut is returned if the context deadline
// passes, ErrCandidacyLost if the candidacy znode disappears.
func (s *Sequence) Wait(ctx context.Context, cand Candidacy, blockedBy BlockedBy) error {
	for {
		select {
		case <-cand.Session.Done:
			return ErrCandidacyLost
		default:
		}

		// Get all current locks.
		locks, err := s.Entries()
		if err != nil {
			return ErrLockingFailed{message: err.Error()}
		}

		if locks.Rank(cand.ID) < 0 {
			return ErrCandidacyLost
		}

		// If we aren't blocked, we have the claim.
		lockAhead, blocked := blockedBy(locks, cand.ID)
		if !blocked {
			return nil
		}

		lockAheadPath, err := locks.LockPath(lockAhead)
		if err != nil {
			return ErrLockingFailed{message: err.Error()}
		}

		_, _, blockingLockReleased, err := s.c.GetW(lockAheadPath)
		switch {
		case store.IsNoNode(err):
			// The lock ahead went away before the watch was set; the next
			// listing will show fewer entries ahead of us.
			continue
		case err != nil:
			return ErrLockingFailed{message: err.Error()}
		}

		// Race the watch event against the context timeout.
		select {
		case <-ctx.Done():
			return contextError(ctx)
		case <-cand.Session.Done:
			return ErrCandidacyLost
		case <-blockingLockReleased:
			continue
		}
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrLockingTimedOut
	}
	return ctx.Err()
}
