package store

import (
	"context"
	"path"

	"github.com/go-zookeeper/zk"

	"github.com/DataDog/zkrecipes/metrics"
)

// Session is a lease on the ZooKeeper session under which ephemeral znodes
// are created. Done is closed when the session expires or the client is
// closed; at that point every ephemeral znode created under the session
// must be treated as deleted, whether or not the deletion has been observed.
type Session struct {
	ID   int64
	Done <-chan struct{}
}

// Live returns whether the session is still held.
func (s Session) Live() bool {
	if s.ID == 0 {
		return false
	}
	select {
	case <-s.Done:
		return false
	default:
		return true
	}
}

// Session returns the current session. The zero ID is returned when no
// session is established.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SessionID returns the current session ID, or 0 if there is none.
func (c *Client) SessionID() int64 {
	return c.Session().ID
}

// AwaitSession blocks until a session is established, the context is done
// or the client is closed.
func (c *Client) AwaitSession(ctx context.Context) (Session, error) {
	for {
		c.mu.Lock()
		s, changed, closed := c.session, c.changed, c.closed
		c.mu.Unlock()

		switch {
		case closed:
			return Session{}, ErrClosed
		case s.Live():
			return s, nil
		}

		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-c.done:
			return Session{}, ErrClosed
		case <-changed:
		}
	}
}

// SessionChanged returns a channel that is closed the next time a session is
// established or lost.
func (c *Client) SessionChanged() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Lease records that the ephemeral znode p was created under session s. It
// returns false if s is no longer the current session, in which case the
// znode must be considered lost.
func (c *Client) Lease(s Session, p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The connection may already hold a session this client hasn't been
	// told about yet.
	if !s.Live() || c.session.ID != s.ID || c.conn.SessionID() != s.ID {
		c.tombstones[p] = struct{}{}
		return false
	}

	if c.leases[s.ID] == nil {
		c.leases[s.ID] = map[string]struct{}{}
	}
	c.leases[s.ID][p] = struct{}{}

	return true
}

// Unlease forgets p once it has been deleted.
func (c *Client) Unlease(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.leases {
		delete(l, p)
	}
	delete(c.tombstones, p)
}

// Tombstoned returns whether p was leased to a session that has since been
// lost.
func (c *Client) Tombstoned(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tombstones[p]
	return ok
}

// LiveChildren takes the parent path and a listing of its child names and
// returns the names that aren't tombstoned. Tombstones under parent that no
// longer appear in the listing are dropped.
func (c *Client) LiveChildren(parent string, names []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.tombstones) == 0 {
		return names
	}

	listed := make(map[string]struct{}, len(names))
	live := make([]string, 0, len(names))

	for _, n := range names {
		p := path.Join(parent, n)
		listed[p] = struct{}{}
		if _, dead := c.tombstones[p]; dead {
			continue
		}
		live = append(live, n)
	}

	for p := range c.tombstones {
		if path.Dir(p) != parent {
			continue
		}
		if _, ok := listed[p]; !ok {
			delete(c.tombstones, p)
		}
	}

	return live
}

// watchSession consumes the session event channel returned alongside the
// connection.
func (c *Client) watchSession(events <-chan zk.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				c.mu.Lock()
				c.expireLocked()
				c.mu.Unlock()
				return
			}

			if ev.Type != zk.EventSession {
				continue
			}

			metrics.SessionEvents.WithLabelValues(ev.State.String()).Inc()

			switch ev.State {
			case zk.StateHasSession:
				c.establish(c.conn.SessionID())
			case zk.StateExpired:
				c.logger.Warn().Msg("session expired")
				c.mu.Lock()
				c.expireLocked()
				c.mu.Unlock()
			}
		}
	}
}

func (c *Client) establish(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || id == 0 {
		return
	}
	if c.session.ID == id && c.session.Live() {
		return
	}

	// A new ID implies the previous session is gone.
	c.expireLocked()

	c.sessionEnd = make(chan struct{})
	c.session = Session{ID: id, Done: c.sessionEnd}
	c.broadcastLocked()

	c.logger.Info().Int64("session", id).Msg("session established")
}

// expireLocked ends the current session and tombstones every znode leased
// to it. c.mu must be held.
func (c *Client) expireLocked() {
	if c.session.ID == 0 {
		return
	}

	id := c.session.ID
	close(c.sessionEnd)
	c.session = Session{Done: c.sessionEnd}

	for p := range c.leases[id] {
		c.tombstones[p] = struct{}{}
	}
	delete(c.leases, id)

	c.broadcastLocked()
}

func (c *Client) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
