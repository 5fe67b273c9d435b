package stub

import (
	"fmt"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

const protectedPrefix = "_c_"

// Conn is a client session against a Server.
type Conn struct {
	srv     *Server
	session int64
	state   zk.State
	events  chan zk.Event
	failing []error
	closed  bool
}

// SessionID returns the current session ID, or 0 after Close.
func (c *Conn) SessionID() int64 {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.session
}

// State returns the connection state.
func (c *Conn) State() zk.State {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.state
}

// Expire ends the session as if the ensemble had expired it, then
// establishes a fresh session the way the real client reconnects. Ephemeral
// znodes are deleted and outstanding watches receive EventNotWatching.
func (c *Conn) Expire() {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return
	}

	s.closeSessionLocked(c, zk.ErrSessionExpired)
	c.sendLocked(zk.Event{Type: zk.EventSession, State: zk.StateExpired, Err: zk.ErrSessionExpired})
	s.openSessionLocked(c)
}

// FailNext makes the next n operations on the Conn return err.
func (c *Conn) FailNext(n int, err error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	for i := 0; i < n; i++ {
		c.failing = append(c.failing, err)
	}
}

// Close ends the session and closes the event channel.
func (c *Conn) Close() {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return
	}

	s.closeSessionLocked(c, zk.ErrClosing)
	c.closed = true
	c.state = zk.StateDisconnected
	close(c.events)
}

// Create creates a znode. Sequential znodes have a ten digit counter
// appended to their name.
func (c *Conn) Create(p string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	if err := validatePath(p); err != nil {
		return "", err
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return "", err
	}

	return c.srv.createLocked(c, p, data, flags)
}

// CreateProtectedEphemeralSequential mirrors the zk client: the znode name
// is prefixed with "_c_<guid>-".
func (c *Conn) CreateProtectedEphemeralSequential(p string, data []byte, acl []zk.ACL) (string, error) {
	guid := strings.ReplaceAll(uuid.NewString(), "-", "")

	parts := strings.Split(p, "/")
	parts[len(parts)-1] = fmt.Sprintf("%s%s-%s", protectedPrefix, guid, parts[len(parts)-1])

	return c.Create(strings.Join(parts, "/"), data, zk.FlagEphemeral|zk.FlagSequence, acl)
}

// Delete deletes the znode at p if its version matches.
func (c *Conn) Delete(p string, version int32) error {
	if err := validatePath(p); err != nil {
		return err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return err
	}

	n, ok := s.nodes[p]
	switch {
	case p == "/":
		return zk.ErrBadArguments
	case !ok:
		return zk.ErrNoNode
	case version != -1 && version != n.stat.Version:
		return zk.ErrBadVersion
	case len(n.children) > 0:
		return zk.ErrNotEmpty
	}

	s.deleteLocked(p)

	return nil
}

// Exists reports whether p exists.
func (c *Conn) Exists(p string) (bool, *zk.Stat, error) {
	ok, st, _, err := c.exists(p, false)
	return ok, st, err
}

// ExistsW reports whether p exists and sets a watch on it.
func (c *Conn) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	return c.exists(p, true)
}

func (c *Conn) exists(p string, watch bool) (bool, *zk.Stat, <-chan zk.Event, error) {
	if err := validatePath(p); err != nil {
		return false, nil, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return false, nil, nil, err
	}

	var ch <-chan zk.Event
	if watch {
		ch = s.watchLocked(c, p, watchExist)
	}

	n, ok := s.nodes[p]
	if !ok {
		return false, nil, ch, nil
	}

	st := n.stat
	return true, &st, ch, nil
}

// Get returns the data at p.
func (c *Conn) Get(p string) ([]byte, *zk.Stat, error) {
	d, st, _, err := c.get(p, false)
	return d, st, err
}

// GetW returns the data at p and sets a data watch. No watch is set if p
// doesn't exist.
func (c *Conn) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	return c.get(p, true)
}

func (c *Conn) get(p string, watch bool) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	if err := validatePath(p); err != nil {
		return nil, nil, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return nil, nil, nil, err
	}

	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}

	var ch <-chan zk.Event
	if watch {
		ch = s.watchLocked(c, p, watchData)
	}

	st := n.stat
	return clone(n.data), &st, ch, nil
}

// Set sets the data at p if its version matches.
func (c *Conn) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return nil, err
	}

	return c.srv.setLocked(p, data, version)
}

// Children returns the sorted child names of p.
func (c *Conn) Children(p string) ([]string, *zk.Stat, error) {
	names, st, _, err := c.children(p, false)
	return names, st, err
}

// ChildrenW returns the sorted child names of p and sets a child watch. No
// watch is set if p doesn't exist.
func (c *Conn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	return c.children(p, true)
}

func (c *Conn) children(p string, watch bool) ([]string, *zk.Stat, <-chan zk.Event, error) {
	if err := validatePath(p); err != nil {
		return nil, nil, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return nil, nil, nil, err
	}

	names, st, err := s.childrenLocked(p)
	if err != nil {
		return nil, nil, nil, err
	}

	var ch <-chan zk.Event
	if watch {
		ch = s.watchLocked(c, p, watchChild)
	}

	return names, st, ch, nil
}

func (c *Conn) checkLocked() error {
	if c.closed {
		return zk.ErrConnectionClosed
	}
	if len(c.failing) > 0 {
		err := c.failing[0]
		c.failing = c.failing[1:]
		return err
	}
	if c.session == 0 {
		return zk.ErrSessionExpired
	}
	return nil
}

func (c *Conn) sendLocked(ev zk.Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func sequential(p string, n int32) string {
	return fmt.Sprintf("%s%010d", p, n)
}
