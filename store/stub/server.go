// Package stub provides an in-memory ZooKeeper for tests. Conns returned by
// Server.Connect satisfy store.Conn and emulate the sequential, ephemeral,
// versioning, one-shot watch and session-expiry behavior of an ensemble.
package stub

import (
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// ErrInvalidPath is returned for malformed znode paths.
var ErrInvalidPath = errors.New("zk: invalid path")

type watchKind int

const (
	watchData watchKind = iota
	watchExist
	watchChild
)

type watchKey struct {
	path string
	kind watchKind
}

type watcher struct {
	conn *Conn
	ch   chan zk.Event
}

type znode struct {
	data     []byte
	stat     zk.Stat
	children map[string]struct{}
}

// Server is a single in-memory ZooKeeper shared by any number of Conns.
type Server struct {
	mu          sync.Mutex
	nodes       map[string]*znode
	zxid        int64
	nextSession int64
	conns       map[int64]*Conn
	watches     map[watchKey][]watcher
}

// NewServer returns a Server holding only the root znode.
func NewServer() *Server {
	return &Server{
		nodes: map[string]*znode{
			"/": {children: map[string]struct{}{}},
		},
		conns:   map[int64]*Conn{},
		watches: map[watchKey][]watcher{},
	}
}

// Connect opens a new session. The returned channel receives session
// events, as with zk.Connect.
func (s *Server) Connect() (*Conn, <-chan zk.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Conn{srv: s, events: make(chan zk.Event, 64)}
	s.openSessionLocked(c)

	return c, c.events
}

// WatchCount returns the number of registered watches on p of any kind.
func (s *Server) WatchCount(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, k := range []watchKind{watchData, watchExist, watchChild} {
		n += len(s.watches[watchKey{path: p, kind: k}])
	}
	return n
}

func (s *Server) openSessionLocked(c *Conn) {
	s.nextSession++
	c.session = s.nextSession
	c.state = zk.StateHasSession
	s.conns[c.session] = c

	c.sendLocked(zk.Event{Type: zk.EventSession, State: zk.StateConnected})
	c.sendLocked(zk.Event{Type: zk.EventSession, State: zk.StateHasSession})
}

// closeSessionLocked ends the session held by c: its watches are dropped
// with EventNotWatching and its ephemeral znodes are deleted.
func (s *Server) closeSessionLocked(c *Conn, reason error) {
	id := c.session
	if id == 0 {
		return
	}

	for key, ws := range s.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.conn != c {
				kept = append(kept, w)
				continue
			}
			w.ch <- zk.Event{
				Type:  zk.EventNotWatching,
				State: zk.StateDisconnected,
				Path:  key.path,
				Err:   reason,
			}
		}
		if len(kept) == 0 {
			delete(s.watches, key)
		} else {
			s.watches[key] = kept
		}
	}

	var owned []string
	for p, n := range s.nodes {
		if n.stat.EphemeralOwner == id {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)
	for _, p := range owned {
		s.deleteLocked(p)
	}

	delete(s.conns, id)
	c.session = 0
}

func (s *Server) createLocked(c *Conn, p string, data []byte, flags int32) (string, error) {
	parent := path.Dir(p)
	pn, ok := s.nodes[parent]
	if !ok {
		return "", zk.ErrNoNode
	}
	if pn.stat.EphemeralOwner != 0 {
		return "", zk.ErrNoChildrenForEphemerals
	}

	if flags&zk.FlagSequence != 0 {
		p = sequential(p, pn.stat.Cversion)
	}
	if _, exists := s.nodes[p]; exists {
		return "", zk.ErrNodeExists
	}

	s.zxid++
	now := time.Now().UnixMilli()

	n := &znode{
		data:     clone(data),
		children: map[string]struct{}{},
		stat: zk.Stat{
			Czxid:      s.zxid,
			Mzxid:      s.zxid,
			Pzxid:      s.zxid,
			Ctime:      now,
			Mtime:      now,
			DataLength: int32(len(data)),
		},
	}
	if flags&zk.FlagEphemeral != 0 {
		n.stat.EphemeralOwner = c.session
	}

	s.nodes[p] = n
	pn.children[path.Base(p)] = struct{}{}
	pn.stat.Cversion++
	pn.stat.NumChildren++
	pn.stat.Pzxid = s.zxid

	s.triggerLocked(p, zk.EventNodeCreated, watchExist)
	s.triggerLocked(parent, zk.EventNodeChildrenChanged, watchChild)

	return p, nil
}

func (s *Server) deleteLocked(p string) {
	s.zxid++
	delete(s.nodes, p)

	parent := path.Dir(p)
	if pn, ok := s.nodes[parent]; ok {
		delete(pn.children, path.Base(p))
		pn.stat.Cversion++
		pn.stat.NumChildren--
		pn.stat.Pzxid = s.zxid
	}

	s.triggerLocked(p, zk.EventNodeDeleted, watchData, watchExist, watchChild)
	s.triggerLocked(parent, zk.EventNodeChildrenChanged, watchChild)
}

func (s *Server) setLocked(p string, data []byte, version int32) (*zk.Stat, error) {
	n, ok := s.nodes[p]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.stat.Version {
		return nil, zk.ErrBadVersion
	}

	s.zxid++
	n.data = clone(data)
	n.stat.Version++
	n.stat.Mzxid = s.zxid
	n.stat.Mtime = time.Now().UnixMilli()
	n.stat.DataLength = int32(len(data))

	s.triggerLocked(p, zk.EventNodeDataChanged, watchData, watchExist)

	st := n.stat
	return &st, nil
}

func (s *Server) watchLocked(c *Conn, p string, kind watchKind) <-chan zk.Event {
	ch := make(chan zk.Event, 1)
	key := watchKey{path: p, kind: kind}
	s.watches[key] = append(s.watches[key], watcher{conn: c, ch: ch})
	return ch
}

// triggerLocked fires and clears the watches of the given kinds on p.
func (s *Server) triggerLocked(p string, t zk.EventType, kinds ...watchKind) {
	for _, kind := range kinds {
		key := watchKey{path: p, kind: kind}
		for _, w := range s.watches[key] {
			w.ch <- zk.Event{Type: t, State: zk.StateHasSession, Path: p}
		}
		delete(s.watches, key)
	}
}

func (s *Server) childrenLocked(p string) ([]string, *zk.Stat, error) {
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	st := n.stat
	return names, &st, nil
}

func validatePath(p string) error {
	switch {
	case p == "/":
		return nil
	case p == "", !strings.HasPrefix(p, "/"), strings.HasSuffix(p, "/"), strings.Contains(p, "//"):
		return ErrInvalidPath
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
