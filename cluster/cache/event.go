// Package cache keeps local mirrors of ZooKeeper state: a single znode
// (NodeCache), the direct children of a znode (PathChildrenCache) or a whole
// subtree (TreeCache).
//
// Each cache owns one worker goroutine. Watches feed a deduplicating queue of
// refresh operations; every refresh re-reads the store, compares the result
// with the last known state, emits one event per difference and re-arms the
// watch. Several changes collapsing into one watch notification are
// therefore still reflected in the cache.
package cache

import (
	"github.com/go-zookeeper/zk"
)

// EventType is the kind of change an Event reports.
type EventType int

const (
	// NodeAdded reports a znode entering the cache.
	NodeAdded EventType = iota
	// NodeUpdated reports a data change of a cached znode.
	NodeUpdated
	// NodeRemoved reports a znode leaving the cache.
	NodeRemoved
	// Initialized is emitted once the initial population is complete, by
	// caches started with an initialized event.
	Initialized
)

func (t EventType) String() string {
	switch t {
	case NodeAdded:
		return "added"
	case NodeUpdated:
		return "updated"
	case NodeRemoved:
		return "removed"
	case Initialized:
		return "initialized"
	}
	return "unknown"
}

// ChildData is the cached state of one znode. Data is nil for caches that
// don't cache data.
type ChildData struct {
	Path string
	Data []byte
	Stat *zk.Stat
}

// Event is a change observed by a cache. Data holds the new state for
// NodeAdded and NodeUpdated, the last known state for NodeRemoved, and is
// empty for Initialized.
type Event struct {
	Type EventType
	Data ChildData
}

// Listener receives cache events. Listeners are called from the cache's
// worker goroutine, one event at a time.
type Listener func(Event)

// changed returns whether b differs from a as seen by the cache: a newer
// data version or a different incarnation of the znode.
func changed(a, b *zk.Stat) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.Mzxid != b.Mzxid || a.Czxid != b.Czxid
}
