package cache

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/DataDog/zkrecipes/store"
)

// TreeCacheConfig holds TreeCache configuration. MaxDepth limits how far
// below the root znodes are cached; 0 caches the whole subtree. Without
// CacheData only stats are kept.
type TreeCacheConfig struct {
	Path      string
	MaxDepth  int
	CacheData bool
	Logger    *zerolog.Logger
}

type treeNode struct {
	data     ChildData
	depth    int
	children map[string]struct{}
}

// TreeCache mirrors a znode and its descendants. The root may not exist.
type TreeCache struct {
	Path      string
	maxDepth  int
	cacheData bool
	w         *worker

	mu    sync.RWMutex
	nodes map[string]*treeNode
	state int
}

// NewTreeCache returns a *TreeCache. Nothing is read until Start is called.
func NewTreeCache(c *store.Client, cfg TreeCacheConfig) *TreeCache {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "tree-cache").Str("path", cfg.Path).Logger()

	t := &TreeCache{
		Path:      cfg.Path,
		maxDepth:  cfg.MaxDepth,
		cacheData: cfg.CacheData,
		nodes:     map[string]*treeNode{},
	}
	t.w = newWorker(c, "tree", logger, t.process)

	return t
}

// AddListener registers l and returns an ID for RemoveListener.
func (t *TreeCache) AddListener(l Listener) int {
	return t.w.listeners.Add(l)
}

// RemoveListener unregisters a Listener.
func (t *TreeCache) RemoveListener(id int) {
	t.w.listeners.Remove(id)
}

// Start loads the subtree and begins watching it. The cache holds the
// subtree when Start returns. No events are emitted for the initial load;
// an Initialized event follows it, also when the root doesn't exist.
func (t *TreeCache) Start(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case started:
		t.mu.Unlock()
		return ErrAlreadyStarted
	case closed:
		t.mu.Unlock()
		return ErrClosed
	}
	t.state = started
	t.mu.Unlock()

	t.w.push(op{kind: opInitialized})

	err := t.w.init(ctx, func() error {
		_, err := t.loadRoot()
		if err != nil {
			t.drop(t.Path)
		}
		return err
	})

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.state == closed:
		return ErrClosed
	case err != nil:
		t.state = latent
		return err
	}

	t.w.start()

	return nil
}

// CurrentData returns the cached state of the znode at the full path p.
func (t *TreeCache) CurrentData(p string) (ChildData, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[p]
	if !ok {
		return ChildData{}, false
	}
	return n.data, true
}

// CurrentChildren returns the cached children of the znode at the full path
// p keyed by name, or nil if p isn't cached.
func (t *TreeCache) CurrentChildren(p string) map[string]ChildData {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[p]
	if !ok {
		return nil
	}

	out := make(map[string]ChildData, len(n.children))
	for name := range n.children {
		if child, ok := t.nodes[path.Join(p, name)]; ok {
			out[name] = child.data
		}
	}
	return out
}

// Snapshot returns every cached znode keyed by full path.
func (t *TreeCache) Snapshot() map[string]ChildData {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]ChildData, len(t.nodes))
	for p, n := range t.nodes {
		out[p] = n.data
	}
	return out
}

// Close stops watching. Closing a closed cache is a no-op.
func (t *TreeCache) Close() error {
	t.mu.Lock()
	if t.state == closed {
		t.mu.Unlock()
		return nil
	}
	t.state = closed
	t.mu.Unlock()

	t.w.stop()

	return nil
}

func (t *TreeCache) process(o op) error {
	switch o.kind {
	case opInitialized:
		t.w.emit(Event{Type: Initialized})
		return nil
	case opData:
		return t.refreshData(o.path)
	case opChildren:
		return t.refreshChildren(o.path)
	}
	return nil
}

func (t *TreeCache) cached(p string) (*treeNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[p]
	return n, ok
}

// loadRoot loads the subtree, or watches for the root's creation if it
// doesn't exist. It returns the paths loaded in pre-order.
func (t *TreeCache) loadRoot() ([]string, error) {
	loaded, err := t.load(t.Path, 0)
	if err != nil || loaded != nil {
		return loaded, err
	}

	ok, _, watch, err := t.w.c.ExistsW(t.Path)
	if err != nil {
		return nil, err
	}
	t.w.forward(watch, op{kind: opData, path: t.Path})

	if ok {
		// Created in between.
		return t.load(t.Path, 0)
	}
	return nil, nil
}

// reloadRoot loads the subtree of a root that has been created, emitting an
// added event per znode.
func (t *TreeCache) reloadRoot() error {
	loaded, err := t.loadRoot()
	if err != nil {
		t.drop(t.Path)
		return err
	}
	t.emitAdded(loaded)
	return nil
}

// load reads the znode at p along with its subtree and arms their watches.
// It returns the paths loaded in pre-order, or none if p doesn't exist.
func (t *TreeCache) load(p string, depth int) ([]string, error) {
	c := t.w.c

	data, stat, dwatch, err := c.GetW(p)
	switch {
	case store.IsNoNode(err):
		return nil, nil
	case err != nil:
		return nil, err
	}
	t.w.forward(dwatch, op{kind: opData, path: p})

	n := &treeNode{
		data:     ChildData{Path: p, Stat: stat},
		depth:    depth,
		children: map[string]struct{}{},
	}
	if t.cacheData {
		n.data.Data = data
	}

	t.mu.Lock()
	t.nodes[p] = n
	t.mu.Unlock()

	loaded := []string{p}

	if !t.descends(depth) {
		return loaded, nil
	}

	names, _, cwatch, err := c.ChildrenW(p)
	switch {
	case store.IsNoNode(err):
		// Deleted after the read; the data watch has fired.
		return loaded, nil
	case err != nil:
		return loaded, err
	}
	t.w.forward(cwatch, op{kind: opChildren, path: p})

	sort.Strings(names)
	for _, name := range names {
		sub, err := t.load(path.Join(p, name), depth+1)
		if err != nil {
			return loaded, err
		}
		if sub != nil {
			t.mu.Lock()
			n.children[name] = struct{}{}
			t.mu.Unlock()
		}
		loaded = append(loaded, sub...)
	}

	return loaded, nil
}

// descends returns whether children of a znode at depth are cached.
func (t *TreeCache) descends(depth int) bool {
	return t.maxDepth == 0 || depth < t.maxDepth
}

// refreshData re-reads a cached znode. A missing root is loaded once it
// appears.
func (t *TreeCache) refreshData(p string) error {
	n, ok := t.cached(p)
	if !ok {
		if p != t.Path {
			return nil
		}

		return t.reloadRoot()
	}

	data, stat, watch, err := t.w.c.GetW(p)
	switch {
	case store.IsNoNode(err):
		t.removeTree(p)
		if p == t.Path {
			// Watch for the root to come back.
			return t.reloadRoot()
		}
		return nil
	case err != nil:
		return err
	}
	t.w.forward(watch, op{kind: opData, path: p})

	t.mu.RLock()
	old := n.data
	t.mu.RUnlock()

	if !changed(old.Stat, stat) {
		return nil
	}

	d := ChildData{Path: p, Stat: stat}
	if t.cacheData {
		d.Data = data
	}

	t.mu.Lock()
	n.data = d
	t.mu.Unlock()

	t.w.emit(Event{Type: NodeUpdated, Data: d})

	return nil
}

// refreshChildren re-lists the children of a cached znode. New children are
// loaded with their subtrees before their added events are emitted; removed
// children are torn down leaves first.
func (t *TreeCache) refreshChildren(p string) error {
	n, ok := t.cached(p)
	if !ok {
		return nil
	}

	names, _, watch, err := t.w.c.ChildrenW(p)
	switch {
	case store.IsNoNode(err):
		// The data watch reports the deletion.
		return nil
	case err != nil:
		return err
	}
	t.w.forward(watch, op{kind: opChildren, path: p})

	listed := make(map[string]struct{}, len(names))
	for _, name := range names {
		listed[name] = struct{}{}
	}

	t.mu.RLock()
	var added, removed []string
	for name := range listed {
		if _, ok := n.children[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range n.children {
		if _, ok := listed[name]; !ok {
			removed = append(removed, name)
		}
	}
	depth := n.depth
	t.mu.RUnlock()

	sort.Strings(added)
	sort.Strings(removed)

	for _, name := range removed {
		t.removeTree(path.Join(p, name))
	}

	for _, name := range added {
		child := path.Join(p, name)
		if _, ok := t.cached(child); ok {
			// Loaded already by a concurrent re-listing.
			continue
		}

		loaded, err := t.load(child, depth+1)
		if err != nil {
			// Reload the whole subtree on retry.
			t.drop(child)
			return err
		}
		if loaded != nil {
			t.mu.Lock()
			n.children[name] = struct{}{}
			t.mu.Unlock()
		}
		t.emitAdded(loaded)
	}

	return nil
}

// removeTree drops p and its cached descendants, emitting a removed event
// for each, deepest first.
func (t *TreeCache) removeTree(p string) {
	for _, d := range t.drop(p) {
		t.w.emit(Event{Type: NodeRemoved, Data: d})
	}
}

// drop forgets p and its cached descendants and returns them deepest first.
func (t *TreeCache) drop(p string) []ChildData {
	t.mu.Lock()
	defer t.mu.Unlock()

	var doomed []string
	for q := range t.nodes {
		if q == p || strings.HasPrefix(q, strings.TrimSuffix(p, "/")+"/") {
			doomed = append(doomed, q)
		}
	}

	// Deeper paths sort after their ancestors; reverse for leaves first.
	sort.Sort(sort.Reverse(sort.StringSlice(doomed)))

	removed := make([]ChildData, 0, len(doomed))
	for _, q := range doomed {
		removed = append(removed, t.nodes[q].data)
		delete(t.nodes, q)
	}

	if parent, ok := t.nodes[path.Dir(p)]; ok && p != t.Path {
		delete(parent.children, path.Base(p))
	}

	return removed
}

func (t *TreeCache) emitAdded(paths []string) {
	for _, p := range paths {
		if d, ok := t.CurrentData(p); ok {
			t.w.emit(Event{Type: NodeAdded, Data: d})
		}
	}
}
