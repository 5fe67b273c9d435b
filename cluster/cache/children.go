package cache

import (
	"context"
	"path"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/DataDog/zkrecipes/store"
)

// StartMode controls what a PathChildrenCache emits for the children present
// when it starts.
type StartMode int

const (
	// Normal populates the cache silently.
	Normal StartMode = iota
	// PostInitializedEvent emits NodeAdded for every initial child,
	// followed by Initialized.
	PostInitializedEvent
)

// PathChildrenCacheConfig holds PathChildrenCache configuration. Without
// CacheData only the stats of the children are kept.
type PathChildrenCacheConfig struct {
	Path      string
	CacheData bool
	StartMode StartMode
	Logger    *zerolog.Logger
}

// PathChildrenCache mirrors the direct children of a znode. The parent
// itself isn't cached and may not exist.
type PathChildrenCache struct {
	Path      string
	cacheData bool
	startMode StartMode
	w         *worker

	mu       sync.RWMutex
	children map[string]ChildData
	state    int
}

// NewPathChildrenCache returns a *PathChildrenCache. Nothing is read until
// Start is called.
func NewPathChildrenCache(c *store.Client, cfg PathChildrenCacheConfig) *PathChildrenCache {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "children-cache").Str("path", cfg.Path).Logger()

	p := &PathChildrenCache{
		Path:      cfg.Path,
		cacheData: cfg.CacheData,
		startMode: cfg.StartMode,
		children:  map[string]ChildData{},
	}
	p.w = newWorker(c, "children", logger, p.process)

	return p
}

// AddListener registers l and returns an ID for RemoveListener.
func (p *PathChildrenCache) AddListener(l Listener) int {
	return p.w.listeners.Add(l)
}

// RemoveListener unregisters a Listener.
func (p *PathChildrenCache) RemoveListener(id int) {
	p.w.listeners.Remove(id)
}

// Start reads the children and begins watching them. The cache holds every
// child when Start returns.
func (p *PathChildrenCache) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case started:
		p.mu.Unlock()
		return ErrAlreadyStarted
	case closed:
		p.mu.Unlock()
		return ErrClosed
	}
	p.state = started
	p.mu.Unlock()

	// Queued ahead of any watch so the initial children are reported
	// before later changes.
	if p.startMode == PostInitializedEvent {
		p.w.push(op{kind: opInitialized})
	}

	err := p.w.init(ctx, func() error {
		return p.refreshChildren(false)
	})
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.state == closed:
		return ErrClosed
	case err != nil:
		p.state = latent
		return err
	}

	p.w.start()

	return nil
}

// CurrentData returns every cached child, sorted by path.
func (p *PathChildrenCache) CurrentData() []ChildData {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ChildData, 0, len(p.children))
	for _, d := range p.children {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// CurrentDataFor returns the cached state of the child at the full path
// fullPath.
func (p *PathChildrenCache) CurrentDataFor(fullPath string) (ChildData, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	d, ok := p.children[fullPath]
	return d, ok
}

// ClearDataBytes drops the cached data of a child, keeping its stat. It
// returns false if the child isn't cached.
func (p *PathChildrenCache) ClearDataBytes(fullPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.children[fullPath]
	if !ok {
		return false
	}
	d.Data = nil
	p.children[fullPath] = d

	return true
}

// Close stops watching. Closing a closed cache is a no-op.
func (p *PathChildrenCache) Close() error {
	p.mu.Lock()
	if p.state == closed {
		p.mu.Unlock()
		return nil
	}
	p.state = closed
	p.mu.Unlock()

	p.w.stop()

	return nil
}

func (p *PathChildrenCache) process(o op) error {
	switch o.kind {
	case opChildren:
		return p.refreshChildren(true)
	case opData:
		return p.refreshData(o.path)
	case opInitialized:
		for _, d := range p.CurrentData() {
			p.w.emit(Event{Type: NodeAdded, Data: d})
		}
		p.w.emit(Event{Type: Initialized})
	}
	return nil
}

// refreshChildren re-lists the children, re-arms the children watch and
// reconciles the listing with the cache.
func (p *PathChildrenCache) refreshChildren(emit bool) error {
	c := p.w.c
	watchOp := op{kind: opChildren, path: p.Path}

	names, _, watch, err := c.ChildrenW(p.Path)
	switch {
	case store.IsNoNode(err):
		// Wait for the parent to appear.
		ok, _, ewatch, err := c.ExistsW(p.Path)
		if err != nil {
			return err
		}
		p.w.forward(ewatch, watchOp)
		if ok {
			// Created in between; list again.
			return p.refreshChildren(emit)
		}
		names = nil
	case err != nil:
		return err
	default:
		p.w.forward(watch, watchOp)
	}

	listed := make(map[string]struct{}, len(names))
	for _, n := range names {
		listed[path.Join(p.Path, n)] = struct{}{}
	}

	p.mu.RLock()
	var added, removed []string
	for full := range listed {
		if _, ok := p.children[full]; !ok {
			added = append(added, full)
		}
	}
	for full := range p.children {
		if _, ok := listed[full]; !ok {
			removed = append(removed, full)
		}
	}
	p.mu.RUnlock()

	sort.Strings(added)
	sort.Strings(removed)

	for _, full := range removed {
		p.remove(full, emit)
	}

	for _, full := range added {
		data, stat, dwatch, err := c.GetW(full)
		switch {
		case store.IsNoNode(err):
			// Deleted since the listing; the children watch has fired.
			continue
		case err != nil:
			return err
		}
		p.w.forward(dwatch, op{kind: opData, path: full})

		d := ChildData{Path: full, Stat: stat}
		if p.cacheData {
			d.Data = data
		}

		p.mu.Lock()
		p.children[full] = d
		p.mu.Unlock()

		if emit {
			p.w.emit(Event{Type: NodeAdded, Data: d})
		}
	}

	return nil
}

// refreshData re-reads one child and re-arms its data watch.
func (p *PathChildrenCache) refreshData(full string) error {
	p.mu.RLock()
	old, ok := p.children[full]
	p.mu.RUnlock()

	if !ok {
		// Not ours (yet); refreshChildren arms the watch when it's listed.
		return nil
	}

	data, stat, watch, err := p.w.c.GetW(full)
	switch {
	case store.IsNoNode(err):
		p.remove(full, true)
		return nil
	case err != nil:
		return err
	}
	p.w.forward(watch, op{kind: opData, path: full})

	if !changed(old.Stat, stat) {
		return nil
	}

	d := ChildData{Path: full, Stat: stat}
	if p.cacheData {
		d.Data = data
	}

	p.mu.Lock()
	p.children[full] = d
	p.mu.Unlock()

	p.w.emit(Event{Type: NodeUpdated, Data: d})

	return nil
}

func (p *PathChildrenCache) remove(full string, emit bool) {
	p.mu.Lock()
	old, ok := p.children[full]
	delete(p.children, full)
	p.mu.Unlock()

	if ok && emit {
		p.w.emit(Event{Type: NodeRemoved, Data: old})
	}
}
