package cache

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/DataDog/zkrecipes/store"
)

// NodeCacheConfig holds NodeCache configuration.
type NodeCacheConfig struct {
	Path   string
	Logger *zerolog.Logger
}

// NodeCache mirrors a single znode, which may not exist.
type NodeCache struct {
	Path string
	w    *worker

	mu    sync.RWMutex
	data  *ChildData
	state int
}

const (
	latent = iota
	started
	closed
)

// NewNodeCache returns a *NodeCache. Nothing is read until Start is called.
func NewNodeCache(c *store.Client, cfg NodeCacheConfig) *NodeCache {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "node-cache").Str("path", cfg.Path).Logger()

	n := &NodeCache{Path: cfg.Path}
	n.w = newWorker(c, "node", logger, n.process)

	return n
}

// AddListener registers l and returns an ID for RemoveListener.
func (n *NodeCache) AddListener(l Listener) int {
	return n.w.listeners.Add(l)
}

// RemoveListener unregisters a Listener.
func (n *NodeCache) RemoveListener(id int) {
	n.w.listeners.Remove(id)
}

// Start reads the znode and begins watching it. The cache holds the
// znode's state when Start returns; no event is emitted for it.
func (n *NodeCache) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case started:
		n.mu.Unlock()
		return ErrAlreadyStarted
	case closed:
		n.mu.Unlock()
		return ErrClosed
	}
	n.state = started
	n.mu.Unlock()

	var data *ChildData
	err := n.w.init(ctx, func() (err error) {
		data, err = n.read()
		return err
	})

	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case n.state == closed:
		return ErrClosed
	case err != nil:
		n.state = latent
		return err
	}

	n.data = data
	n.w.start()

	return nil
}

// CurrentData returns the last known state of the znode, or false if it
// doesn't exist.
func (n *NodeCache) CurrentData() (ChildData, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.data == nil {
		return ChildData{}, false
	}
	return *n.data, true
}

// Close stops watching the znode. Closing a closed cache is a no-op.
func (n *NodeCache) Close() error {
	n.mu.Lock()
	if n.state == closed {
		n.mu.Unlock()
		return nil
	}
	n.state = closed
	n.mu.Unlock()

	n.w.stop()

	return nil
}

// read fetches the znode and arms an exists watch, which fires on creation,
// data change and deletion alike.
func (n *NodeCache) read() (*ChildData, error) {
	ok, _, watch, err := n.w.c.ExistsW(n.Path)
	if err != nil {
		return nil, err
	}
	n.w.forward(watch, op{kind: opData, path: n.Path})

	if !ok {
		return nil, nil
	}

	data, stat, err := n.w.c.Get(n.Path)
	switch {
	case store.IsNoNode(err):
		// Deleted since; the watch has fired already.
		return nil, nil
	case err != nil:
		return nil, err
	}

	return &ChildData{Path: n.Path, Data: data, Stat: stat}, nil
}

func (n *NodeCache) process(o op) error {
	data, err := n.read()
	if err != nil {
		return err
	}

	n.mu.Lock()
	old := n.data
	n.data = data
	n.mu.Unlock()

	switch {
	case old == nil && data != nil:
		n.w.emit(Event{Type: NodeAdded, Data: *data})
	case old != nil && data == nil:
		n.w.emit(Event{Type: NodeRemoved, Data: *old})
	case old != nil && changed(old.Stat, data.Stat):
		n.w.emit(Event{Type: NodeUpdated, Data: *data})
	}

	return nil
}
