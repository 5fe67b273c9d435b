package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"github.com/DataDog/zkrecipes/internal/listener"
	"github.com/DataDog/zkrecipes/metrics"
	"github.com/DataDog/zkrecipes/store"
)

type opKind int

const (
	opData opKind = iota
	opChildren
	opInitialized
)

// op is a refresh of one path. Queued ops are unique.
type op struct {
	kind opKind
	path string
}

// worker serially processes the refresh operations of one cache.
type worker struct {
	c       *store.Client
	cache   string
	logger  zerolog.Logger
	process func(op) error

	listeners listener.Set[Listener]

	mu     sync.Mutex
	queue  []op
	queued map[op]struct{}
	wake   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
	backoff backoff.BackOff
}

func newWorker(c *store.Client, cache string, logger zerolog.Logger, process func(op) error) *worker {
	ctx, cancel := context.WithCancel(context.Background())

	return &worker{
		c:       c,
		cache:   cache,
		logger:  logger,
		process: process,
		queued:  map[op]struct{}{},
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		backoff: c.NewBackOff(),
	}
}

// init runs fn with transient failures retried until ctx is done.
func (w *worker) init(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the cache abandons initialization.
	go func() {
		select {
		case <-w.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	return w.c.Retry(ctx, fn)
}

func (w *worker) start() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	go w.run()
}

// stop ends the worker and waits for it. Outstanding watches are abandoned.
func (w *worker) stop() {
	w.cancel()

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	if started {
		<-w.done
	}
}

// push queues o unless it's already queued.
func (w *worker) push(o op) {
	if w.ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	if _, ok := w.queued[o]; !ok {
		w.queued[o] = struct{}{}
		w.queue = append(w.queue, o)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// forward queues o when the watch ch fires. Session loss also fires the
// watch (EventNotWatching); the refresh then re-arms it under the next
// session.
func (w *worker) forward(ch <-chan zk.Event, o op) {
	if ch == nil {
		return
	}

	go func() {
		select {
		case <-w.ctx.Done():
		case ev, ok := <-ch:
			if ok && ev.Type == zk.EventNotWatching {
				w.logger.Debug().Str("path", o.path).Err(ev.Err).Msg("watch dropped")
			}
			w.push(o)
		}
	}()
}

func (w *worker) pop() (op, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return op{}, false
	}

	o := w.queue[0]
	w.queue = w.queue[1:]
	delete(w.queued, o)

	return o, true
}

func (w *worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}

		for {
			o, ok := w.pop()
			if !ok || w.ctx.Err() != nil {
				break
			}
			w.do(o)
		}
	}
}

func (w *worker) do(o op) {
	err := w.c.Retry(w.ctx, func() error {
		err := w.process(o)
		if err != nil {
			metrics.CacheRefreshErrors.WithLabelValues(w.cache).Inc()
			w.logger.Debug().Err(err).Str("path", o.path).Msg("refresh failed")
		}
		return err
	})

	switch {
	case err == nil:
		w.backoff.Reset()
	case w.ctx.Err() != nil:
	default:
		// Not transient; the watch for o wasn't re-armed, so try again later.
		d := w.backoff.NextBackOff()
		w.logger.Error().Err(err).Str("path", o.path).Dur("retry_in", d).Msg("refresh failed")
		time.AfterFunc(d, func() { w.push(o) })
	}
}

// emit dispatches ev to the cache's listeners.
func (w *worker) emit(ev Event) {
	metrics.CacheEvents.WithLabelValues(w.cache, ev.Type.String()).Inc()
	w.logger.Debug().Stringer("type", ev.Type).Str("path", ev.Data.Path).Msg("cache event")
	w.listeners.Each(func(l Listener) { l(ev) })
}
