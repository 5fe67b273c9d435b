package leader

import (
	"context"
	"sync"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/DataDog/zkrecipes/cluster/zookeeper"
	"github.com/DataDog/zkrecipes/internal/listener"
	"github.com/DataDog/zkrecipes/store"
)

// Listener is notified of latch leadership changes. Calls are made from the
// latch's worker goroutine, one at a time, and alternate: IsLeader is never
// called twice without an intervening NotLeader.
type Listener interface {
	IsLeader()
	NotLeader()
}

// ListenerFuncs adapts a pair of functions to a Listener. Either may be nil.
type ListenerFuncs struct {
	OnLeader    func()
	OnNotLeader func()
}

// IsLeader calls OnLeader.
func (f ListenerFuncs) IsLeader() {
	if f.OnLeader != nil {
		f.OnLeader()
	}
}

// NotLeader calls OnNotLeader.
func (f ListenerFuncs) NotLeader() {
	if f.OnNotLeader != nil {
		f.OnNotLeader()
	}
}

// State is the lifecycle state of a Latch or Selector.
type State int

const (
	NotStarted State = iota
	Started
	Closed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Started:
		return "started"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// LatchConfig holds Latch configuration. ID identifies the participant to
// others (see Latch.Leader); a random ID is used if it's empty.
type LatchConfig struct {
	Path   string
	ID     string
	Logger *zerolog.Logger
}

// Latch is a leader latch. Once started, the latch contends for leadership
// and keeps it until Close is called or the session is lost. After a session
// loss the latch re-enters the election under the next session.
type Latch struct {
	c      *store.Client
	Path   string
	id     string
	seq    *zookeeper.Sequence
	logger zerolog.Logger

	listeners listener.Set[Listener]

	mu       sync.Mutex
	state    State
	starting bool
	leader   bool
	// gained is closed when leadership is gained, and replaced when lost.
	gained chan struct{}
	tenure ddtrace.Span
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLatch returns a *Latch. The latch doesn't contend until Start is
// called.
func NewLatch(c *store.Client, cfg LatchConfig) *Latch {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Latch{
		c:    c,
		Path: cfg.Path,
		id:   id,
		seq:  zookeeper.NewSequence(c, cfg.Path, zookeeper.LatchMarker),
		logger: logger.With().
			Str("component", "leader-latch").
			Str("path", cfg.Path).
			Str("participant", id).
			Logger(),
		gained: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ID returns the participant ID.
func (l *Latch) ID() string {
	return l.id
}

// State returns the lifecycle state.
func (l *Latch) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AddListener registers a Listener and returns an ID for RemoveListener.
func (l *Latch) AddListener(ls Listener) int {
	return l.listeners.Add(ls)
}

// RemoveListener unregisters a Listener.
func (l *Latch) RemoveListener(id int) {
	l.listeners.Remove(id)
}

// Start enters the election. The first candidacy is created before Start
// returns; leadership is reported asynchronously. If the latch is closed
// while Start is entering, the candidacy is withdrawn and Start returns
// ErrClosed.
func (l *Latch) Start(ctx context.Context) error {
	l.mu.Lock()
	switch {
	case l.state == Closed:
		l.mu.Unlock()
		return ErrClosed
	case l.state != NotStarted, l.starting:
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.starting = true
	l.mu.Unlock()

	cand, err := enter(ctx, l.c, l.seq, l.id)

	l.mu.Lock()
	l.starting = false

	switch {
	case err != nil:
		l.mu.Unlock()
		return err
	case l.state == Closed:
		// Closed while entering.
		l.mu.Unlock()
		if err := leave(l.c, l.seq, cand); err != nil {
			l.logger.Error().Err(err).Str("znode", cand.Path).Msg("failed to remove candidacy")
		}
		return ErrClosed
	}

	wctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.state = Started
	l.mu.Unlock()

	l.logger.Info().Str("znode", cand.Path).Msg("latch started")

	go l.run(wctx, cand)

	return nil
}

// HasLeadership returns whether the latch currently leads.
func (l *Latch) HasLeadership() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

// Await blocks until the latch leads, the context is done or the latch is
// closed.
func (l *Latch) Await(ctx context.Context) error {
	for {
		l.mu.Lock()
		leader, state, gained := l.leader, l.state, l.gained
		l.mu.Unlock()

		switch {
		case leader:
			return nil
		case state == Closed:
			return ErrClosed
		case state == NotStarted:
			return ErrNotStarted
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrClosed
		case <-gained:
		}
	}
}

// Leader returns the current leader, which may be another process.
func (l *Latch) Leader() (Participant, error) {
	return leaderOf(l.c, l.seq)
}

// Participants returns all candidates in rank order.
func (l *Latch) Participants() ([]Participant, error) {
	return participants(l.c, l.seq)
}

// Close withdraws from the election. The candidacy znode is removed and, if
// the latch led, NotLeader is called before Close returns. Closing a closed
// latch is a no-op.
func (l *Latch) Close() error {
	l.mu.Lock()
	switch l.state {
	case Closed:
		l.mu.Unlock()
		return nil
	case NotStarted:
		l.state = Closed
		close(l.done)
		l.mu.Unlock()
		return nil
	}
	l.state = Closed
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	<-l.done

	l.logger.Info().Msg("latch closed")

	return nil
}

// run is the latch worker. It owns the candidacy and is the only caller of
// setLeader.
func (l *Latch) run(ctx context.Context, cand zookeeper.Candidacy) {
	defer close(l.done)

	b := l.c.NewBackOff()

	defer func() {
		if err := leave(l.c, l.seq, cand); err != nil {
			l.logger.Error().Err(err).Str("znode", cand.Path).Msg("failed to remove candidacy")
		}
		l.setLeader(false)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		// Re-enter after a lost session or a deleted candidacy.
		if cand.Path == "" {
			var err error
			if cand, err = enter(ctx, l.c, l.seq, l.id); err != nil {
				if ctx.Err() == nil {
					l.logger.Error().Err(err).Msg("failed to re-enter election")
					sleep(ctx, b)
				}
				continue
			}
			l.logger.Info().Str("znode", cand.Path).Msg("re-entered election")
		}

		watch, err := l.check(cand)
		switch {
		case err == zookeeper.ErrCandidacyLost:
			l.setLeader(false)
			cand = zookeeper.Candidacy{}
			continue
		case err != nil:
			l.logger.Warn().Err(err).Msg("failed to check leadership")
			sleep(ctx, b)
			continue
		case watch == nil:
			// The watched znode went away before the watch was set.
			continue
		}

		b.Reset()

		select {
		case <-ctx.Done():
			return
		case <-cand.Session.Done:
			l.logger.Warn().Msg("session lost")
			l.setLeader(false)
			cand = zookeeper.Candidacy{}
		case <-watch:
		}
	}
}

// check ranks the candidacy, updates leadership and returns a watch to wait
// on: the candidacy's own znode when leading, otherwise the predecessor's.
func (l *Latch) check(cand zookeeper.Candidacy) (<-chan zk.Event, error) {
	r, le, err := l.seq.Rank(cand)
	if err != nil {
		return nil, err
	}

	watchPath := cand.Path
	if r > 0 {
		ahead, _ := le.LockAhead(cand.ID)
		watchPath, _ = le.LockPath(ahead)
	}

	_, _, w, err := l.c.GetW(watchPath)
	switch {
	case store.IsNoNode(err):
		if r == 0 {
			return nil, zookeeper.ErrCandidacyLost
		}
		return nil, nil
	case err != nil:
		return nil, err
	}

	l.setLeader(r == 0)

	return w, nil
}

// setLeader records the leadership state and notifies listeners if it
// changed.
func (l *Latch) setLeader(leader bool) {
	l.mu.Lock()
	if l.leader == leader {
		l.mu.Unlock()
		return
	}
	l.leader = leader

	if leader {
		close(l.gained)
		l.tenure = tracer.StartSpan("zookeeper.leadership",
			tracer.ResourceName(l.Path),
			tracer.Tag("recipe", "latch"),
			tracer.Tag("participant", l.id),
		)
	} else {
		l.gained = make(chan struct{})
		if l.tenure != nil {
			l.tenure.Finish()
			l.tenure = nil
		}
	}
	l.mu.Unlock()

	recordTransition(l.Path, "latch", l.id, leader)

	if leader {
		l.logger.Info().Msg("leadership gained")
		l.listeners.Each(func(ls Listener) { ls.IsLeader() })
		return
	}

	l.logger.Info().Msg("leadership lost")
	l.listeners.Each(func(ls Listener) { ls.NotLeader() })
}
