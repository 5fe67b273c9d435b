package leader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/DataDog/zkrecipes/cluster/zookeeper"
	"github.com/DataDog/zkrecipes/metrics"
	"github.com/DataDog/zkrecipes/store"
)

// Task is run by a Selector while it leads. Leadership is relinquished when
// the task returns. The context is cancelled when the selector is closed or
// its session is lost; a task should return promptly once that happens.
type Task func(ctx context.Context) error

// SelectorConfig holds Selector configuration. With AutoRequeue set the
// selector re-enters the election every time its task returns; otherwise it
// leads at most once per Start or Requeue.
type SelectorConfig struct {
	Path        string
	ID          string
	AutoRequeue bool
	Logger      *zerolog.Logger
}

// Selector is a leader selector. It waits for leadership, runs its Task,
// and relinquishes leadership once the task returns. A requeued selector
// enters with a fresh candidacy behind every current candidate, so a
// participant whose task returns quickly can't starve the others.
type Selector struct {
	c           *store.Client
	Path        string
	id          string
	seq         *zookeeper.Sequence
	task        Task
	autoRequeue bool
	logger      zerolog.Logger

	requeue chan struct{}

	mu      sync.Mutex
	state   State
	leading bool
	tenures int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSelector returns a *Selector that runs task while leading.
func NewSelector(c *store.Client, cfg SelectorConfig, task Task) *Selector {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Selector{
		c:           c,
		Path:        cfg.Path,
		id:          id,
		seq:         zookeeper.NewSequence(c, cfg.Path, zookeeper.LatchMarker),
		task:        task,
		autoRequeue: cfg.AutoRequeue,
		logger: logger.With().
			Str("component", "leader-selector").
			Str("path", cfg.Path).
			Str("participant", id).
			Logger(),
		requeue: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the participant ID.
func (s *Selector) ID() string {
	return s.id
}

// State returns the lifecycle state.
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasLeadership returns whether the task is running.
func (s *Selector) HasLeadership() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leading
}

// Tenures returns the number of times the selector has led.
func (s *Selector) Tenures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenures
}

// Leader returns the current leader, which may be another process.
func (s *Selector) Leader() (Participant, error) {
	return leaderOf(s.c, s.seq)
}

// Participants returns all candidates in rank order.
func (s *Selector) Participants() ([]Participant, error) {
	return participants(s.c, s.seq)
}

// Start enters the election. The path is created if it doesn't exist.
func (s *Selector) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != NotStarted {
		return ErrAlreadyStarted
	}

	if err := s.c.CreateParents(s.Path); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = Started

	if !s.autoRequeue {
		s.requeue <- struct{}{}
	}
	go s.run(wctx)

	s.logger.Info().Msg("selector started")

	return nil
}

// Requeue re-enters the election after the current or next tenure ends.
// It's only needed without AutoRequeue. Requeue returns false if the
// selector isn't started or a requeue is already pending.
func (s *Selector) Requeue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Started {
		return false
	}

	select {
	case s.requeue <- struct{}{}:
		return true
	default:
		return false
	}
}

// Close withdraws from the election. A running task has its context
// cancelled and Close waits for it to return. Closing a closed selector is
// a no-op.
func (s *Selector) Close() error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return nil
	case NotStarted:
		s.state = Closed
		close(s.done)
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.done

	s.logger.Info().Msg("selector closed")

	return nil
}

// run is the selector worker. Tasks only run here, so a task is never run
// concurrently with itself.
func (s *Selector) run(ctx context.Context) {
	defer close(s.done)

	b := s.c.NewBackOff()

	for {
		if !s.autoRequeue {
			select {
			case <-ctx.Done():
				return
			case <-s.requeue:
			}
		}

		for {
			led, err := s.elect(ctx)
			if ctx.Err() != nil {
				return
			}
			if led {
				b.Reset()
				break
			}

			// Never reached leadership; try again.
			s.logger.Warn().Err(err).Msg("election attempt failed")
			if !sleep(ctx, b) {
				return
			}
		}
	}
}

// elect enters the election, runs the task once leading and relinquishes.
// It returns whether the task ran.
func (s *Selector) elect(ctx context.Context) (bool, error) {
	cand, err := enter(ctx, s.c, s.seq, s.id)
	if err != nil {
		return false, err
	}

	if err := s.seq.Wait(ctx, cand, zookeeper.Exclusive); err != nil {
		if lerr := leave(s.c, s.seq, cand); lerr != nil {
			s.logger.Error().Err(lerr).Str("znode", cand.Path).Msg("failed to remove candidacy")
		}
		return false, err
	}

	s.lead(ctx, cand)

	if err := leave(s.c, s.seq, cand); err != nil {
		s.logger.Error().Err(err).Str("znode", cand.Path).Msg("failed to relinquish leadership")
	}

	s.mu.Lock()
	s.leading = false
	s.mu.Unlock()

	recordTransition(s.Path, "selector", s.id, false)
	s.logger.Info().Msg("leadership relinquished")

	return true, nil
}

// lead runs the task under a context tied to the candidacy's session.
func (s *Selector) lead(ctx context.Context, cand zookeeper.Candidacy) {
	s.mu.Lock()
	s.leading = true
	s.tenures++
	tenure := s.tenures
	s.mu.Unlock()

	recordTransition(s.Path, "selector", s.id, true)
	s.logger.Info().Int("tenure", tenure).Msg("leadership gained")

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-cand.Session.Done:
			s.logger.Warn().Msg("session lost; cancelling task")
			cancel()
		case <-taskCtx.Done():
		}
	}()

	span, spanCtx := tracer.StartSpanFromContext(taskCtx, "zookeeper.leadership",
		tracer.ResourceName(s.Path),
		tracer.Tag("recipe", "selector"),
		tracer.Tag("participant", s.id),
	)

	start := time.Now()
	err := s.runTask(spanCtx)

	span.Finish(tracer.WithError(err))

	var panicked ErrTaskPanicked

	status := "success"
	switch {
	case errors.As(err, &panicked):
		status = "panic"
	case err != nil:
		status = "error"
	}
	metrics.TaskDuration.WithLabelValues(s.Path, status).Observe(time.Since(start).Seconds())

	if err != nil {
		s.logger.Error().Err(err).Msg("leadership task failed")
	}
}

// runTask calls the task, converting a panic into an error.
func (s *Selector) runTask(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrTaskPanicked{value: r}
		}
	}()

	return s.task(ctx)
}
