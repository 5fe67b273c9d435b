// Package leader implements leader election on ZooKeeper. A Latch holds
// leadership until it's closed or its session is lost; a Selector takes
// leadership to run a task and relinquishes it when the task returns.
//
// Both order candidates with the sequential znode protocol from
// cluster/zookeeper: the candidate with the lowest sequence number leads,
// and every other candidate watches only the candidate immediately ahead.
package leader

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/DataDog/zkrecipes/cluster/zookeeper"
	"github.com/DataDog/zkrecipes/metrics"
	"github.com/DataDog/zkrecipes/store"
)

// Participant is one candidate in an election.
type Participant struct {
	ID     string
	Leader bool
}

// participants returns the candidates of an election in rank order. The
// first one is the leader.
func participants(c *store.Client, seq *zookeeper.Sequence) ([]Participant, error) {
	le, err := seq.Entries()
	if err != nil {
		return nil, err
	}

	var ps []Participant
	for _, id := range le.IDs() {
		p, _ := le.LockPath(id)

		data, _, err := c.Get(p)
		switch {
		case store.IsNoNode(err):
			// Left since the listing.
			continue
		case err != nil:
			return nil, err
		}

		ps = append(ps, Participant{ID: string(data), Leader: len(ps) == 0})
	}

	return ps, nil
}

// leaderOf returns the leading participant.
func leaderOf(c *store.Client, seq *zookeeper.Sequence) (Participant, error) {
	ps, err := participants(c, seq)
	if err != nil {
		return Participant{}, err
	}
	if len(ps) == 0 {
		return Participant{}, ErrNoLeader
	}
	return ps[0], nil
}

// enter creates a candidacy, retrying transient store failures until ctx is
// done.
func enter(ctx context.Context, c *store.Client, seq *zookeeper.Sequence, id string) (zookeeper.Candidacy, error) {
	var cand zookeeper.Candidacy

	err := c.Retry(ctx, func() error {
		var err error
		cand, err = seq.Enter(ctx, []byte(id))
		if err == zookeeper.ErrCandidacyLost {
			return store.ErrSessionLost
		}
		return err
	})

	return cand, err
}

// leave removes a candidacy, retrying transient failures for a bounded time.
func leave(c *store.Client, seq *zookeeper.Sequence, cand zookeeper.Candidacy) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return c.Retry(ctx, func() error {
		return seq.Leave(cand)
	})
}

// sleep waits for the next backoff interval. It returns false if ctx is
// done first.
func sleep(ctx context.Context, b backoff.BackOff) bool {
	t := time.NewTimer(b.NextBackOff())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func recordTransition(path, recipe, participant string, leading bool) {
	if leading {
		metrics.IsLeader.WithLabelValues(path, recipe, participant).Set(1)
		metrics.LeadershipTransitions.WithLabelValues(path, recipe, "gained").Inc()
		return
	}
	metrics.IsLeader.WithLabelValues(path, recipe, participant).Set(0)
	metrics.LeadershipTransitions.WithLabelValues(path, recipe, "lost").Inc()
}
