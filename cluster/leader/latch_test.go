package leader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/zkrecipes/cluster"
	"github.com/DataDog/zkrecipes/internal/ztest"
	"github.com/DataDog/zkrecipes/metrics"
	"github.com/DataDog/zkrecipes/store/stub"
)

var (
	_ cluster.Leader = (*Latch)(nil)
	_ cluster.Leader = (*Selector)(nil)
)

type countingListener struct {
	leader    int32
	notLeader int32
}

func (c *countingListener) IsLeader()  { atomic.AddInt32(&c.leader, 1) }
func (c *countingListener) NotLeader() { atomic.AddInt32(&c.notLeader, 1) }

func (c *countingListener) counts() (int32, int32) {
	return atomic.LoadInt32(&c.leader), atomic.LoadInt32(&c.notLeader)
}

func startLatch(t *testing.T, s ztest.Session, id string) (*Latch, *countingListener) {
	t.Helper()

	l := NewLatch(s.Client, LatchConfig{Path: "/election", ID: id})
	cl := &countingListener{}
	l.AddListener(cl)

	require.Nil(t, l.Start(context.Background()))
	t.Cleanup(func() { l.Close() })

	return l, cl
}

func await(t *testing.T, l *Latch) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Nil(t, l.Await(ctx))
}

func TestLatch(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())
	l, cl := startLatch(t, s, "a")

	await(t, l)
	assert.True(t, l.HasLeadership())
	assert.Equal(t, Started, l.State())
	assert.Equal(t, "a", l.ID())

	leader, err := l.Leader()
	assert.Nil(t, err)
	assert.Equal(t, Participant{ID: "a", Leader: true}, leader)

	assert.Equal(t, ErrAlreadyStarted, l.Start(context.Background()))

	require.Nil(t, l.Close())
	assert.False(t, l.HasLeadership())
	assert.Equal(t, Closed, l.State())

	gained, lost := cl.counts()
	assert.Equal(t, int32(1), gained)
	assert.Equal(t, int32(1), lost)

	// The candidacy was removed.
	names, _, err := s.Children("/election")
	assert.Nil(t, err)
	assert.Empty(t, names)

	// Closing again is a no-op.
	assert.Nil(t, l.Close())
	_, lost = cl.counts()
	assert.Equal(t, int32(1), lost)

	assert.Equal(t, ErrClosed, l.Await(context.Background()))
}

func TestLatchNotStarted(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())
	l := NewLatch(s.Client, LatchConfig{Path: "/election"})

	assert.NotEmpty(t, l.ID())
	assert.Equal(t, NotStarted, l.State())
	assert.Equal(t, ErrNotStarted, l.Await(context.Background()))

	_, err := l.Leader()
	assert.Equal(t, ErrNoLeader, err)

	assert.Nil(t, l.Close())
	assert.Nil(t, l.Close())
}

func TestLatchFailover(t *testing.T) {
	srv := stub.NewServer()
	a, acl := startLatch(t, ztest.Connect(t, srv), "a")
	await(t, a)
	b, bcl := startLatch(t, ztest.Connect(t, srv), "b")

	ps, err := b.Participants()
	require.Nil(t, err)
	assert.Equal(t, []Participant{{ID: "a", Leader: true}, {ID: "b"}}, ps)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, b.Await(ctx))
	assert.False(t, b.HasLeadership())

	require.Nil(t, a.Close())
	await(t, b)

	gained, lost := acl.counts()
	assert.Equal(t, int32(1), gained)
	assert.Equal(t, int32(1), lost)

	gained, lost = bcl.counts()
	assert.Equal(t, int32(1), gained)
	assert.Equal(t, int32(0), lost)
}

func TestLatchCallbacksDeduplicated(t *testing.T) {
	srv := stub.NewServer()
	sa := ztest.Connect(t, srv)
	a, acl := startLatch(t, sa, "a")
	await(t, a)
	_, bcl := startLatch(t, ztest.Connect(t, srv), "b")

	ps, err := a.Participants()
	require.Nil(t, err)
	require.Len(t, ps, 2)

	le, err := a.seq.Entries()
	require.Nil(t, err)
	first, _ := le.First()
	leaderPath, _ := le.LockPath(first)

	// Data changes on the leader's znode fire both latches' watches without
	// changing any rank.
	for i := 0; i < 5; i++ {
		_, err := sa.Set(leaderPath, []byte("a"), -1)
		require.Nil(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	assert.True(t, a.HasLeadership())

	gained, lost := acl.counts()
	assert.Equal(t, int32(1), gained)
	assert.Equal(t, int32(0), lost)

	gained, lost = bcl.counts()
	assert.Equal(t, int32(0), gained)
	assert.Equal(t, int32(0), lost)
}

func TestLatchSessionLoss(t *testing.T) {
	srv := stub.NewServer()
	sa := ztest.Connect(t, srv)
	a, acl := startLatch(t, sa, "a")
	await(t, a)
	b, _ := startLatch(t, ztest.Connect(t, srv), "b")

	sa.Conn.Expire()

	// b takes over and a fires NotLeader once.
	await(t, b)
	assert.Eventually(t, func() bool {
		_, lost := acl.counts()
		return lost == 1
	}, time.Second, time.Millisecond)
	assert.False(t, a.HasLeadership())

	// a re-enters under its new session, behind b.
	assert.Eventually(t, func() bool {
		ps, err := b.Participants()
		return err == nil && len(ps) == 2 && ps[1].ID == "a"
	}, time.Second, time.Millisecond)

	require.Nil(t, b.Close())
	await(t, a)

	gained, lost := acl.counts()
	assert.Equal(t, int32(2), gained)
	assert.Equal(t, int32(1), lost)
}

func TestLatchRemoveListener(t *testing.T) {
	s := ztest.Connect(t, stub.NewServer())

	l := NewLatch(s.Client, LatchConfig{Path: "/election"})
	cl := &countingListener{}
	id := l.AddListener(cl)
	l.RemoveListener(id)

	var funcs int32
	l.AddListener(ListenerFuncs{OnLeader: func() { atomic.AddInt32(&funcs, 1) }})

	require.Nil(t, l.Start(context.Background()))
	await(t, l)
	require.Nil(t, l.Close())

	gained, _ := cl.counts()
	assert.Equal(t, int32(0), gained)
	assert.Equal(t, int32(1), atomic.LoadInt32(&funcs))
}

func TestLatchCloseDuringStart(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)
	c := ztest.Connect(t, srv)

	l := NewLatch(c.Client, LatchConfig{Path: "/election", ID: "a"})

	// Keep Start retrying for a while.
	c.Conn.FailNext(20, zk.ErrConnectionClosed)

	started := make(chan error, 1)
	go func() { started <- l.Start(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	// Neither reads nor Close wait for Start.
	closed := make(chan error, 1)
	go func() {
		assert.False(t, l.HasLeadership())
		closed <- l.Close()
	}()
	select {
	case err := <-closed:
		assert.Nil(t, err)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("latch blocked on Start")
	}

	select {
	case err := <-started:
		assert.Equal(t, ErrClosed, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start didn't finish")
	}

	// The candidacy created by the interrupted Start was withdrawn.
	names, _, err := s.Children("/election")
	require.Nil(t, err)
	assert.Empty(t, names)
	assert.Equal(t, Closed, l.State())
}

func leaderGauge(t *testing.T, path, id string) float64 {
	t.Helper()

	var m dto.Metric
	require.Nil(t, metrics.IsLeader.WithLabelValues(path, "latch", id).Write(&m))
	return m.GetGauge().GetValue()
}

func TestLatchLeaderGaugePerParticipant(t *testing.T) {
	srv := stub.NewServer()

	a := NewLatch(ztest.Connect(t, srv).Client, LatchConfig{Path: "/gauge", ID: "a"})
	require.Nil(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Close() })
	await(t, a)

	b := NewLatch(ztest.Connect(t, srv).Client, LatchConfig{Path: "/gauge", ID: "b"})
	require.Nil(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })

	// Participants on one path in the same process don't share a series.
	assert.Eventually(t, func() bool {
		return leaderGauge(t, "/gauge", "a") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, float64(0), leaderGauge(t, "/gauge", "b"))

	require.Nil(t, a.Close())
	await(t, b)

	assert.Eventually(t, func() bool {
		return leaderGauge(t, "/gauge", "b") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, float64(0), leaderGauge(t, "/gauge", "a"))
}
