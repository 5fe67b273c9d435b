package cache

import (
	"context"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/zkrecipes/internal/ztest"
	"github.com/DataDog/zkrecipes/store/stub"
)

func startTreeCache(t *testing.T, s ztest.Session, cfg TreeCacheConfig) (*TreeCache, *recorder) {
	t.Helper()

	tc := NewTreeCache(s.Client, cfg)
	r := &recorder{}
	tc.AddListener(r.listen)

	require.Nil(t, tc.Start(context.Background()))
	t.Cleanup(func() { tc.Close() })

	return tc, r
}

var ignoreStat = cmpopts.IgnoreFields(ChildData{}, "Stat")

func TestTreeCacheWatchers(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)
	mustCreate(t, s, "/tree", "")

	var (
		caches    []*TreeCache
		recorders []*recorder
	)
	for i := 0; i < 3; i++ {
		tc, r := startTreeCache(t, ztest.Connect(t, srv), TreeCacheConfig{Path: "/tree", CacheData: true})
		r.waitFor(t, Initialized, 1)
		caches = append(caches, tc)
		recorders = append(recorders, r)
	}

	mustCreate(t, s, "/tree/a", "one")
	for _, r := range recorders {
		r.waitFor(t, NodeAdded, 1)
	}

	mustSet(t, s, "/tree/a", "two")
	for _, r := range recorders {
		r.waitFor(t, NodeUpdated, 1)
	}

	mustDelete(t, s, "/tree/a")
	for _, r := range recorders {
		r.waitFor(t, NodeRemoved, 1)
	}

	time.Sleep(20 * time.Millisecond)

	for i, r := range recorders {
		assert.Equal(t, []string{"/tree/a"}, r.of(NodeAdded), "cache %d", i)
		assert.Equal(t, []string{"/tree/a"}, r.of(NodeUpdated), "cache %d", i)
		assert.Equal(t, []string{"/tree/a"}, r.of(NodeRemoved), "cache %d", i)

		want := map[string]ChildData{"/tree": {Path: "/tree", Data: []byte{}}}
		if diff := cmp.Diff(want, caches[i].Snapshot(), ignoreStat, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("cache %d snapshot mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestTreeCacheInitialLoad(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)

	mustCreate(t, s, "/tree", "root")
	mustCreate(t, s, "/tree/a", "a")
	mustCreate(t, s, "/tree/a/b", "b")
	mustCreate(t, s, "/tree/c", "c")

	tc, r := startTreeCache(t, ztest.Connect(t, srv), TreeCacheConfig{Path: "/tree", CacheData: true})

	want := map[string]ChildData{
		"/tree":     {Path: "/tree", Data: []byte("root")},
		"/tree/a":   {Path: "/tree/a", Data: []byte("a")},
		"/tree/a/b": {Path: "/tree/a/b", Data: []byte("b")},
		"/tree/c":   {Path: "/tree/c", Data: []byte("c")},
	}
	if diff := cmp.Diff(want, tc.Snapshot(), ignoreStat); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	children := tc.CurrentChildren("/tree")
	assert.Len(t, children, 2)
	assert.Equal(t, []byte("b"), tc.CurrentChildren("/tree/a")["b"].Data)
	assert.Nil(t, tc.CurrentChildren("/nope"))

	// Only Initialized follows the silent load.
	r.waitFor(t, Initialized, 1)
	assert.Len(t, r.all(), 1)
}

func TestTreeCacheWithoutData(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)
	mustCreate(t, s, "/tree", "root")

	tc, _ := startTreeCache(t, ztest.Connect(t, srv), TreeCacheConfig{Path: "/tree"})

	d, ok := tc.CurrentData("/tree")
	require.True(t, ok)
	assert.Nil(t, d.Data)
	assert.NotNil(t, d.Stat)
}

func TestTreeCacheMaxDepth(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)

	mustCreate(t, s, "/tree", "")
	mustCreate(t, s, "/tree/a", "")
	mustCreate(t, s, "/tree/a/b", "")

	tc, r := startTreeCache(t, ztest.Connect(t, srv), TreeCacheConfig{Path: "/tree", MaxDepth: 1})

	_, ok := tc.CurrentData("/tree/a")
	assert.True(t, ok)
	_, ok = tc.CurrentData("/tree/a/b")
	assert.False(t, ok)

	// Changes below the limit aren't watched.
	mustCreate(t, s, "/tree/a/c", "")
	mustCreate(t, s, "/tree/d", "")
	r.waitFor(t, NodeAdded, 1)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"/tree/d"}, r.of(NodeAdded))
}

func TestTreeCacheMissingRoot(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)

	tc, r := startTreeCache(t, ztest.Connect(t, srv), TreeCacheConfig{Path: "/tree"})

	r.waitFor(t, Initialized, 1)
	assert.Empty(t, tc.Snapshot())

	mustCreate(t, s, "/tree", "")
	r.waitFor(t, NodeAdded, 1)
	assert.Equal(t, []string{"/tree"}, r.of(NodeAdded))

	// Deleting and recreating the root is reported both ways.
	mustDelete(t, s, "/tree")
	r.waitFor(t, NodeRemoved, 1)
	assert.Empty(t, tc.Snapshot())

	mustCreate(t, s, "/tree", "")
	r.waitFor(t, NodeAdded, 2)
	_, ok := tc.CurrentData("/tree")
	assert.True(t, ok)
}

// TestTreeCacheOrdering checks that a znode is always added after its
// parent and removed after its children.
func TestTreeCacheOrdering(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)
	mustCreate(t, s, "/tree", "")

	tc, r := startTreeCache(t, ztest.Connect(t, srv), TreeCacheConfig{Path: "/tree"})

	nodes := []string{"/tree/a", "/tree/a/b", "/tree/a/b/c", "/tree/a/d", "/tree/e"}
	for _, p := range nodes {
		mustCreate(t, s, p, "")
	}
	r.waitFor(t, NodeAdded, len(nodes))

	for i := len(nodes) - 1; i >= 0; i-- {
		mustDelete(t, s, nodes[i])
	}
	r.waitFor(t, NodeRemoved, len(nodes))

	added := r.of(NodeAdded)
	assert.ElementsMatch(t, nodes, added)
	for i, p := range added {
		parent := path.Dir(p)
		if parent == "/tree" {
			continue
		}
		assert.Contains(t, added[:i], parent, "%s added before its parent", p)
	}

	removed := r.of(NodeRemoved)
	assert.ElementsMatch(t, nodes, removed)
	for i, p := range removed {
		for _, q := range removed[i+1:] {
			assert.False(t, strings.HasPrefix(q, p+"/"), "%s removed before its child %s", p, q)
		}
	}

	if diff := cmp.Diff([]string{"/tree"}, keys(tc.Snapshot())); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeCacheRemoveTreeLeavesFirst(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)

	mustCreate(t, s, "/tree", "")
	mustCreate(t, s, "/tree/a", "")
	mustCreate(t, s, "/tree/a/b", "")

	tc, r := startTreeCache(t, ztest.Connect(t, srv), TreeCacheConfig{Path: "/tree"})

	tc.removeTree("/tree/a")

	assert.Equal(t, []string{"/tree/a/b", "/tree/a"}, r.of(NodeRemoved))
	assert.Empty(t, tc.CurrentChildren("/tree"))
}

func TestTreeCacheClose(t *testing.T) {
	srv := stub.NewServer()
	s := ztest.Connect(t, srv)
	mustCreate(t, s, "/tree", "")

	tc, r := startTreeCache(t, ztest.Connect(t, srv), TreeCacheConfig{Path: "/tree"})
	r.waitFor(t, Initialized, 1)

	require.Nil(t, tc.Close())
	assert.Nil(t, tc.Close())
	assert.Equal(t, ErrClosed, tc.Start(context.Background()))

	mustCreate(t, s, "/tree/a", "")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.all(), 1)
}

func keys(m map[string]ChildData) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
