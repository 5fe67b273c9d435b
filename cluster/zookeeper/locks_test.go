package zookeeper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testEntries(names ...string) LockEntries {
	le := newLockEntries()
	for _, n := range names {
		le.add("/locks", n)
	}
	le.sort()
	return le
}

func TestIDs(t *testing.T) {
	locks := testEntries(
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000002",
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000001",
		"junk",
	)

	// Test IDs.
	assert.Equal(t, []int{1, 2}, locks.IDs(), "Unexpected IDs list")
}

func TestIDsNumericOrder(t *testing.T) {
	// Lexical order would put 10 before 9.
	locks := testEntries("lock-10", "lock-9", "lock-100")
	assert.Equal(t, []int{9, 10, 100}, locks.IDs())
}

func TestLockPath(t *testing.T) {
	locks := testEntries(
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000001",
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000002",
	)

	expectedLocks := map[int]string{
		1: "/locks/_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000001",
		2: "/locks/_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000002",
	}

	// Test ID to znode value.
	for id, expectedZnode := range expectedLocks {
		znode, err := locks.LockPath(id)
		if err != nil {
			t.Errorf("Unexepected error: %s", err)
		}
		assert.Equal(t, expectedZnode, znode, "incorrect znode")
	}

	_, err := locks.LockPath(3)
	assert.Error(t, err)
}

func TestLockAhead(t *testing.T) {
	locks := testEntries("lock-0000000001", "lock-0000000004", "lock-0000000007")

	_, err := locks.LockAhead(1)
	assert.Error(t, err, "first entry has nothing ahead")

	ahead, err := locks.LockAhead(7)
	assert.Nil(t, err)
	assert.Equal(t, 4, ahead)

	_, err = locks.LockAhead(5)
	assert.Error(t, err, "unknown entry")
}

func TestLockAheadWithMarker(t *testing.T) {
	locks := testEntries(
		"_c_a-write-0000000001",
		"_c_b-read-0000000002",
		"_c_c-read-0000000003",
		"_c_d-write-0000000004",
		"_c_e-read-0000000005",
	)

	ahead, err := locks.LockAheadWithMarker(3, WriteMarker)
	assert.Nil(t, err)
	assert.Equal(t, 1, ahead)

	ahead, err = locks.LockAheadWithMarker(5, WriteMarker)
	assert.Nil(t, err)
	assert.Equal(t, 4, ahead)

	_, err = locks.LockAheadWithMarker(1, WriteMarker)
	assert.Error(t, err)

	assert.Equal(t, ReadMarker, locks.Marker(2))
}

func TestRank(t *testing.T) {
	locks := testEntries("lock-0000000003", "lock-0000000008")

	assert.Equal(t, 0, locks.Rank(3))
	assert.Equal(t, 1, locks.Rank(8))
	assert.Equal(t, -1, locks.Rank(5))
	assert.Equal(t, 2, locks.Len())

	first, err := locks.First()
	assert.Nil(t, err)
	assert.Equal(t, 3, first)

	_, err = testEntries().First()
	assert.Error(t, err)
}

func TestIDFromZnode(t *testing.T) {
	tests := map[string]struct {
		id  int
		err error
	}{
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000003": {id: 3},
		"/locks/write-0000000042":                             {id: 42},
		"lock-":           {err: ErrInvalidSeqNode},
		"lock-00000000x1": {err: ErrInvalidSeqNode},
		"nodash":          {err: ErrInvalidSeqNode},
	}

	for name, tt := range tests {
		id, err := idFromZnode(name)
		assert.Equal(t, tt.err, err, name)
		assert.Equal(t, tt.id, id, name)
	}
}

func TestMarkerFromZnode(t *testing.T) {
	assert.Equal(t, "read-", markerFromZnode("_c_979cb11f40bb3dbc6908edeaac8f2de1-read-0000000003"))
	assert.Equal(t, "write-", markerFromZnode("/locks/_c_979cb11f-write-0000000003"))
	assert.Equal(t, "lock-", markerFromZnode("lock-0000000003"))
	assert.Equal(t, "", markerFromZnode("0000000003"))
}
