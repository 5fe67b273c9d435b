package zookeeper

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const protectedPrefix = "_c_"

// LockEntries is a container of candidacy znodes under one contention path.
type LockEntries struct {
	// Map of lock ID integer to the full znode path.
	m map[int]string
	// Map of lock ID integer to the znode marker, e.g. "lock-" or "read-".
	markers map[int]string
	// List of IDs ascending.
	l []int
}

func newLockEntries() LockEntries {
	return LockEntries{
		m:       map[int]string{},
		markers: map[int]string{},
		l:       []int{},
	}
}

// add registers the child znode name n of parent. Names without a trailing
// sequence are ignored.
func (le *LockEntries) add(parent, n string) {
	id, err := idFromZnode(n)
	// Ignore junk entries.
	if err == ErrInvalidSeqNode {
		return
	}

	le.m[id] = fmt.Sprintf("%s/%s", strings.TrimSuffix(parent, "/"), n)
	le.markers[id] = markerFromZnode(n)
	le.l = append(le.l, id)
}

// sort orders the IDs numerically. Sequence suffixes are compared as
// integers, never lexically.
func (le *LockEntries) sort() {
	sort.Ints(le.l)
}

// IDs returns all held lock IDs ascending.
func (le LockEntries) IDs() []int {
	return le.l
}

// Len returns the number of entries.
func (le LockEntries) Len() int {
	return len(le.l)
}

// First returns the ID with the lowest value.
func (le LockEntries) First() (int, error) {
	if len(le.IDs()) == 0 {
		return 0, fmt.Errorf("no active locks")
	}

	return le.IDs()[0], nil
}

// LockPath takes a lock ID and returns the znode path.
func (le LockEntries) LockPath(id int) (string, error) {
	if path, exists := le.m[id]; exists {
		return path, nil
	}
	return "", fmt.Errorf("failed to get lock path; referenced ID doesn't exist")
}

// Marker returns the marker of the znode with the given ID.
func (le LockEntries) Marker(id int) string {
	return le.markers[id]
}

// Rank returns the zero-based position of id, or -1 if it isn't present.
func (le LockEntries) Rank(id int) int {
	i := sort.SearchInts(le.l, id)
	if i < len(le.l) && le.l[i] == id {
		return i
	}
	return -1
}

// LockAhead returns the lock ahead of the ID provided.
func (le LockEntries) LockAhead(id int) (int, error) {
	if i := le.Rank(id); i > 0 {
		return le.l[i-1], nil
	}

	return 0, fmt.Errorf("unable to determine which lock to enqueue behind")
}

// LockAheadWithMarker returns the closest lock ahead of the ID provided
// whose znode carries the given marker.
func (le LockEntries) LockAheadWithMarker(id int, marker string) (int, error) {
	for i := le.Rank(id) - 1; i >= 0; i-- {
		if le.markers[le.l[i]] == marker {
			return le.l[i], nil
		}
	}

	return 0, fmt.Errorf("no %q lock ahead of %d", marker, id)
}

// idFromZnode returns the trailing sequence number of a znode name, e.g. 3
// for "_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000003".
func idFromZnode(s string) (int, error) {
	parts := strings.Split(s, "-")
	suffix := parts[len(parts)-1]

	if len(parts) < 2 || suffix == "" {
		return 0, ErrInvalidSeqNode
	}

	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, ErrInvalidSeqNode
		}
	}

	id, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, ErrInvalidSeqNode
	}

	return id, nil
}

// markerFromZnode returns the name segment between the protection prefix
// and the sequence, e.g. "read-" for "_c_<guid>-read-0000000003".
func markerFromZnode(s string) string {
	s = s[strings.LastIndex(s, "/")+1:]

	if strings.HasPrefix(s, protectedPrefix) {
		if i := strings.Index(s, "-"); i >= 0 {
			s = s[i+1:]
		}
	}

	if i := strings.LastIndex(s, "-"); i >= 0 {
		return s[:i+1]
	}
	return ""
}
