// Package nodeid implements node and ring identity as specified in §3
// "Node identity" and "Ring identifier". A node id is stable for the
// node's lifetime in the cluster; a ring id is the (representative,
// sequence) pair that scopes every in-protocol message to a membership.
package nodeid

import "fmt"

// ID is a node's 32-bit identifier, operator-assigned or derived from the
// node's primary IP address.
type ID uint32

func (n ID) String() string {
	return fmt.Sprintf("%d", uint32(n))
}

// RingID is the pair (representative-node-id, monotonic sequence). Two
// rings are equal iff both fields match (§3 "Ring identifier").
type RingID struct {
	Rep ID
	Seq uint64
}

// Equal reports whether two ring ids name the same ring.
func (r RingID) Equal(o RingID) bool {
	return r.Rep == o.Rep && r.Seq == o.Seq
}

// Less orders rings by sequence then representative, used only for
// deterministic logging/tie-breaking, never for protocol decisions.
func (r RingID) Less(o RingID) bool {
	if r.Seq != o.Seq {
		return r.Seq < o.Seq
	}
	return r.Rep < o.Rep
}

func (r RingID) String() string {
	return fmt.Sprintf("%d:%d", uint32(r.Rep), r.Seq)
}

// Set is an ordered set of node ids, used to model the membership set of
// §3: members, failed, and proc lists are all represented with Set.
type Set struct {
	ids []ID
}

// NewSet builds a Set from ids, de-duplicating and sorting ascending so
// that representative selection (min id) and equality comparisons are
// deterministic across nodes.
func NewSet(ids ...ID) Set {
	seen := make(map[ID]bool, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sortIDs(out)
	return Set{ids: out}
}

func sortIDs(ids []ID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// Members returns a copy of the set's ids in ascending order.
func (s Set) Members() []ID {
	out := make([]ID, len(s.ids))
	copy(out, s.ids)
	return out
}

// Len returns the number of ids in the set.
func (s Set) Len() int { return len(s.ids) }

// Contains reports whether id is a member of the set.
func (s Set) Contains(id ID) bool {
	for _, x := range s.ids {
		if x == id {
			return true
		}
	}
	return false
}

// Min returns the lowest id in the set, used to compute the representative
// of a prospective ring (§4.4 "the new ring's representative is the
// minimum node id in the proc-list"). The second return is false for an
// empty set.
func (s Set) Min() (ID, bool) {
	if len(s.ids) == 0 {
		return 0, false
	}
	return s.ids[0], true
}

// Equal reports whether two sets contain exactly the same ids.
func (s Set) Equal(o Set) bool {
	if len(s.ids) != len(o.ids) {
		return false
	}
	for i := range s.ids {
		if s.ids[i] != o.ids[i] {
			return false
		}
	}
	return true
}

// Subtract returns the ids in s that are not in o (used to compute
// proc-list \ failed-list in §4.4).
func (s Set) Subtract(o Set) Set {
	out := make([]ID, 0, len(s.ids))
	for _, id := range s.ids {
		if !o.Contains(id) {
			out = append(out, id)
		}
	}
	return Set{ids: out}
}
