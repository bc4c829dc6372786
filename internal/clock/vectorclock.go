// Package clock implements the vector clock used by the Memory Guard and
// Federation Fabric to detect concurrent writes across nodes (spec §3
// VectorClock, §8 antisymmetry law).
package clock

import "sort"

// Relation is the result of comparing two vector clocks.
type Relation int

const (
	Equal Relation = iota
	HappensBefore
	HappensAfter
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case HappensBefore:
		return "happens_before"
	case HappensAfter:
		return "happens_after"
	default:
		return "concurrent"
	}
}

// VectorClock is a per-node logical counter map. The zero value is an empty
// clock (all counters implicitly zero).
type VectorClock map[string]uint64

// New returns an empty VectorClock.
func New() VectorClock {
	return make(VectorClock)
}

// Clone returns a deep copy so callers can mutate without aliasing the
// original (Memory Guard readers receive cloned snapshots per spec §3).
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Increment bumps nodeID's counter and returns the clock (for chaining).
func (vc VectorClock) Increment(nodeID string) VectorClock {
	vc[nodeID] = vc[nodeID] + 1
	return vc
}

// Compare implements the pairwise-counter comparison from spec §3: Concurrent
// iff neither clock dominates. Compare is antisymmetric by construction:
// Compare(a,b) == HappensBefore iff Compare(b,a) == HappensAfter (spec §8).
func Compare(a, b VectorClock) Relation {
	aLessOrEqual, aStrictlyLess := dominatesOrEqual(a, b)
	bLessOrEqual, bStrictlyLess := dominatesOrEqual(b, a)

	switch {
	case aLessOrEqual && bLessOrEqual:
		return Equal
	case aLessOrEqual && aStrictlyLess:
		return HappensBefore
	case bLessOrEqual && bStrictlyLess:
		return HappensAfter
	default:
		return Concurrent
	}
}

// dominatesOrEqual reports whether every counter in a is <= the corresponding
// counter in b (treating missing keys as 0), and whether at least one counter
// is strictly less.
func dominatesOrEqual(a, b VectorClock) (lessOrEqual bool, strictlyLess bool) {
	lessOrEqual = true
	keys := unionKeys(a, b)
	for _, k := range keys {
		av, bv := a[k], b[k]
		if av > bv {
			lessOrEqual = false
		}
		if av < bv {
			strictlyLess = true
		}
	}
	return lessOrEqual, strictlyLess
}

func unionKeys(a, b VectorClock) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dominate mutates vc in place so that it strictly dominates every clock in
// others: for each node key across all inputs, vc's counter becomes
// max(current, max(others' counters)) + 1 at localNode, and >= elsewhere.
// Used by Memory Guard's resolve() to ensure the retained version's clock
// dominates every input version (spec §4.2 invariant).
func Dominate(vc VectorClock, localNode string, others ...VectorClock) VectorClock {
	merged := vc.Clone()
	for _, o := range others {
		for k, v := range o {
			if v > merged[k] {
				merged[k] = v
			}
		}
	}
	merged[localNode] = merged[localNode] + 1
	return merged
}

// Merge returns a new clock that is the element-wise max of all inputs,
// without incrementing anything. Used when adopting a remote clock wholesale
// (apply_remote HappensAfter case).
func Merge(clocks ...VectorClock) VectorClock {
	out := New()
	for _, c := range clocks {
		for k, v := range c {
			if v > out[k] {
				out[k] = v
			}
		}
	}
	return out
}
