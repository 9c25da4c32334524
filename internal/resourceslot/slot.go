// Package resourceslot implements the typed resource-vector arithmetic shared
// by accounting, placement, and quota enforcement.
package resourceslot

import (
	"fmt"
	"sort"
)

// Kind classifies how a resource-name's quantity is interpreted.
type Kind string

const (
	KindCount  Kind = "COUNT"  // integer or decimal units (e.g. cpu cores)
	KindBytes  Kind = "BYTES"  // integer bytes (e.g. mem, shmem)
	KindUnique Kind = "UNIQUE" // at most one per kernel (e.g. a pinned device handle)
)

// Infinity is the sentinel quantity representing an unbounded cap. Add
// treats it as absorbing (Infinity plus anything stays Infinity), and
// LessEqual and Free treat an Infinity bound as never exhausted. The package
// has no Min operation.
const Infinity int64 = -1

// Slot is a multiset of typed quantities keyed by resource-name. The zero
// value is the empty slot (identity for Add).
type Slot map[string]int64

// New builds a Slot from a plain map, copying it so callers may mutate their
// own map afterwards without affecting the Slot.
func New(values map[string]int64) Slot {
	s := make(Slot, len(values))
	for k, v := range values {
		s[k] = v
	}
	return s
}

// Add returns the component-wise sum of s and other. Infinity plus anything
// stays Infinity.
func (s Slot) Add(other Slot) Slot {
	out := make(Slot, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		if out[k] == Infinity || v == Infinity {
			out[k] = Infinity
			continue
		}
		out[k] += v
	}
	return out
}

// Sub returns s minus other, per key. It returns an error if any key would
// underflow below zero — underflow is always a caller bug (releasing more
// than was ever allocated), never a valid accounting operation.
func (s Slot) Sub(other Slot) (Slot, error) {
	out := make(Slot, len(s))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		if out[k] == Infinity {
			continue
		}
		if v == Infinity {
			return nil, fmt.Errorf("resourceslot: cannot subtract infinite quantity for %q", k)
		}
		next := out[k] - v
		if next < 0 {
			return nil, fmt.Errorf("resourceslot: underflow for %q: %d - %d < 0", k, out[k], v)
		}
		out[k] = next
	}
	return out, nil
}

// LessEqual reports whether s ≤ other component-wise: every key present in s
// must be ≤ the corresponding (possibly zero, possibly Infinity) value in
// other. Missing keys in s are treated as 0 and trivially satisfy the bound.
func (s Slot) LessEqual(other Slot) bool {
	for k, v := range s {
		if v == 0 {
			continue
		}
		ov := other[k]
		if ov == Infinity {
			continue
		}
		if v == Infinity {
			return false
		}
		if v > ov {
			return false
		}
	}
	return true
}

// Fits reports whether requesting s would keep occupied+s within total. This
// is the standard "does this candidate fit on this agent" predicate.
func Fits(requested, occupied, total Slot) bool {
	need := occupied.Add(requested)
	return need.LessEqual(total)
}

// Free returns total minus occupied, per key, clamping negative results to 0
// (occupancy should never legitimately exceed total, but defensive clamping
// keeps placement arithmetic from going negative on a transient race).
func Free(total, occupied Slot) Slot {
	out := make(Slot, len(total))
	for k, v := range total {
		if v == Infinity {
			out[k] = Infinity
			continue
		}
		used := occupied[k]
		if used == Infinity {
			out[k] = 0
			continue
		}
		rem := v - used
		if rem < 0 {
			rem = 0
		}
		out[k] = rem
	}
	return out
}

// DominantShare computes max over resource-name of used[r]/total[r], used by
// the DRF session-selection policy. Keys absent from total are ignored.
// Infinite totals contribute a share of 0 (an unbounded resource is never
// dominant).
func DominantShare(used, total Slot) float64 {
	var max float64
	for k, t := range total {
		if t == Infinity || t == 0 {
			continue
		}
		u := used[k]
		if u == Infinity {
			return 1.0
		}
		share := float64(u) / float64(t)
		if share > max {
			max = share
		}
	}
	return max
}

// Keys returns the sorted resource-names present in s, useful for
// deterministic logging and test assertions.
func (s Slot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsZero reports whether every quantity in s is zero.
func (s Slot) IsZero() bool {
	for _, v := range s {
		if v != 0 {
			return false
		}
	}
	return true
}
