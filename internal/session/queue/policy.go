package queue

import (
	"sort"

	"github.com/lablup/baisched/internal/resourceslot"
)

// SelectionPolicy ranks a snapshot of queued sessions for the scheduler loop
// to attempt in order. It never mutates the queue; callers apply the
// resulting order against the live SessionQueue via Remove after a
// successful placement.
type SelectionPolicy interface {
	Rank(sessions []*QueuedSession) []*QueuedSession
}

// FIFOPolicy orders by (earliest effective starts-at, enqueue time), with
// head-of-line avoidance: once a session's RetriesToSkip exceeds
// HolBlockThreshold, it is pushed past the first HolBlockThreshold younger
// candidates instead of continuing to block them.
type FIFOPolicy struct {
	HolBlockThreshold int
}

func (p FIFOPolicy) Rank(sessions []*QueuedSession) []*QueuedSession {
	ranked := append([]*QueuedSession(nil), sessions...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].effectiveStartsAt(), ranked[j].effectiveStartsAt()
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return ranked[i].EnqueuedAt.Before(ranked[j].EnqueuedAt)
	})

	if p.HolBlockThreshold <= 0 {
		return ranked
	}

	out := make([]*QueuedSession, 0, len(ranked))
	var blocked []*QueuedSession
	for _, qs := range ranked {
		if qs.RetriesToSkip > p.HolBlockThreshold {
			blocked = append(blocked, qs)
			continue
		}
		out = append(out, qs)
		if len(blocked) > 0 && len(out) >= p.HolBlockThreshold {
			// Drained enough younger candidates past the blocked head;
			// reinsert the blocked ones now so they are still attempted
			// this cycle, just no longer first.
			out = append(out, blocked...)
			blocked = nil
		}
	}
	out = append(out, blocked...)
	return out
}

// PriorityPolicy orders by descending priority, falling back to FIFO order
// within equal priority.
type PriorityPolicy struct{}

func (p PriorityPolicy) Rank(sessions []*QueuedSession) []*QueuedSession {
	ranked := append([]*QueuedSession(nil), sessions...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return ranked[i].EnqueuedAt.Before(ranked[j].EnqueuedAt)
	})
	return ranked
}

// DRFPolicy orders by ascending dominant share of the owning scope, with
// ties broken by enqueue time. ScopeKey extracts the scope identity to look
// up in Used/Total (e.g. keypair ID); Used and Total are snapshots the
// scheduler loop computes once per cycle from the accounting layer.
type DRFPolicy struct {
	ScopeKey func(*QueuedSession) string
	Used     map[string]resourceslot.Slot
	Total    map[string]resourceslot.Slot
}

func (p DRFPolicy) Rank(sessions []*QueuedSession) []*QueuedSession {
	ranked := append([]*QueuedSession(nil), sessions...)
	share := func(qs *QueuedSession) float64 {
		key := p.ScopeKey(qs)
		return resourceslot.DominantShare(p.Used[key], p.Total[key])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := share(ranked[i]), share(ranked[j])
		if si != sj {
			return si < sj
		}
		return ranked[i].EnqueuedAt.Before(ranked[j].EnqueuedAt)
	})
	return ranked
}
