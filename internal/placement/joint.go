package placement

import "github.com/lablup/baisched/internal/resourceslot"

// KernelRequest is one kernel's placement ask within a joint multi-node
// placement round.
type KernelRequest struct {
	Key           string // domain.Kernel.Key(), for result lookup
	Slots         resourceslot.Slot
	ResourceGroup string
	Architecture  string
}

// Placement is the agent chosen for one kernel request.
type Placement struct {
	KernelKey string
	AgentID   string
}

// ErrNoFit is returned by JointPlace when some kernel in the request set has
// no eligible agent with enough free capacity under the current snapshot.
type ErrNoFit struct {
	KernelKey string
}

func (e ErrNoFit) Error() string {
	return "no agent fits kernel " + e.KernelKey
}

// JointPlace places every kernel of a multi-node cluster session against one
// policy, applied iteratively: each round's chosen agent has its free slots
// debited in the working snapshot before the next round ranks, so later
// kernels never double-book an agent's capacity within the same session. If
// any round fails, callers must discard the whole result (the caller is
// responsible for releasing nothing, since JointPlace only reserves
// in-memory against its own working copy).
func JointPlace(policy Policy, requests []KernelRequest, agents []AgentSnapshot) ([]Placement, error) {
	working := append([]AgentSnapshot(nil), agents...)
	byID := make(map[string]int, len(working))
	for i, a := range working {
		byID[a.ID] = i
	}

	var placements []Placement
	for _, req := range requests {
		eligible := Eligible(working, req.ResourceGroup, req.Architecture, req.Slots)
		ranked := policy.Rank(req.Slots, eligible)
		chosen, ok := PickFirstFit(req.Slots, ranked)
		if !ok {
			return nil, ErrNoFit{KernelKey: req.Key}
		}

		idx := byID[chosen.ID]
		free, err := working[idx].Free.Sub(req.Slots)
		if err != nil {
			return nil, ErrNoFit{KernelKey: req.Key}
		}
		working[idx].Free = free

		placements = append(placements, Placement{KernelKey: req.Key, AgentID: chosen.ID})
	}
	return placements, nil
}
