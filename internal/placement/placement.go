// Package placement ranks eligible agents for a candidate kernel. Each
// policy receives an immutable snapshot slice, never a live mutable agent
// map, mirroring the read-only []*types.Node + container-count map split the
// teacher's own node scheduler operates over.
package placement

import (
	"sort"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/resourceslot"
)

// AgentSnapshot is a read-only view of one agent's placement-relevant state,
// taken once per scheduler cycle so a policy can never observe a concurrent
// mutation mid-ranking.
type AgentSnapshot struct {
	ID            string
	ResourceGroup string
	Architecture  string
	Free          resourceslot.Slot
	Total         resourceslot.Slot
}

// SnapshotAgents converts live agent records into an immutable ranking input.
func SnapshotAgents(agents []domain.Agent) []AgentSnapshot {
	out := make([]AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentSnapshot{
			ID:            a.ID,
			ResourceGroup: a.ResourceGroup,
			Architecture:  a.Architecture,
			Free:          a.Free(),
			Total:         a.TotalSlots,
		})
	}
	return out
}

// Eligible filters a snapshot slice down to agents that could host requested
// in the given resource group/architecture: alive agents were already
// excluded when the snapshot was taken from domain.Agent.Eligible results.
func Eligible(agents []AgentSnapshot, resourceGroup, architecture string, requested resourceslot.Slot) []AgentSnapshot {
	var out []AgentSnapshot
	for _, a := range agents {
		if a.ResourceGroup != resourceGroup {
			continue
		}
		if architecture != "" && a.Architecture != architecture {
			continue
		}
		if !resourceslot.Fits(requested, resourceslot.Slot{}, a.Free) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Policy ranks a pool of eligible agents for one candidate kernel, most
// preferred first. The scheduler walks the result in order and accepts the
// first agent that still fits once re-validated under the held leader lock.
type Policy interface {
	Rank(requested resourceslot.Slot, eligible []AgentSnapshot) []AgentSnapshot
}

// freeSum adds up an agent's free slots across every resource name present,
// used only for the total-order tiebreak in Concentrated/Dispersed; actual
// fit checks always go through resourceslot.Fits on the full vector.
func freeSum(free resourceslot.Slot) int64 {
	var total int64
	for _, v := range free {
		if v == resourceslot.Infinity {
			continue
		}
		total += v
	}
	return total
}

// ConcentratedPolicy bin-packs: agents with the least free capacity rank
// first, so workloads consolidate onto fewer agents.
type ConcentratedPolicy struct{}

func (ConcentratedPolicy) Rank(requested resourceslot.Slot, eligible []AgentSnapshot) []AgentSnapshot {
	ranked := append([]AgentSnapshot(nil), eligible...)
	sort.SliceStable(ranked, func(i, j int) bool {
		fi, fj := freeSum(ranked[i].Free), freeSum(ranked[j].Free)
		if fi != fj {
			return fi < fj
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// DispersedPolicy spreads: agents with the most free capacity rank first.
type DispersedPolicy struct{}

func (DispersedPolicy) Rank(requested resourceslot.Slot, eligible []AgentSnapshot) []AgentSnapshot {
	ranked := append([]AgentSnapshot(nil), eligible...)
	sort.SliceStable(ranked, func(i, j int) bool {
		fi, fj := freeSum(ranked[i].Free), freeSum(ranked[j].Free)
		if fi != fj {
			return fi > fj
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// CustomHook is a named ranking function registered by deployment-specific
// code, given the same immutable snapshot every built-in policy receives.
type CustomHook func(requested resourceslot.Slot, eligible []AgentSnapshot) []AgentSnapshot

// CustomPolicy adapts a CustomHook into a Policy.
type CustomPolicy struct {
	Hook CustomHook
}

func (c CustomPolicy) Rank(requested resourceslot.Slot, eligible []AgentSnapshot) []AgentSnapshot {
	if c.Hook == nil {
		return eligible
	}
	return c.Hook(requested, eligible)
}

// PickFirstFit walks ranked in order and returns the first agent whose free
// slots still fit requested, re-validating in case the snapshot is stale.
func PickFirstFit(requested resourceslot.Slot, ranked []AgentSnapshot) (AgentSnapshot, bool) {
	for _, a := range ranked {
		if resourceslot.Fits(requested, resourceslot.Slot{}, a.Free) {
			return a, true
		}
	}
	return AgentSnapshot{}, false
}
