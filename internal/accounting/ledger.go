// Package accounting implements the double-entry resource ledger: every
// allocation and release is written as a delta entry with an ALLOCATE or
// RELEASE direction keyed by (scope, kernel), so running totals can be
// recomputed from scratch and checked
// against the stored aggregate (drift detection).
package accounting

import (
	"context"
	"sync"
	"time"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/resourceslot"
	"github.com/lablup/baisched/internal/schederr"
)

// Direction marks whether a delta entry allocates or releases resources.
type Direction string

const (
	DirectionAllocate Direction = "ALLOCATE"
	DirectionRelease  Direction = "RELEASE"
)

// DeltaEntry is one row of the append-only accounting journal.
type DeltaEntry struct {
	ID        int64             `db:"id"`
	ScopeKey  string            `db:"scope_key"` // e.g. "keypair:abc" or "agent:xyz"
	KernelID  string            `db:"kernel_id"`
	Delta     resourceslot.Slot `db:"-"`
	Direction Direction         `db:"direction"`
	At        time.Time         `db:"at"`
}

// Ledger tracks in-memory occupancy for agents and scopes, alongside a delta
// journal for recomputation and drift detection. Both the maps and the
// journal live only in memory and start empty in every process; the durable
// copy of an agent's total is the agents.occupied_slots column the
// scheduler writes after each reservation.
type Ledger struct {
	mu sync.RWMutex

	agentOccupied map[string]resourceslot.Slot // agent_id -> occupied
	scopeUsed     map[string]resourceslot.Slot // scope_key -> used

	journal []DeltaEntry
	nextID  int64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		agentOccupied: make(map[string]resourceslot.Slot),
		scopeUsed:     make(map[string]resourceslot.Slot),
	}
}

// Reserve speculatively allocates slots for a kernel against its agent and
// owning scope, recording two delta entries. This is the in-memory
// reservation step of the scheduler cycle (§4.7 step 4); the scheduler then
// persists the agent's resulting AgentOccupied total through its
// AgentUsageWriter.
func (l *Ledger) Reserve(agentID, scopeKey, kernelID string, slots resourceslot.Slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.agentOccupied[agentID] = l.agentOccupied[agentID].Add(slots)
	l.scopeUsed[scopeKey] = l.scopeUsed[scopeKey].Add(slots)

	now := timeNow()
	l.journal = append(l.journal,
		DeltaEntry{ID: l.nextID, ScopeKey: "agent:" + agentID, KernelID: kernelID, Delta: slots, Direction: DirectionAllocate, At: now},
		DeltaEntry{ID: l.nextID + 1, ScopeKey: scopeKey, KernelID: kernelID, Delta: slots, Direction: DirectionAllocate, At: now},
	)
	l.nextID += 2
}

// Release returns slots to an agent and scope when a kernel enters
// TERMINATED or ERROR, recording the matching release deltas.
func (l *Ledger) Release(agentID, scopeKey, kernelID string, slots resourceslot.Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	agentFree, err := l.agentOccupied[agentID].Sub(slots)
	if err != nil {
		return schederr.InvariantViolation("releasing %v from agent %s would underflow: %v", slots, agentID, err)
	}
	scopeFree, err := l.scopeUsed[scopeKey].Sub(slots)
	if err != nil {
		return schederr.InvariantViolation("releasing %v from scope %s would underflow: %v", slots, scopeKey, err)
	}
	l.agentOccupied[agentID] = agentFree
	l.scopeUsed[scopeKey] = scopeFree

	now := timeNow()
	l.journal = append(l.journal,
		DeltaEntry{ID: l.nextID, ScopeKey: "agent:" + agentID, KernelID: kernelID, Delta: slots, Direction: DirectionRelease, At: now},
		DeltaEntry{ID: l.nextID + 1, ScopeKey: scopeKey, KernelID: kernelID, Delta: slots, Direction: DirectionRelease, At: now},
	)
	l.nextID += 2
	return nil
}

// AgentOccupied returns the current occupied slots for an agent.
func (l *Ledger) AgentOccupied(agentID string) resourceslot.Slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.agentOccupied[agentID]
}

// ScopeUsed returns the current used slots for a scope.
func (l *Ledger) ScopeUsed(scopeKey string) resourceslot.Slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scopeUsed[scopeKey]
}

// Journal returns a copy of the full delta journal, for persistence or
// recomputation.
func (l *Ledger) Journal() []DeltaEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DeltaEntry, len(l.journal))
	copy(out, l.journal)
	return out
}

// Recompute replays a delta journal from empty and returns the derived
// per-key totals, used by "recalc-usage" to validate against the stored
// aggregate (§8 accounting recomputation property).
func Recompute(entries []DeltaEntry) map[string]resourceslot.Slot {
	totals := make(map[string]resourceslot.Slot)
	for _, e := range entries {
		switch e.Direction {
		case DirectionAllocate:
			totals[e.ScopeKey] = totals[e.ScopeKey].Add(e.Delta)
		case DirectionRelease:
			if v, err := totals[e.ScopeKey].Sub(e.Delta); err == nil {
				totals[e.ScopeKey] = v
			}
		}
	}
	return totals
}

// DetectDrift compares recomputed totals against a stored aggregate
// snapshot and reports any key whose values differ. A non-empty result is
// an invariant violation that must trigger a reconciliation rewrite.
func DetectDrift(recomputed, stored map[string]resourceslot.Slot) []string {
	var drifted []string
	seen := make(map[string]bool)
	for key, want := range recomputed {
		seen[key] = true
		if got, ok := stored[key]; !ok || !slotEqual(want, got) {
			drifted = append(drifted, key)
		}
	}
	for key := range stored {
		if !seen[key] {
			drifted = append(drifted, key)
		}
	}
	return drifted
}

func slotEqual(a, b resourceslot.Slot) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// ScopeRemaining computes the free capacity left under a policy's cap for a
// scope, given its current used slots. Infinity caps never constrain.
func ScopeRemaining(policyTotal, used resourceslot.Slot) resourceslot.Slot {
	return resourceslot.Free(policyTotal, used)
}

// AgentFree computes an agent's free slots given its total and occupied.
func AgentFree(agent domain.Agent) resourceslot.Slot {
	return agent.Free()
}

// ValidateAgainstPolicy returns a Capacity error if requested would exceed
// the scope's total resource policy once added to its current usage.
func ValidateAgainstPolicy(ctx context.Context, scopeKey string, requested, used, policyTotal resourceslot.Slot) error {
	projected := used.Add(requested)
	if !projected.LessEqual(policyTotal) {
		return schederr.Capacity("scope %s would exceed policy cap: requested %v, used %v, cap %v", scopeKey, requested, used, policyTotal)
	}
	return nil
}

// timeNow is a seam so tests can control journal timestamps; production
// code always calls time.Now().
var timeNow = time.Now
