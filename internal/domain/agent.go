package domain

import (
	"time"

	"github.com/lablup/baisched/internal/resourceslot"
)

// AgentStatus is the liveness state of a worker node.
type AgentStatus string

const (
	AgentStatusAlive      AgentStatus = "alive"
	AgentStatusDraining   AgentStatus = "draining"
	AgentStatusLost       AgentStatus = "lost"
	AgentStatusTerminated AgentStatus = "terminated"
)

// Agent is a worker node capable of running kernels.
type Agent struct {
	ID              string            `json:"id" db:"id"`
	Address         string            `json:"address" db:"address"`
	ResourceGroup   string            `json:"resource_group" db:"resource_group"`
	Architecture    string            `json:"architecture" db:"architecture"`
	TotalSlots        resourceslot.Slot `json:"total_slots" db:"-"`
	OccupiedSlots     resourceslot.Slot `json:"occupied_slots" db:"-"`
	LastHeartbeat     time.Time         `json:"last_heartbeat" db:"last_heartbeat"`
	Status            AgentStatus       `json:"status" db:"status"`
	ComputePlugins    []string          `json:"compute_plugins,omitempty" db:"-"`
	ConcurrencyBudget int               `json:"concurrency_budget" db:"concurrency_budget"`
}

// Free returns the agent's currently unallocated slots.
func (a Agent) Free() resourceslot.Slot {
	return resourceslot.Free(a.TotalSlots, a.OccupiedSlots)
}

// Eligible reports whether the agent can be considered for placement at all:
// alive, matching the requested resource group and architecture.
func (a Agent) Eligible(resourceGroup, architecture string) bool {
	return a.Status == AgentStatusAlive &&
		a.ResourceGroup == resourceGroup &&
		(architecture == "" || a.Architecture == architecture)
}
