package domain

import (
	"time"

	"github.com/lablup/baisched/internal/resourceslot"
)

// ScopeKind names which level of Scope a ResourcePolicy applies to.
type ScopeKind string

const (
	ScopeKeypair ScopeKind = "keypair"
	ScopeUser    ScopeKind = "user"
	ScopeGroup   ScopeKind = "group"
	ScopeDomain  ScopeKind = "domain"
)

// ResourcePolicy caps what a scope may request and hold concurrently.
type ResourcePolicy struct {
	Kind                  ScopeKind         `json:"kind" db:"kind"`
	ScopeID               string            `json:"scope_id" db:"scope_id"`
	TotalResourceSlots    resourceslot.Slot `json:"total_resource_slots" db:"-"`
	MaxConcurrentSessions int64             `json:"max_concurrent_sessions" db:"max_concurrent_sessions"`
	MaxPendingSessions    int64             `json:"max_pending_sessions" db:"max_pending_sessions"`
	MaxPendingSlots       resourceslot.Slot `json:"max_pending_resource_slots" db:"-"`
	AllowedVFolderHosts   []string          `json:"allowed_vfolder_hosts" db:"-"`
	AllowedRegistries     []string          `json:"allowed_registries" db:"-"`
	IdleTimeout           time.Duration     `json:"idle_timeout" db:"idle_timeout"`
	MaxSessionLifetime    time.Duration     `json:"max_session_lifetime" db:"max_session_lifetime"`
}
