// Package domain holds the plain data types shared across the scheduler:
// sessions, kernels, agents, resource policies, and events. Types here carry
// no behavior beyond small invariant helpers; the operations that mutate them
// live in internal/statemachine, internal/accounting, and internal/scheduler.
package domain

import (
	"strconv"
	"time"

	"github.com/lablup/baisched/internal/resourceslot"
)

// SessionStatus is one of the states in the session lifecycle state machine.
type SessionStatus string

const (
	StatusPending         SessionStatus = "PENDING"
	StatusScheduled       SessionStatus = "SCHEDULED"
	StatusPreparing       SessionStatus = "PREPARING"
	StatusPulling         SessionStatus = "PULLING"
	StatusPrepared        SessionStatus = "PREPARED"
	StatusCreating        SessionStatus = "CREATING"
	StatusRunning         SessionStatus = "RUNNING"
	StatusRestarting      SessionStatus = "RESTARTING"
	StatusRunningDegraded SessionStatus = "RUNNING_DEGRADED"
	StatusTerminating     SessionStatus = "TERMINATING"
	StatusTerminated      SessionStatus = "TERMINATED"
	StatusCancelled       SessionStatus = "CANCELLED"
	StatusError           SessionStatus = "ERROR"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusTerminated, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// ClusterMode distinguishes single-node sessions from multi-node ones.
type ClusterMode string

const (
	ClusterModeSingleNode ClusterMode = "single-node"
	ClusterModeMultiNode  ClusterMode = "multi-node"
)

// SessionType is the user-facing session kind.
type SessionType string

const (
	SessionTypeInteractive SessionType = "interactive"
	SessionTypeBatch       SessionType = "batch"
	SessionTypeInference   SessionType = "inference"
	SessionTypeSystem      SessionType = "system"
)

// Scope identifies the owning keypair/user/group/domain of a session, used
// as the key for resource policy enforcement and DRF dominant-share
// computation.
type Scope struct {
	Keypair string `json:"keypair" db:"keypair"`
	User    string `json:"user" db:"user_id"`
	Group   string `json:"group" db:"group_id"`
	Domain  string `json:"domain" db:"domain"`
}

// Session is the user-visible compute request; an aggregate of one or more
// Kernels.
type Session struct {
	ID              string              `json:"id" db:"id"`
	Name            string              `json:"name" db:"name"`
	Owner           Scope               `json:"owner" db:"-"`
	ResourceGroup   string              `json:"resource_group" db:"resource_group"`
	RequestedSlots  resourceslot.Slot   `json:"requested_slots" db:"-"`
	ImageRefs       map[string]string   `json:"image_refs" db:"-"` // kernel role -> image reference
	ClusterMode     ClusterMode         `json:"cluster_mode" db:"cluster_mode"`
	ClusterSize     int                 `json:"cluster_size" db:"cluster_size"`
	Type            SessionType         `json:"type" db:"session_type"`
	Priority        int                 `json:"priority" db:"priority"`
	StartsAt        *time.Time          `json:"starts_at,omitempty" db:"starts_at"`
	VFolderMounts   []string            `json:"vfolder_mounts" db:"-"`
	EnvVars         map[string]string   `json:"env_vars" db:"-"`
	BootstrapScript string              `json:"bootstrap_script" db:"bootstrap_script"`
	IdleTimeout     time.Duration       `json:"idle_timeout" db:"idle_timeout"`
	MaxLifetime     time.Duration       `json:"max_lifetime" db:"max_lifetime"`
	DependsOn       []string            `json:"depends_on,omitempty" db:"-"`
	Status          SessionStatus       `json:"status" db:"status"`
	StatusVersion   int64               `json:"status_version" db:"status_version"`
	RetriesToSkip   int                 `json:"retries_to_skip" db:"retries_to_skip"`
	EnqueuedAt      time.Time           `json:"enqueued_at" db:"enqueued_at"`
	UpdatedAt       time.Time           `json:"updated_at" db:"updated_at"`
	Result          *SessionResult      `json:"result,omitempty" db:"-"`
}

// SessionResult records the outcome of a terminated session, used by
// dependency-gating in batch mode.
type SessionResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// ClusterRole distinguishes the single main kernel of a session from its
// subordinate kernels.
type ClusterRole string

const (
	ClusterRoleMain ClusterRole = "main"
	ClusterRoleSub  ClusterRole = "sub"
)

// KernelStatus mirrors the subset of SessionStatus relevant to an individual
// kernel's dispatch lifecycle.
type KernelStatus string

const (
	KernelStatusPending   KernelStatus = "PENDING"
	KernelStatusScheduled KernelStatus = "SCHEDULED"
	KernelStatusCreating  KernelStatus = "CREATING"
	KernelStatusRunning   KernelStatus = "RUNNING"
	KernelStatusTerminated KernelStatus = "TERMINATED"
	KernelStatusError     KernelStatus = "ERROR"
)

// Kernel is a single container/VM member of a Session.
type Kernel struct {
	ID              string            `json:"id" db:"id"`
	SessionID       string            `json:"session_id" db:"session_id"`
	Role            ClusterRole       `json:"role" db:"role"`
	Index           int               `json:"index" db:"cluster_idx"`
	ImageRef        string            `json:"image_ref" db:"image_ref"`
	AllocatedSlots  resourceslot.Slot `json:"allocated_slots" db:"-"`
	AgentID         *string           `json:"agent_id,omitempty" db:"agent_id"`
	ContainerID     *string           `json:"container_id,omitempty" db:"container_id"`
	ServicePorts    []int             `json:"service_ports,omitempty" db:"-"`
	Status          KernelStatus      `json:"status" db:"status"`
	LastAttemptSeq  int64             `json:"last_attempt_seq" db:"last_attempt_seq"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// Key returns the (role, index) pair that must be unique within a session.
func (k Kernel) Key() string {
	return string(k.Role) + "#" + strconv.Itoa(k.Index)
}
