package api

import (
	"time"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/resourceslot"
)

// EnqueueSessionRequest is the JSON body for POST /sessions.
type EnqueueSessionRequest struct {
	ID              string            `json:"id" binding:"required"`
	Name            string            `json:"name"`
	Keypair         string            `json:"keypair" binding:"required"`
	User            string            `json:"user"`
	Group           string            `json:"group"`
	Domain          string            `json:"domain"`
	ResourceGroup   string            `json:"resource_group" binding:"required"`
	RequestedSlots  map[string]int64  `json:"requested_slots" binding:"required"`
	ImageRefs       map[string]string `json:"image_refs"`
	ClusterMode     string            `json:"cluster_mode"`
	ClusterSize     int               `json:"cluster_size"`
	Type            string            `json:"type"`
	Priority        int               `json:"priority"`
	VFolderMounts   []string          `json:"vfolder_mounts"`
	EnvVars         map[string]string `json:"env_vars"`
	BootstrapScript string            `json:"bootstrap_script"`
	IdleTimeout     time.Duration     `json:"idle_timeout"`
	MaxLifetime     time.Duration     `json:"max_lifetime"`
	DependsOn       []string          `json:"depends_on"`
}

func (r EnqueueSessionRequest) toDomain() *domain.Session {
	clusterMode := domain.ClusterModeSingleNode
	if r.ClusterMode == string(domain.ClusterModeMultiNode) {
		clusterMode = domain.ClusterModeMultiNode
	}
	sessionType := domain.SessionTypeInteractive
	if r.Type != "" {
		sessionType = domain.SessionType(r.Type)
	}
	clusterSize := r.ClusterSize
	if clusterSize < 1 {
		clusterSize = 1
	}
	return &domain.Session{
		ID:              r.ID,
		Name:            r.Name,
		Owner:           domain.Scope{Keypair: r.Keypair, User: r.User, Group: r.Group, Domain: r.Domain},
		ResourceGroup:   r.ResourceGroup,
		RequestedSlots:  resourceslot.New(r.RequestedSlots),
		ImageRefs:       r.ImageRefs,
		ClusterMode:     clusterMode,
		ClusterSize:     clusterSize,
		Type:            sessionType,
		Priority:        r.Priority,
		VFolderMounts:   r.VFolderMounts,
		EnvVars:         r.EnvVars,
		BootstrapScript: r.BootstrapScript,
		IdleTimeout:     r.IdleTimeout,
		MaxLifetime:     r.MaxLifetime,
		DependsOn:       r.DependsOn,
	}
}

// ExecRequest is the JSON body for POST /sessions/:sessionId/exec.
type ExecRequest struct {
	RunID string `json:"run_id" binding:"required"`
	Mode  string `json:"mode" binding:"required"` // query | batch | script
	Code  string `json:"code" binding:"required"`
}

// InterruptRequest is the JSON body for POST /sessions/:sessionId/interrupt.
type InterruptRequest struct {
	RunID string `json:"run_id"`
}

// ResultResponse mirrors manager.Result for the wire.
type ResultResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Seq       int64  `json:"seq"`
}

// SessionsListResponse wraps a match_sessions result.
type SessionsListResponse struct {
	Sessions []*domain.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// HealthResponse is the liveness-probe body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
