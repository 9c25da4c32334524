package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lablup/baisched/internal/domain"
)

// KernelRepository is the durable store for domain.Kernel, satisfying
// reconciler.KernelSource directly.
type KernelRepository struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func NewKernelRepository(writer, reader *sqlx.DB) *KernelRepository {
	return &KernelRepository{writer: writer, reader: reader}
}

type kernelRow struct {
	ID             string         `db:"id"`
	SessionID      string         `db:"session_id"`
	Role           string         `db:"role"`
	ClusterIdx     int            `db:"cluster_idx"`
	ImageRef       string         `db:"image_ref"`
	AllocatedSlots string         `db:"allocated_slots"`
	AgentID        sql.NullString `db:"agent_id"`
	ContainerID    sql.NullString `db:"container_id"`
	ServicePorts   string         `db:"service_ports"`
	Status         string         `db:"status"`
	LastAttemptSeq int64          `db:"last_attempt_seq"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r kernelRow) toDomain() (*domain.Kernel, error) {
	k := &domain.Kernel{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Role:           domain.ClusterRole(r.Role),
		Index:          r.ClusterIdx,
		ImageRef:       r.ImageRef,
		Status:         domain.KernelStatus(r.Status),
		LastAttemptSeq: r.LastAttemptSeq,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.AgentID.Valid {
		k.AgentID = &r.AgentID.String
	}
	if r.ContainerID.Valid {
		k.ContainerID = &r.ContainerID.String
	}
	if err := json.Unmarshal([]byte(r.AllocatedSlots), &k.AllocatedSlots); err != nil {
		return nil, fmt.Errorf("decode allocated_slots: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ServicePorts), &k.ServicePorts); err != nil {
		return nil, fmt.Errorf("decode service_ports: %w", err)
	}
	return k, nil
}

// Create inserts a new kernel row.
func (r *KernelRepository) Create(ctx context.Context, k *domain.Kernel) error {
	now := time.Now()
	k.CreatedAt, k.UpdatedAt = now, now

	allocatedSlots, err := json.Marshal(k.AllocatedSlots)
	if err != nil {
		return err
	}
	servicePorts, err := json.Marshal(k.ServicePorts)
	if err != nil {
		return err
	}

	query := `INSERT INTO kernels (
		id, session_id, role, cluster_idx, image_ref, allocated_slots, agent_id, container_id,
		service_ports, status, last_attempt_seq, created_at, updated_at
	) VALUES (
		:id, :session_id, :role, :cluster_idx, :image_ref, :allocated_slots, :agent_id, :container_id,
		:service_ports, :status, :last_attempt_seq, :created_at, :updated_at
	)`
	_, err = r.writer.NamedExecContext(ctx, query, map[string]interface{}{
		"id":                k.ID,
		"session_id":        k.SessionID,
		"role":              string(k.Role),
		"cluster_idx":       k.Index,
		"image_ref":         k.ImageRef,
		"allocated_slots":   string(allocatedSlots),
		"agent_id":          k.AgentID,
		"container_id":      k.ContainerID,
		"service_ports":     string(servicePorts),
		"status":            string(k.Status),
		"last_attempt_seq": k.LastAttemptSeq,
		"created_at":        k.CreatedAt,
		"updated_at":        k.UpdatedAt,
	})
	return err
}

// ListBySession implements reconciler.KernelSource.
func (r *KernelRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.Kernel, error) {
	query := r.reader.Rebind(`SELECT id, session_id, role, cluster_idx, image_ref, allocated_slots,
		agent_id, container_id, service_ports, status, last_attempt_seq, created_at, updated_at
		FROM kernels WHERE session_id = ? ORDER BY cluster_idx ASC`)
	var rows []kernelRow
	if err := r.reader.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, err
	}
	out := make([]*domain.Kernel, 0, len(rows))
	for _, row := range rows {
		k, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// UpdateStatus writes a kernel's status, agent/container assignment in one
// statement, used after a successful or failed dispatch RPC.
func (r *KernelRepository) UpdateStatus(ctx context.Context, id string, status domain.KernelStatus, agentID, containerID *string) error {
	query := r.writer.Rebind(`UPDATE kernels SET status = ?, agent_id = ?, container_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
	result, err := r.writer.ExecContext(ctx, query, string(status), agentID, containerID, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
