package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/resourceslot"
)

// AgentRepository is the durable store for domain.Agent, satisfying
// scheduler.AgentSource directly.
type AgentRepository struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func NewAgentRepository(writer, reader *sqlx.DB) *AgentRepository {
	return &AgentRepository{writer: writer, reader: reader}
}

type agentRow struct {
	ID                string    `db:"id"`
	Address           string    `db:"address"`
	ResourceGroup     string    `db:"resource_group"`
	Architecture      string    `db:"architecture"`
	TotalSlots        string    `db:"total_slots"`
	OccupiedSlots     string    `db:"occupied_slots"`
	LastHeartbeat     time.Time `db:"last_heartbeat"`
	Status            string    `db:"status"`
	ComputePlugins    string    `db:"compute_plugins"`
	ConcurrencyBudget int       `db:"concurrency_budget"`
}

func (r agentRow) toDomain() (domain.Agent, error) {
	a := domain.Agent{
		ID:                r.ID,
		Address:           r.Address,
		ResourceGroup:     r.ResourceGroup,
		Architecture:      r.Architecture,
		LastHeartbeat:     r.LastHeartbeat,
		Status:            domain.AgentStatus(r.Status),
		ConcurrencyBudget: r.ConcurrencyBudget,
	}
	if err := json.Unmarshal([]byte(r.TotalSlots), &a.TotalSlots); err != nil {
		return a, fmt.Errorf("decode total_slots: %w", err)
	}
	if err := json.Unmarshal([]byte(r.OccupiedSlots), &a.OccupiedSlots); err != nil {
		return a, fmt.Errorf("decode occupied_slots: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ComputePlugins), &a.ComputePlugins); err != nil {
		return a, fmt.Errorf("decode compute_plugins: %w", err)
	}
	return a, nil
}

// Upsert registers or updates an agent's reported capacity and status, used
// by heartbeat processing.
func (r *AgentRepository) Upsert(ctx context.Context, a domain.Agent) error {
	totalSlots, err := json.Marshal(a.TotalSlots)
	if err != nil {
		return err
	}
	occupiedSlots, err := json.Marshal(a.OccupiedSlots)
	if err != nil {
		return err
	}
	computePlugins, err := json.Marshal(a.ComputePlugins)
	if err != nil {
		return err
	}

	query := `INSERT INTO agents (
		id, address, resource_group, architecture, total_slots, occupied_slots, last_heartbeat,
		status, compute_plugins, concurrency_budget
	) VALUES (
		:id, :address, :resource_group, :architecture, :total_slots, :occupied_slots, :last_heartbeat,
		:status, :compute_plugins, :concurrency_budget
	) ON CONFLICT (id) DO UPDATE SET
		address = excluded.address,
		resource_group = excluded.resource_group,
		architecture = excluded.architecture,
		total_slots = excluded.total_slots,
		occupied_slots = excluded.occupied_slots,
		last_heartbeat = excluded.last_heartbeat,
		status = excluded.status,
		compute_plugins = excluded.compute_plugins,
		concurrency_budget = excluded.concurrency_budget`
	_, err = r.writer.NamedExecContext(ctx, query, map[string]interface{}{
		"id":                 a.ID,
		"address":            a.Address,
		"resource_group":     a.ResourceGroup,
		"architecture":       a.Architecture,
		"total_slots":        string(totalSlots),
		"occupied_slots":     string(occupiedSlots),
		"last_heartbeat":     a.LastHeartbeat,
		"status":             string(a.Status),
		"compute_plugins":    string(computePlugins),
		"concurrency_budget": a.ConcurrencyBudget,
	})
	return err
}

// ListAgents implements scheduler.AgentSource: every known agent in a
// resource group, regardless of liveness (the scheduler drops agents that
// fail domain.Agent.Eligible before snapshotting them for placement).
func (r *AgentRepository) ListAgents(ctx context.Context, resourceGroup string) ([]domain.Agent, error) {
	query := r.reader.Rebind(`SELECT id, address, resource_group, architecture, total_slots,
		occupied_slots, last_heartbeat, status, compute_plugins, concurrency_budget
		FROM agents WHERE resource_group = ?`)
	var rows []agentRow
	if err := r.reader.SelectContext(ctx, &rows, query, resourceGroup); err != nil {
		return nil, err
	}
	out := make([]domain.Agent, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ListAll returns every known agent regardless of resource group, used by
// operator tooling that needs a cluster-wide view.
func (r *AgentRepository) ListAll(ctx context.Context) ([]domain.Agent, error) {
	query := `SELECT id, address, resource_group, architecture, total_slots,
		occupied_slots, last_heartbeat, status, compute_plugins, concurrency_budget
		FROM agents`
	var rows []agentRow
	if err := r.reader.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	out := make([]domain.Agent, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// MarkLost flags agents whose last heartbeat is older than staleAfter as
// lost. The reconciler does not call it; nothing in the module outside its
// tests does.
func (r *AgentRepository) MarkLost(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	query := r.writer.Rebind(`UPDATE agents SET status = ? WHERE status = ? AND last_heartbeat < ?`)
	result, err := r.writer.ExecContext(ctx, query, string(domain.AgentStatusLost), string(domain.AgentStatusAlive), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Get returns a single agent by id.
func (r *AgentRepository) Get(ctx context.Context, id string) (domain.Agent, error) {
	query := r.reader.Rebind(`SELECT id, address, resource_group, architecture, total_slots,
		occupied_slots, last_heartbeat, status, compute_plugins, concurrency_budget
		FROM agents WHERE id = ?`)
	var row agentRow
	if err := r.reader.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return domain.Agent{}, ErrNotFound
		}
		return domain.Agent{}, err
	}
	return row.toDomain()
}

// UpdateOccupiedSlots writes an agent's current occupied-slot total, the
// durable half of the scheduler's in-memory ledger reservation (§4.7 step 5
// "commit reservations to durable accounting").
func (r *AgentRepository) UpdateOccupiedSlots(ctx context.Context, agentID string, occupied resourceslot.Slot) error {
	encoded, err := json.Marshal(occupied)
	if err != nil {
		return err
	}
	query := r.writer.Rebind(`UPDATE agents SET occupied_slots = ? WHERE id = ?`)
	result, err := r.writer.ExecContext(ctx, query, string(encoded), agentID)
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

// UpdateStatus sets an agent's liveness status directly, used by the
// drain-agent operator command (alive -> draining stops new placements
// without disturbing kernels already running there).
func (r *AgentRepository) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	query := r.writer.Rebind(`UPDATE agents SET status = ? WHERE id = ?`)
	result, err := r.writer.ExecContext(ctx, query, string(status), id)
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
