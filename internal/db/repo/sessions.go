package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lablup/baisched/internal/domain"
)

// ErrNotFound is returned by single-row lookups that match no record.
var ErrNotFound = errors.New("repo: not found")

// SessionRepository is the durable store for domain.Session, satisfying
// scheduler.SessionSource and reconciler.SessionSource directly.
type SessionRepository struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewSessionRepository wraps separate writer/reader pools, matching the
// teacher's own writer-serializes/reader-fans-out split for SQLite WAL mode.
func NewSessionRepository(writer, reader *sqlx.DB) *SessionRepository {
	return &SessionRepository{writer: writer, reader: reader}
}

type sessionRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	Keypair         string         `db:"keypair"`
	UserID          string         `db:"user_id"`
	GroupID         string         `db:"group_id"`
	Domain          string         `db:"domain"`
	ResourceGroup   string         `db:"resource_group"`
	RequestedSlots  string         `db:"requested_slots"`
	ImageRefs       string         `db:"image_refs"`
	ClusterMode     string         `db:"cluster_mode"`
	ClusterSize     int            `db:"cluster_size"`
	SessionType     string         `db:"session_type"`
	Priority        int            `db:"priority"`
	StartsAt        sql.NullTime   `db:"starts_at"`
	VFolderMounts   string         `db:"vfolder_mounts"`
	EnvVars         string         `db:"env_vars"`
	BootstrapScript string         `db:"bootstrap_script"`
	IdleTimeout     int64          `db:"idle_timeout"`
	MaxLifetime     int64          `db:"max_lifetime"`
	DependsOn       string         `db:"depends_on"`
	Status          string         `db:"status"`
	StatusVersion   int64          `db:"status_version"`
	RetriesToSkip   int            `db:"retries_to_skip"`
	ResultSuccess   sql.NullBool   `db:"result_success"`
	ResultReason    string         `db:"result_reason"`
	EnqueuedAt      time.Time      `db:"enqueued_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r sessionRow) toDomain() (*domain.Session, error) {
	sess := &domain.Session{
		ID:              r.ID,
		Name:            r.Name,
		Owner:           domain.Scope{Keypair: r.Keypair, User: r.UserID, Group: r.GroupID, Domain: r.Domain},
		ResourceGroup:   r.ResourceGroup,
		ClusterMode:     domain.ClusterMode(r.ClusterMode),
		ClusterSize:     r.ClusterSize,
		Type:            domain.SessionType(r.SessionType),
		Priority:        r.Priority,
		BootstrapScript: r.BootstrapScript,
		IdleTimeout:     time.Duration(r.IdleTimeout),
		MaxLifetime:     time.Duration(r.MaxLifetime),
		Status:          domain.SessionStatus(r.Status),
		StatusVersion:   r.StatusVersion,
		RetriesToSkip:   r.RetriesToSkip,
		EnqueuedAt:      r.EnqueuedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.StartsAt.Valid {
		sess.StartsAt = &r.StartsAt.Time
	}
	if r.ResultSuccess.Valid {
		sess.Result = &domain.SessionResult{Success: r.ResultSuccess.Bool, Reason: r.ResultReason}
	}
	if err := json.Unmarshal([]byte(r.RequestedSlots), &sess.RequestedSlots); err != nil {
		return nil, fmt.Errorf("decode requested_slots: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ImageRefs), &sess.ImageRefs); err != nil {
		return nil, fmt.Errorf("decode image_refs: %w", err)
	}
	if err := json.Unmarshal([]byte(r.VFolderMounts), &sess.VFolderMounts); err != nil {
		return nil, fmt.Errorf("decode vfolder_mounts: %w", err)
	}
	if err := json.Unmarshal([]byte(r.EnvVars), &sess.EnvVars); err != nil {
		return nil, fmt.Errorf("decode env_vars: %w", err)
	}
	if err := json.Unmarshal([]byte(r.DependsOn), &sess.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	return sess, nil
}

func fromDomainSession(sess *domain.Session) (map[string]interface{}, error) {
	requestedSlots, err := json.Marshal(sess.RequestedSlots)
	if err != nil {
		return nil, err
	}
	imageRefs, err := json.Marshal(sess.ImageRefs)
	if err != nil {
		return nil, err
	}
	vfolderMounts, err := json.Marshal(sess.VFolderMounts)
	if err != nil {
		return nil, err
	}
	envVars, err := json.Marshal(sess.EnvVars)
	if err != nil {
		return nil, err
	}
	dependsOn, err := json.Marshal(sess.DependsOn)
	if err != nil {
		return nil, err
	}

	args := map[string]interface{}{
		"id":               sess.ID,
		"name":             sess.Name,
		"keypair":          sess.Owner.Keypair,
		"user_id":          sess.Owner.User,
		"group_id":         sess.Owner.Group,
		"domain":           sess.Owner.Domain,
		"resource_group":   sess.ResourceGroup,
		"requested_slots":  string(requestedSlots),
		"image_refs":       string(imageRefs),
		"cluster_mode":     string(sess.ClusterMode),
		"cluster_size":     sess.ClusterSize,
		"session_type":     string(sess.Type),
		"priority":         sess.Priority,
		"starts_at":        sess.StartsAt,
		"vfolder_mounts":   string(vfolderMounts),
		"env_vars":         string(envVars),
		"bootstrap_script": sess.BootstrapScript,
		"idle_timeout":     int64(sess.IdleTimeout),
		"max_lifetime":     int64(sess.MaxLifetime),
		"depends_on":       string(dependsOn),
		"status":           string(sess.Status),
		"status_version":   sess.StatusVersion,
		"retries_to_skip":  sess.RetriesToSkip,
		"enqueued_at":      sess.EnqueuedAt,
		"updated_at":       sess.UpdatedAt,
	}
	if sess.Result != nil {
		args["result_success"] = sess.Result.Success
		args["result_reason"] = sess.Result.Reason
	} else {
		args["result_success"] = nil
		args["result_reason"] = ""
	}
	return args, nil
}

// Create inserts a new session row, stamping EnqueuedAt/UpdatedAt if unset.
func (r *SessionRepository) Create(ctx context.Context, sess *domain.Session) error {
	now := time.Now()
	if sess.EnqueuedAt.IsZero() {
		sess.EnqueuedAt = now
	}
	sess.UpdatedAt = now
	if sess.StatusVersion == 0 {
		sess.StatusVersion = 1
	}

	args, err := fromDomainSession(sess)
	if err != nil {
		return err
	}
	query := `INSERT INTO sessions (
		id, name, keypair, user_id, group_id, domain, resource_group, requested_slots, image_refs,
		cluster_mode, cluster_size, session_type, priority, starts_at, vfolder_mounts, env_vars,
		bootstrap_script, idle_timeout, max_lifetime, depends_on, status, status_version,
		retries_to_skip, enqueued_at, updated_at
	) VALUES (
		:id, :name, :keypair, :user_id, :group_id, :domain, :resource_group, :requested_slots, :image_refs,
		:cluster_mode, :cluster_size, :session_type, :priority, :starts_at, :vfolder_mounts, :env_vars,
		:bootstrap_script, :idle_timeout, :max_lifetime, :depends_on, :status, :status_version,
		:retries_to_skip, :enqueued_at, :updated_at
	)`
	_, err = r.writer.NamedExecContext(ctx, query, args)
	return err
}

// Get loads a single session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	var row sessionRow
	query := r.reader.Rebind(`SELECT id, name, keypair, user_id, group_id, domain, resource_group,
		requested_slots, image_refs, cluster_mode, cluster_size, session_type, priority, starts_at,
		vfolder_mounts, env_vars, bootstrap_script, idle_timeout, max_lifetime, depends_on, status,
		status_version, retries_to_skip, result_success, result_reason, enqueued_at, updated_at
		FROM sessions WHERE id = ?`)
	if err := r.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toDomain()
}

// ListPending implements scheduler.SessionSource: every PENDING session in a
// resource group, oldest enqueued first so ties default to FIFO order
// before any SelectionPolicy reorders them.
func (r *SessionRepository) ListPending(ctx context.Context, resourceGroup string) ([]*domain.Session, error) {
	return r.listByStatus(ctx, resourceGroup, string(domain.StatusPending))
}

// ListActive implements reconciler.SessionSource: every session not in a
// terminal status, across all resource groups (the reconciler sweeps
// globally; per-group filtering happens via Deadlines.For).
func (r *SessionRepository) ListActive(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT id, name, keypair, user_id, group_id, domain, resource_group,
		requested_slots, image_refs, cluster_mode, cluster_size, session_type, priority, starts_at,
		vfolder_mounts, env_vars, bootstrap_script, idle_timeout, max_lifetime, depends_on, status,
		status_version, retries_to_skip, result_success, result_reason, enqueued_at, updated_at
		FROM sessions WHERE status NOT IN ('TERMINATED', 'CANCELLED', 'ERROR') ORDER BY updated_at ASC`
	var rows []sessionRow
	if err := r.reader.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	return rowsToDomain(rows)
}

func (r *SessionRepository) listByStatus(ctx context.Context, resourceGroup, status string) ([]*domain.Session, error) {
	query := r.reader.Rebind(`SELECT id, name, keypair, user_id, group_id, domain, resource_group,
		requested_slots, image_refs, cluster_mode, cluster_size, session_type, priority, starts_at,
		vfolder_mounts, env_vars, bootstrap_script, idle_timeout, max_lifetime, depends_on, status,
		status_version, retries_to_skip, result_success, result_reason, enqueued_at, updated_at
		FROM sessions WHERE resource_group = ? AND status = ? ORDER BY enqueued_at ASC`)
	var rows []sessionRow
	if err := r.reader.SelectContext(ctx, &rows, query, resourceGroup, status); err != nil {
		return nil, err
	}
	return rowsToDomain(rows)
}

// SessionFilter narrows Match to a subset of sessions; zero-value fields are
// not filtered on.
type SessionFilter struct {
	Keypair       string
	ResourceGroup string
	Status        domain.SessionStatus
}

// Match implements manager.Core's match_sessions query: an ad hoc filter
// over keypair/resource_group/status, most recently updated first.
func (r *SessionRepository) Match(ctx context.Context, filter SessionFilter) ([]*domain.Session, error) {
	query := `SELECT id, name, keypair, user_id, group_id, domain, resource_group,
		requested_slots, image_refs, cluster_mode, cluster_size, session_type, priority, starts_at,
		vfolder_mounts, env_vars, bootstrap_script, idle_timeout, max_lifetime, depends_on, status,
		status_version, retries_to_skip, result_success, result_reason, enqueued_at, updated_at
		FROM sessions WHERE 1=1`
	var args []interface{}
	if filter.Keypair != "" {
		query += " AND keypair = ?"
		args = append(args, filter.Keypair)
	}
	if filter.ResourceGroup != "" {
		query += " AND resource_group = ?"
		args = append(args, filter.ResourceGroup)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY updated_at DESC"

	var rows []sessionRow
	if err := r.reader.SelectContext(ctx, &rows, r.reader.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rowsToDomain(rows)
}

func rowsToDomain(rows []sessionRow) ([]*domain.Session, error) {
	out := make([]*domain.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// UpdateResult records the terminal outcome of a session, used by dependency
// gating in batch mode once the session reaches a terminal status.
func (r *SessionRepository) UpdateResult(ctx context.Context, id string, result domain.SessionResult) error {
	query := r.writer.Rebind(`UPDATE sessions SET result_success = ?, result_reason = ? WHERE id = ?`)
	_, err := r.writer.ExecContext(ctx, query, result.Success, result.Reason, id)
	return err
}

// IncrementRetriesToSkip bumps a session's HoL-avoidance counter after a
// cycle in which the scheduler found it a candidate but could not place it.
// Durable so FIFOPolicy.Rank sees the count on the next cycle's fresh
// ListPending load, unlike the scheduler's own per-cycle in-memory queue.
func (r *SessionRepository) IncrementRetriesToSkip(ctx context.Context, id string) error {
	query := r.writer.Rebind(`UPDATE sessions SET retries_to_skip = retries_to_skip + 1 WHERE id = ?`)
	_, err := r.writer.ExecContext(ctx, query, id)
	return err
}

// ResetRetriesToSkip clears a session's HoL-avoidance counter after a
// successful placement.
func (r *SessionRepository) ResetRetriesToSkip(ctx context.Context, id string) error {
	query := r.writer.Rebind(`UPDATE sessions SET retries_to_skip = 0 WHERE id = ?`)
	_, err := r.writer.ExecContext(ctx, query, id)
	return err
}
