// Package manager exposes the northbound session operations as a thin Go
// interface (Core), consumed directly by internal/api and by cmd/baisched.
// It owns no state of its own: every call is a CAS-guarded transition
// through statemachine.Machine plus a dispatch RPC, mirroring the teacher's
// orchestrator/lifecycle.Manager facade over its own task repository and
// executor.
package manager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lablup/baisched/internal/db/repo"
	"github.com/lablup/baisched/internal/dispatch"
	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/schederr"
	"github.com/lablup/baisched/internal/statemachine"
)

// Result is the typed return value of every write operation: the session's
// resulting status plus the status_history sequence number a caller may
// subscribe to on the event bus.
type Result struct {
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	Seq       int64                `json:"seq"`
}

// Core is the northbound operation set named in the external interfaces:
// enqueue/cancel/destroy/restart/interrupt/exec/query/match.
type Core interface {
	EnqueueSession(ctx context.Context, sess *domain.Session) (Result, error)
	Cancel(ctx context.Context, sessionID string) (Result, error)
	Destroy(ctx context.Context, sessionID string) (Result, error)
	Restart(ctx context.Context, sessionID string) (Result, error)
	Interrupt(ctx context.Context, sessionID, runID string) error
	Exec(ctx context.Context, sessionID, runID, mode, code string) (<-chan []byte, error)
	QuerySession(ctx context.Context, sessionID string) (*domain.Session, error)
	MatchSessions(ctx context.Context, filter repo.SessionFilter) ([]*domain.Session, error)
}

// core is the concrete Core backed by the durable repositories, the
// statemachine, and the dispatch coordinator.
type core struct {
	sessions *repo.SessionRepository
	kernels  *repo.KernelRepository
	machine  *statemachine.Machine
	dispatch *dispatch.Coordinator
	logger   *logging.Logger
}

// New creates a Core over the manager's durable stores and dispatch path.
func New(sessions *repo.SessionRepository, kernels *repo.KernelRepository, machine *statemachine.Machine, dispatcher *dispatch.Coordinator, log *logging.Logger) Core {
	return &core{
		sessions: sessions,
		kernels:  kernels,
		machine:  machine,
		dispatch: dispatcher,
		logger:   log.WithFields(zap.String("component", "manager")),
	}
}

// EnqueueSession validates and persists a new session in PENDING, leaving
// placement to the scheduler loop.
func (c *core) EnqueueSession(ctx context.Context, sess *domain.Session) (Result, error) {
	if sess.ID == "" {
		return Result{}, schederr.Validation("session id is required")
	}
	if sess.ResourceGroup == "" {
		return Result{}, schederr.Validation("resource_group is required")
	}
	if len(sess.RequestedSlots) == 0 {
		return Result{}, schederr.Validation("requested_slots must not be empty")
	}
	if sess.ClusterSize < 1 {
		sess.ClusterSize = 1
	}
	sess.Status = domain.StatusPending

	if err := c.sessions.Create(ctx, sess); err != nil {
		return Result{}, schederr.Wrap(err, "failed to enqueue session")
	}

	for _, k := range kernelsForSession(sess) {
		if err := c.kernels.Create(ctx, k); err != nil {
			return Result{}, schederr.Wrap(err, "failed to materialize kernel rows for session "+sess.ID)
		}
	}

	c.logger.Info("session enqueued", zap.String("session_id", sess.ID), zap.String("resource_group", sess.ResourceGroup))
	return Result{SessionID: sess.ID, Status: domain.StatusPending, Seq: sess.StatusVersion}, nil
}

// Cancel moves a PENDING session straight to CANCELLED. Acting on an
// already-terminal session is an idempotent no-op success.
func (c *core) Cancel(ctx context.Context, sessionID string) (Result, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return Result{}, notFoundOrWrap(err, sessionID)
	}
	if sess.Status.Terminal() {
		return Result{SessionID: sessionID, Status: sess.Status, Seq: sess.StatusVersion}, nil
	}
	if sess.Status != domain.StatusPending {
		return Result{}, schederr.Validation("session %s is not PENDING, cannot cancel (status=%s)", sessionID, sess.Status)
	}
	if err := c.machine.Transit(ctx, sessionID, domain.StatusPending, domain.StatusCancelled, sess.StatusVersion, "cancelled by caller", nil); err != nil {
		return Result{}, schederr.Wrap(err, "cancel failed")
	}
	return Result{SessionID: sessionID, Status: domain.StatusCancelled, Seq: sess.StatusVersion + 1}, nil
}

// Destroy cancels a PENDING session outright and moves any other
// non-terminal session to TERMINATING, then sends a best-effort
// destroy_kernel RPC for each of its assigned kernels (failures are logged,
// not returned). Nothing in this call, or elsewhere in the module, moves a
// TERMINATING session on to TERMINATED. Idempotent on an already-terminal
// session.
func (c *core) Destroy(ctx context.Context, sessionID string) (Result, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return Result{}, notFoundOrWrap(err, sessionID)
	}
	if sess.Status.Terminal() {
		return Result{SessionID: sessionID, Status: sess.Status, Seq: sess.StatusVersion}, nil
	}
	if sess.Status == domain.StatusPending {
		if err := c.machine.Transit(ctx, sessionID, domain.StatusPending, domain.StatusCancelled, sess.StatusVersion, "destroyed before scheduling", nil); err != nil {
			return Result{}, schederr.Wrap(err, "destroy failed")
		}
		return Result{SessionID: sessionID, Status: domain.StatusCancelled, Seq: sess.StatusVersion + 1}, nil
	}
	if err := c.machine.Transit(ctx, sessionID, sess.Status, domain.StatusTerminating, sess.StatusVersion, "destroyed by caller", nil); err != nil {
		return Result{}, schederr.Wrap(err, "destroy failed")
	}

	kernels, err := c.kernels.ListBySession(ctx, sessionID)
	if err != nil {
		c.logger.Error("failed to load kernels for destroy", zap.String("session_id", sessionID), zap.Error(err))
	}
	for _, k := range kernels {
		if k.AgentID == nil || k.Status == domain.KernelStatusTerminated {
			continue
		}
		if err := c.dispatch.DestroyKernel(ctx, *k.AgentID, k.ID, k.LastAttemptSeq, true); err != nil {
			c.logger.Error("destroy_kernel failed during session teardown",
				zap.String("session_id", sessionID), zap.String("kernel_id", k.ID), zap.Error(err))
		}
	}
	return Result{SessionID: sessionID, Status: domain.StatusTerminating, Seq: sess.StatusVersion + 1}, nil
}

// Restart moves a RUNNING session through RESTARTING, asking the dispatch
// coordinator to restart each kernel's runtime in place. A RUNNING_DEGRADED
// session passes the status check below but is rejected by Transit, since
// the edge table has no RUNNING_DEGRADED -> RESTARTING edge.
func (c *core) Restart(ctx context.Context, sessionID string) (Result, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return Result{}, notFoundOrWrap(err, sessionID)
	}
	if sess.Status != domain.StatusRunning && sess.Status != domain.StatusRunningDegraded {
		return Result{}, schederr.Validation("session %s must be RUNNING to restart (status=%s)", sessionID, sess.Status)
	}
	if err := c.machine.Transit(ctx, sessionID, sess.Status, domain.StatusRestarting, sess.StatusVersion, "restart requested", nil); err != nil {
		return Result{}, schederr.Wrap(err, "restart failed")
	}

	kernels, err := c.kernels.ListBySession(ctx, sessionID)
	if err != nil {
		return Result{}, schederr.Wrap(err, "failed to load kernels for restart")
	}
	for _, k := range kernels {
		if k.AgentID == nil {
			continue
		}
		if err := c.dispatch.Restart(ctx, *k.AgentID, k.ID, k.LastAttemptSeq); err != nil {
			return Result{}, schederr.Permanent(err, "restart failed for kernel %s", k.ID)
		}
	}

	if err := c.machine.Transit(ctx, sessionID, domain.StatusRestarting, domain.StatusRunning, sess.StatusVersion+1, "restart completed", nil); err != nil {
		return Result{}, schederr.Wrap(err, "restart completion failed")
	}
	return Result{SessionID: sessionID, Status: domain.StatusRunning, Seq: sess.StatusVersion + 2}, nil
}

// Interrupt sends an interrupt signal to a running kernel's code execution
// without affecting the session's lifecycle status.
func (c *core) Interrupt(ctx context.Context, sessionID, runID string) error {
	k, err := c.mainKernel(ctx, sessionID)
	if err != nil {
		return err
	}
	if k.AgentID == nil {
		return schederr.Validation("session %s has no agent assignment", sessionID)
	}
	if err := c.dispatch.Interrupt(ctx, *k.AgentID, k.ID, k.LastAttemptSeq); err != nil {
		return schederr.Wrap(err, "interrupt failed")
	}
	return nil
}

// Exec runs a code snippet in a running session's main kernel, returning a
// channel of streamed output chunks.
func (c *core) Exec(ctx context.Context, sessionID, runID, mode, code string) (<-chan []byte, error) {
	k, err := c.mainKernel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if k.AgentID == nil {
		return nil, schederr.Validation("session %s has no agent assignment", sessionID)
	}
	ch, err := c.dispatch.Exec(ctx, *k.AgentID, k.ID, k.LastAttemptSeq, []string{mode, code})
	if err != nil {
		return nil, schederr.Wrap(err, "exec failed")
	}
	return ch, nil
}

// QuerySession returns the full current record for one session.
func (c *core) QuerySession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, notFoundOrWrap(err, sessionID)
	}
	return sess, nil
}

// MatchSessions runs an ad hoc filter query, for list/search views.
func (c *core) MatchSessions(ctx context.Context, filter repo.SessionFilter) ([]*domain.Session, error) {
	sessions, err := c.sessions.Match(ctx, filter)
	if err != nil {
		return nil, schederr.Wrap(err, "match_sessions failed")
	}
	return sessions, nil
}

func (c *core) mainKernel(ctx context.Context, sessionID string) (*domain.Kernel, error) {
	kernels, err := c.kernels.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, schederr.Wrap(err, "failed to load kernels")
	}
	for _, k := range kernels {
		if k.Role == domain.ClusterRoleMain {
			return k, nil
		}
	}
	return nil, schederr.Validation("session %s has no main kernel", sessionID)
}

func notFoundOrWrap(err error, sessionID string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("session %s: %w", sessionID, repo.ErrNotFound)
	}
	return schederr.Wrap(err, "lookup failed for session "+sessionID)
}
