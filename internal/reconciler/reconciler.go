// Package reconciler runs the periodic check-and-transit sweep: for every
// non-terminal session it compares elapsed time in the current status
// against a state-specific deadline and forces an ERROR transition when a
// session is stuck (TERMINATING for an idle RUNNING session), and
// separately sweeps kernels whose
// DB record and agent-reported reality have drifted apart. Structurally
// this follows the teacher's own reconcile-loop shape (a ticker-driven
// Start/Stop pair invoking one reconcile pass per tick, each pass split
// into independent sub-passes that log and continue rather than abort on
// a single failure) generalized from node/container health to session
// lifecycle deadlines.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/statemachine"
)

// SessionSource loads every non-terminal session along with the timestamp
// of its most recent status change, so the reconciler can compute elapsed
// time in the current state without re-deriving it from status_history.
type SessionSource interface {
	ListActive(ctx context.Context) ([]*domain.Session, error)
}

// KernelSource loads the kernels belonging to a session, for the orphan
// sweep.
type KernelSource interface {
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Kernel, error)
}

// AgentStatusChecker reports whether an agent still considers a kernel
// live, used to detect orphaned DB kernels (DB says RUNNING, agent has no
// record) and orphaned containers (agent has a container absent from the
// DB is handled by the dispatch coordinator's own bookkeeping, which this
// package does not duplicate).
type AgentStatusChecker interface {
	GetKernelStatus(ctx context.Context, agentID, kernelID string) (domain.KernelStatus, error)
}

// Deadlines resolves the stuck-state deadline for a (resource_group, status)
// pair, consulting a per-group override before the package-wide default.
type Deadlines struct {
	Default  map[domain.SessionStatus]time.Duration
	PerGroup map[string]map[domain.SessionStatus]time.Duration
}

// For returns the configured deadline for status within resourceGroup, and
// whether one is configured at all. A zero/absent deadline means "never
// force a transition for this status" — e.g. PENDING has no deadline since
// remaining queued is expected behavior, not a stuck state.
func (d Deadlines) For(resourceGroup string, status domain.SessionStatus) (time.Duration, bool) {
	if overrides, ok := d.PerGroup[resourceGroup]; ok {
		if dl, ok := overrides[status]; ok {
			return dl, true
		}
	}
	dl, ok := d.Default[status]
	return dl, ok
}

// Config tunes the reconciler's cadence and deadlines.
type Config struct {
	Interval  time.Duration
	Deadlines Deadlines
}

// Reconciler periodically sweeps active sessions for stuck states and
// orphaned kernels.
type Reconciler struct {
	config   Config
	sessions SessionSource
	kernels  KernelSource
	agents   AgentStatusChecker
	machine  *statemachine.Machine
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Reconciler.
func New(cfg Config, sessions SessionSource, kernels KernelSource, agents AgentStatusChecker, machine *statemachine.Machine, log *logging.Logger) *Reconciler {
	return &Reconciler{
		config:   cfg,
		sessions: sessions,
		kernels:  kernels,
		agents:   agents,
		machine:  machine,
		logger:   log.WithFields(zap.String("component", "reconciler")),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// IsRunning reports whether the loop is active.
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	interval := r.config.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass: deadline sweep, then
// orphan-kernel sweep. Each sub-pass logs and continues past individual
// failures rather than aborting the whole cycle, since one session's
// reconciliation should not block another's.
func (r *Reconciler) RunOnce(ctx context.Context) {
	sessions, err := r.sessions.ListActive(ctx)
	if err != nil {
		r.logger.Error("failed to list active sessions", zap.Error(err))
		return
	}

	for _, sess := range sessions {
		r.checkDeadline(ctx, sess)
	}
	for _, sess := range sessions {
		r.sweepOrphanKernels(ctx, sess)
	}
}

// checkDeadline forces ERROR if sess has spent longer than its status's
// configured deadline in the current state. RUNNING is handled specially:
// exceeding the idle timeout moves it to TERMINATING (a graceful close),
// not ERROR, since idling out is expected behavior, not a failure.
func (r *Reconciler) checkDeadline(ctx context.Context, sess *domain.Session) {
	deadline, ok := r.config.Deadlines.For(sess.ResourceGroup, sess.Status)
	if !ok || deadline <= 0 {
		return
	}
	elapsed := time.Since(sess.UpdatedAt)
	if elapsed <= deadline {
		return
	}

	if sess.Status == domain.StatusRunning && sess.IdleTimeout > 0 && elapsed >= sess.IdleTimeout {
		if err := r.machine.Transit(ctx, sess.ID, sess.Status, domain.StatusTerminating, sess.StatusVersion, "idle timeout exceeded", nil); err != nil {
			r.logger.Warn("failed to transition idle session to TERMINATING", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return
	}

	reason := "stuck in " + string(sess.Status)
	if err := r.machine.ForceError(ctx, sess.ID, sess.Status, sess.StatusVersion, reason); err != nil {
		r.logger.Warn("failed to force stuck session to ERROR", zap.String("session_id", sess.ID), zap.String("status", string(sess.Status)), zap.Error(err))
	}
}

// sweepOrphanKernels instructs a resolution for any kernel whose DB record
// claims RUNNING but whose owning agent no longer reports it, per the
// "authoritative side matches the other" rule: the DB is corrected to
// ERROR since the agent's live view wins for liveness questions.
func (r *Reconciler) sweepOrphanKernels(ctx context.Context, sess *domain.Session) {
	if r.kernels == nil || r.agents == nil {
		return
	}
	kernels, err := r.kernels.ListBySession(ctx, sess.ID)
	if err != nil {
		r.logger.Warn("failed to list kernels for orphan sweep", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}

	for _, k := range kernels {
		if k.Status != domain.KernelStatusRunning || k.AgentID == nil {
			continue
		}
		status, err := r.agents.GetKernelStatus(ctx, *k.AgentID, k.ID)
		if err != nil {
			r.logger.Debug("agent unreachable during orphan sweep", zap.String("kernel_id", k.ID), zap.Error(err))
			continue
		}
		if status == domain.KernelStatusRunning {
			continue
		}
		r.logger.Warn("orphaned kernel: DB says RUNNING, agent disagrees",
			zap.String("session_id", sess.ID), zap.String("kernel_id", k.ID), zap.String("agent_status", string(status)))
		if err := r.machine.ForceError(ctx, sess.ID, sess.Status, sess.StatusVersion, "orphaned kernel "+k.ID); err != nil {
			r.logger.Warn("failed to force session to ERROR for orphaned kernel", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}
