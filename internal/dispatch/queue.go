package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/placement"
	"github.com/lablup/baisched/internal/statemachine"
)

// KernelStore loads the durable kernel records for a session, so
// SessionDispatcher can turn a placement.Placement (kernel key + agent id)
// into a full CreateKernelRequest, and writes back each kernel's resulting
// agent/container assignment once a create_kernel RPC completes.
type KernelStore interface {
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Kernel, error)
	UpdateStatus(ctx context.Context, id string, status domain.KernelStatus, agentID, containerID *string) error
}

// SessionLookup loads a session's live status/version immediately before a
// CAS-guarded transition, since the status the scheduler handed off with may
// already be stale by the time the create fan-out finishes.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
}

// SessionDispatcher implements scheduler.DispatchQueue: it turns one
// session's placement decisions into create_kernel RPCs fanned out across
// agents, driving the session through SCHEDULED -> PREPARING -> CREATING ->
// RUNNING on success, or rolling the whole session back to ERROR if any
// kernel in the cluster fails to come up (scenario: multi-node cluster
// rollback — agent Y's create_kernel fails, agent X's already-created kernel
// gets a destroy_kernel).
type SessionDispatcher struct {
	coordinator *Coordinator
	kernels     KernelStore
	sessions    SessionLookup
	machine     *statemachine.Machine
	timeout     time.Duration
	logger      *logging.Logger
}

// NewSessionDispatcher creates a SessionDispatcher over an already-populated
// Coordinator (agents registered via RegisterAgent).
func NewSessionDispatcher(coordinator *Coordinator, kernels KernelStore, sessions SessionLookup, machine *statemachine.Machine, rpcTimeout time.Duration, log *logging.Logger) *SessionDispatcher {
	if rpcTimeout <= 0 {
		rpcTimeout = 60 * time.Second
	}
	return &SessionDispatcher{
		coordinator: coordinator,
		kernels:     kernels,
		sessions:    sessions,
		machine:     machine,
		timeout:     rpcTimeout,
		logger:      log.WithFields(zap.String("component", "dispatch-queue")),
	}
}

// Enqueue satisfies scheduler.DispatchQueue. It runs the create-kernel fan-out
// in its own goroutine so the scheduler loop never blocks on RPC latency.
func (d *SessionDispatcher) Enqueue(sessionID string, placements []placement.Placement) {
	go d.dispatchSession(sessionID, placements)
}

func (d *SessionDispatcher) dispatchSession(sessionID string, placements []placement.Placement) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	sess, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		d.logger.Error("failed to load session for dispatch", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	if err := d.machine.Transit(ctx, sessionID, domain.StatusScheduled, domain.StatusPreparing, sess.StatusVersion, "create_kernel fan-out starting", nil); err != nil {
		d.logger.Error("transition to PREPARING failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	sess.StatusVersion++

	if err := d.machine.Transit(ctx, sessionID, domain.StatusPreparing, domain.StatusCreating, sess.StatusVersion, "image pull delegated to agent create_kernel", nil); err != nil {
		d.logger.Error("transition to CREATING failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	sess.StatusVersion++

	kernels, err := d.kernels.ListBySession(ctx, sessionID)
	if err != nil {
		d.logger.Error("failed to load kernels for dispatch", zap.String("session_id", sessionID), zap.Error(err))
		d.forceError(ctx, sessionID, "failed to load kernels: "+err.Error())
		return
	}
	byKey := make(map[string]*domain.Kernel, len(kernels))
	for _, k := range kernels {
		byKey[k.Key()] = k
	}

	type result struct {
		ref      CreatedKernelRef
		resp     *CreateKernelResponse
		kernelID string
		err      error
	}
	results := make(chan result, len(placements))
	for _, p := range placements {
		k, ok := byKey[p.KernelKey]
		if !ok {
			d.logger.Error("placement references unknown kernel", zap.String("session_id", sessionID), zap.String("kernel_key", p.KernelKey))
			results <- result{err: ErrKernelNotFound}
			continue
		}
		go func(k *domain.Kernel, agentID string) {
			resp, err := d.coordinator.CreateKernel(ctx, agentID, &CreateKernelRequest{
				KernelID:       k.ID,
				SessionID:      sessionID,
				AttemptSeq:     k.LastAttemptSeq + 1,
				Role:           k.Role,
				Index:          k.Index,
				ImageRef:       k.ImageRef,
				AllocatedSlots: k.AllocatedSlots,
			})
			if err != nil {
				results <- result{err: err, kernelID: k.ID}
				return
			}
			results <- result{
				ref:      CreatedKernelRef{KernelID: k.ID, AgentID: agentID, AttemptSeq: k.LastAttemptSeq + 1},
				resp:     resp,
				kernelID: k.ID,
			}
		}(k, p.AgentID)
	}

	var created []CreatedKernelRef
	var firstErr error
	for range placements {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		created = append(created, r.ref)
		agentID := r.ref.AgentID
		containerID := r.resp.ContainerID
		if err := d.kernels.UpdateStatus(ctx, r.kernelID, r.resp.Status, &agentID, &containerID); err != nil {
			d.logger.Error("failed to persist kernel assignment", zap.String("session_id", sessionID), zap.String("kernel_id", r.kernelID), zap.Error(err))
		}
	}

	if firstErr != nil {
		d.logger.Warn("cluster create failed, rolling back", zap.String("session_id", sessionID), zap.Error(firstErr))
		for _, rollbackErr := range d.coordinator.RollbackClusterCreate(ctx, created) {
			d.logger.Error("rollback destroy_kernel failed", zap.String("session_id", sessionID), zap.Error(rollbackErr))
		}
		d.forceError(ctx, sessionID, "create_kernel failed: "+firstErr.Error())
		return
	}

	if err := d.machine.Transit(ctx, sessionID, domain.StatusCreating, domain.StatusRunning, sess.StatusVersion, "all kernels created", nil); err != nil {
		d.logger.Error("transition to RUNNING failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	d.logger.Info("session reached RUNNING", zap.String("session_id", sessionID), zap.Int("kernel_count", len(created)))
}

// forceError reloads the session's live status/version before forcing it to
// ERROR: by the time a create_kernel RPC fails, the version this dispatch
// pass started with may already be behind, so a hardcoded version would lose
// the CAS and leave the session stuck.
func (d *SessionDispatcher) forceError(ctx context.Context, sessionID, reason string) {
	live, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		d.logger.Error("failed to reload session before forcing ERROR", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := d.machine.ForceError(ctx, sessionID, live.Status, live.StatusVersion, reason); err != nil {
		d.logger.Warn("failed to force session to ERROR after rollback", zap.String("session_id", sessionID), zap.Error(err))
	}
}
