// Package dispatch sends create/destroy/exec RPCs to worker agents and
// tracks in-flight kernel executions, generalizing the teacher's
// orchestrator/executor.Executor to kernel lifecycle RPCs instead of
// container-agent launches.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/resourceslot"
)

var (
	ErrConcurrencyBudgetReached = errors.New("agent concurrency budget reached")
	ErrKernelNotFound           = errors.New("kernel execution not found")
	ErrDuplicateAttempt         = errors.New("create attempt already acknowledged")
)

// AgentClient is the RPC surface a worker agent exposes to the coordinator.
// Every call is keyed by (kernel_id, attempt_seq) for at-most-once dispatch.
type AgentClient interface {
	CreateKernel(ctx context.Context, req *CreateKernelRequest) (*CreateKernelResponse, error)
	DestroyKernel(ctx context.Context, kernelID string, attemptSeq int64, force bool) error
	GetKernelStatus(ctx context.Context, kernelID string) (domain.KernelStatus, error)
	Exec(ctx context.Context, kernelID string, attemptSeq int64, command []string) (<-chan []byte, error)
	Interrupt(ctx context.Context, kernelID string, attemptSeq int64) error
	Restart(ctx context.Context, kernelID string, attemptSeq int64) error
}

// CreateKernelRequest carries everything an agent needs to start a kernel
// container.
type CreateKernelRequest struct {
	KernelID        string
	SessionID       string
	AttemptSeq      int64
	Role            domain.ClusterRole
	Index           int
	ImageRef        string
	AllocatedSlots  resourceslot.Slot
	VFolderMounts   []string
	EnvVars         map[string]string
	BootstrapScript string
}

// CreateKernelResponse is the agent's idempotent create acknowledgment.
type CreateKernelResponse struct {
	ContainerID  string
	ServicePorts []int
	Status       domain.KernelStatus
}

// kernelExecution tracks one kernel's dispatch bookkeeping: active status,
// last attempt sequence, and retry accounting.
type kernelExecution struct {
	KernelID    string
	SessionID   string
	AgentID     string
	AttemptSeq  int64
	Status      domain.KernelStatus
	StartedAt   time.Time
	LastUpdate  time.Time
	retryCount  int
	lastAckSeqs map[int64]bool // attempt_seq -> acknowledged, for idempotency
}

// Coordinator dispatches create/destroy/exec RPCs to agents, enforcing
// at-most-once attempts and a per-agent concurrency budget. It mirrors the
// teacher's Executor/AgentManagerClient split, renamed to kernel-lifecycle
// terms: LaunchAgent -> CreateKernel, StopAgent -> DestroyKernel,
// GetAgentStatus -> GetKernelStatus.
type Coordinator struct {
	logger *logging.Logger

	clients map[string]AgentClient // agent_id -> client
	budgets map[string]int         // agent_id -> concurrency budget
	inFlight map[string]int        // agent_id -> current in-flight create count

	executions map[string]*kernelExecution // kernel_id -> execution
	mu         sync.RWMutex

	retryLimit    int
	retryCooldown time.Duration
}

// NewCoordinator creates a Coordinator with no agents and the given retry
// limit and cooldown; agent clients and their concurrency budgets are added
// afterwards with RegisterAgent.
func NewCoordinator(log *logging.Logger, retryLimit int, retryCooldown time.Duration) *Coordinator {
	if retryLimit < 0 {
		retryLimit = 1
	}
	return &Coordinator{
		logger:        log.WithFields(zap.String("component", "dispatch")),
		clients:       make(map[string]AgentClient),
		budgets:       make(map[string]int),
		inFlight:      make(map[string]int),
		executions:    make(map[string]*kernelExecution),
		retryLimit:    retryLimit,
		retryCooldown: retryCooldown,
	}
}

// RegisterAgent wires an AgentClient and its advertised concurrency budget.
func (c *Coordinator) RegisterAgent(agentID string, client AgentClient, concurrencyBudget int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[agentID] = client
	if concurrencyBudget <= 0 {
		concurrencyBudget = 4
	}
	c.budgets[agentID] = concurrencyBudget
}

// CanDispatch reports whether agentID has spare concurrency budget for one
// more create RPC.
func (c *Coordinator) CanDispatch(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlight[agentID] < c.budgets[agentID]
}

// CreateKernel dispatches a create_kernel RPC, enforcing the agent's
// concurrency budget and at-most-once attempt semantics. Returns
// ErrConcurrencyBudgetReached if the agent is at capacity; callers should
// queue rather than drop.
func (c *Coordinator) CreateKernel(ctx context.Context, agentID string, req *CreateKernelRequest) (*CreateKernelResponse, error) {
	c.mu.Lock()
	client, ok := c.clients[agentID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.New("no agent client registered for " + agentID)
	}
	if c.inFlight[agentID] >= c.budgets[agentID] {
		c.mu.Unlock()
		return nil, ErrConcurrencyBudgetReached
	}

	exec, exists := c.executions[req.KernelID]
	if exists && exec.lastAckSeqs[req.AttemptSeq] {
		c.mu.Unlock()
		return nil, ErrDuplicateAttempt
	}

	c.inFlight[agentID]++
	if !exists {
		exec = &kernelExecution{
			KernelID:    req.KernelID,
			SessionID:   req.SessionID,
			AgentID:     agentID,
			StartedAt:   time.Now(),
			lastAckSeqs: make(map[int64]bool),
		}
		c.executions[req.KernelID] = exec
	}
	exec.AttemptSeq = req.AttemptSeq
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight[agentID]--
		c.mu.Unlock()
	}()

	c.logger.Info("dispatching create_kernel",
		zap.String("kernel_id", req.KernelID),
		zap.String("session_id", req.SessionID),
		zap.String("agent_id", agentID),
		zap.Int64("attempt_seq", req.AttemptSeq))

	resp, err := client.CreateKernel(ctx, req)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		exec.retryCount++
		c.logger.Error("create_kernel failed",
			zap.String("kernel_id", req.KernelID), zap.Error(err))
		return nil, err
	}

	exec.lastAckSeqs[req.AttemptSeq] = true
	exec.Status = resp.Status
	exec.LastUpdate = time.Now()
	return resp, nil
}

// DestroyKernel dispatches a destroy RPC, used both for normal teardown and
// for rollback of a partially created cluster session.
func (c *Coordinator) DestroyKernel(ctx context.Context, agentID, kernelID string, attemptSeq int64, force bool) error {
	c.mu.RLock()
	client, ok := c.clients[agentID]
	c.mu.RUnlock()
	if !ok {
		return errors.New("no agent client registered for " + agentID)
	}

	c.logger.Info("dispatching destroy_kernel",
		zap.String("kernel_id", kernelID), zap.String("agent_id", agentID), zap.Bool("force", force))

	if err := client.DestroyKernel(ctx, kernelID, attemptSeq, force); err != nil {
		c.logger.Error("destroy_kernel failed", zap.String("kernel_id", kernelID), zap.Error(err))
		return err
	}

	c.mu.Lock()
	delete(c.executions, kernelID)
	c.mu.Unlock()
	return nil
}

// Exec runs a code snippet inside an already-running kernel, streaming
// output back on the returned channel.
func (c *Coordinator) Exec(ctx context.Context, agentID, kernelID string, attemptSeq int64, command []string) (<-chan []byte, error) {
	c.mu.RLock()
	client, ok := c.clients[agentID]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.New("no agent client registered for " + agentID)
	}
	return client.Exec(ctx, kernelID, attemptSeq, command)
}

// Interrupt sends a SIGINT-equivalent to a kernel's running code, used by
// the northbound interrupt operation.
func (c *Coordinator) Interrupt(ctx context.Context, agentID, kernelID string, attemptSeq int64) error {
	c.mu.RLock()
	client, ok := c.clients[agentID]
	c.mu.RUnlock()
	if !ok {
		return errors.New("no agent client registered for " + agentID)
	}
	return client.Interrupt(ctx, kernelID, attemptSeq)
}

// Restart asks the agent to restart a kernel's code runtime in place,
// keeping the same container.
func (c *Coordinator) Restart(ctx context.Context, agentID, kernelID string, attemptSeq int64) error {
	c.mu.RLock()
	client, ok := c.clients[agentID]
	c.mu.RUnlock()
	if !ok {
		return errors.New("no agent client registered for " + agentID)
	}
	return client.Restart(ctx, kernelID, attemptSeq)
}

// GetKernelStatus asks agentID directly for kernelID's live status, used by
// the reconciler's orphaned-kernel sweep (reconciler.AgentStatusChecker) to
// compare against what the DB thinks the kernel's status is.
func (c *Coordinator) GetKernelStatus(ctx context.Context, agentID, kernelID string) (domain.KernelStatus, error) {
	c.mu.RLock()
	client, ok := c.clients[agentID]
	c.mu.RUnlock()
	if !ok {
		return "", errors.New("no agent client registered for " + agentID)
	}
	return client.GetKernelStatus(ctx, kernelID)
}

// RollbackClusterCreate destroys every already-created kernel in a
// partially-failed cluster session attempt. Errors are collected but do not
// stop the sweep; the reconciler catches anything left behind.
func (c *Coordinator) RollbackClusterCreate(ctx context.Context, created []CreatedKernelRef) []error {
	var errs []error
	for _, k := range created {
		if err := c.DestroyKernel(ctx, k.AgentID, k.KernelID, k.AttemptSeq, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// CreatedKernelRef identifies a kernel that was successfully created during
// a cluster session attempt, for rollback bookkeeping.
type CreatedKernelRef struct {
	KernelID   string
	AgentID    string
	AttemptSeq int64
}

// RetriableOnce reports whether a kernel's transient create failure is
// eligible for one re-enqueue, per the retry-limit/cooldown configuration.
func (c *Coordinator) RetriableOnce(kernelID string) (bool, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exec, ok := c.executions[kernelID]
	if !ok {
		return true, c.retryCooldown
	}
	return exec.retryCount < c.retryLimit, c.retryCooldown
}

// GetExecution returns a copy of the kernel's dispatch bookkeeping.
func (c *Coordinator) GetExecution(kernelID string) (*kernelExecution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exec, ok := c.executions[kernelID]
	if !ok {
		return nil, false
	}
	cp := *exec
	return &cp, true
}

// RemoveExecution drops a kernel's bookkeeping once it reaches a terminal
// status.
func (c *Coordinator) RemoveExecution(kernelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.executions, kernelID)
}

// NewAttemptSeq generates a monotonic-enough attempt sequence for a new RPC
// attempt. Using a UUID-derived value rather than an in-memory counter keeps
// attempt_seq unique across Manager restarts, at the cost of ordering
// (ordering is instead enforced by issuing RPCs serially per kernel).
func NewAttemptSeq() int64 {
	u := uuid.New()
	var v int64
	for _, b := range u[:8] {
		v = v<<8 | int64(b)
	}
	if v < 0 {
		v = -v
	}
	return v
}
