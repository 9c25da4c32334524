// Package scheduler runs the per-resource-group scheduling cycle: acquire
// leader lock, snapshot queue/agent state, rank candidates, place them on
// agents, reserve accounting, transition PENDING->SCHEDULED, and release the
// lock for the next tick. Structurally this follows the teacher's
// orchestrator/scheduler.Scheduler: a Start(ctx)/Stop() pair spawning a
// processLoop goroutine driven by a time.Ticker, selecting on ctx.Done(),
// stopCh and ticker.C, delegating each tick to an internal runCycle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lablup/baisched/internal/accounting"
	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/events/bus"
	"github.com/lablup/baisched/internal/leaderlock"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/placement"
	"github.com/lablup/baisched/internal/resourceslot"
	"github.com/lablup/baisched/internal/schederr"
	"github.com/lablup/baisched/internal/session/queue"
	"github.com/lablup/baisched/internal/statemachine"
)

// SessionSource loads the pending-session snapshot for one resource group's
// cycle. Backed by the durable sessions table outside this package.
type SessionSource interface {
	ListPending(ctx context.Context, resourceGroup string) ([]*domain.Session, error)
}

// AgentSource loads the agent-liveness snapshot for one resource group.
type AgentSource interface {
	ListAgents(ctx context.Context, resourceGroup string) ([]domain.Agent, error)
}

// AgentUsageWriter persists an agent's occupied-slot total, the durable half
// of the ledger's in-memory reservation (§4.7 step 5 "commit reservations to
// durable accounting").
type AgentUsageWriter interface {
	UpdateOccupiedSlots(ctx context.Context, agentID string, occupied resourceslot.Slot) error
}

// RetryTracker persists the HoL-avoidance retry counter FIFOPolicy ranks on,
// since the per-cycle SessionQueue built in runCycle does not survive past
// the cycle that built it.
type RetryTracker interface {
	IncrementRetriesToSkip(ctx context.Context, sessionID string) error
	ResetRetriesToSkip(ctx context.Context, sessionID string) error
}

// DispatchQueue hands a scheduled session off to the dispatch coordinator
// once its kernels have been placed; kept as a narrow interface so the
// scheduler package does not need to import the dispatch package's full
// AgentClient surface.
type DispatchQueue interface {
	Enqueue(sessionID string, placements []placement.Placement)
}

// Config tunes one resource group's scheduler loop.
type Config struct {
	ResourceGroup     string
	ProcessInterval   time.Duration
	MaxCycleDuration  time.Duration
	HolBlockThreshold int
	SessionPolicy     queue.SelectionPolicy
	AgentPolicy       placement.Policy
}

// DefaultConfig returns conservative tuning matching the teacher's own
// scheduler tick cadence.
func DefaultConfig(resourceGroup string) Config {
	return Config{
		ResourceGroup:    resourceGroup,
		ProcessInterval:  2 * time.Second,
		MaxCycleDuration: 10 * time.Second,
		SessionPolicy:    queue.FIFOPolicy{HolBlockThreshold: 2},
		AgentPolicy:      placement.ConcentratedPolicy{},
	}
}

// Scheduler runs the acquire/snapshot/select/place/reserve/commit/release
// cycle for a single resource group.
type Scheduler struct {
	config      Config
	sessions    SessionSource
	agents      AgentSource
	agentWriter AgentUsageWriter
	retries     RetryTracker
	machine     *statemachine.Machine
	ledger      *accounting.Ledger
	lock        leaderlock.Lock
	dispatch    DispatchQueue
	events      bus.EventBus
	logger      *logging.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler for one resource group.
func New(cfg Config, sessions SessionSource, agents AgentSource, agentWriter AgentUsageWriter, retries RetryTracker, machine *statemachine.Machine, ledger *accounting.Ledger, lock leaderlock.Lock, dispatch DispatchQueue, events bus.EventBus, log *logging.Logger) *Scheduler {
	return &Scheduler{
		config:      cfg,
		sessions:    sessions,
		agents:      agents,
		agentWriter: agentWriter,
		retries:     retries,
		machine:     machine,
		ledger:      ledger,
		lock:        lock,
		dispatch:    dispatch,
		events:      events,
		logger:      log.WithFields(zap.String("component", "scheduler"), zap.String("resource_group", cfg.ResourceGroup)),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the processing loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.processLoop(ctx)
	return nil
}

// Stop signals the processing loop to exit and waits for it to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// IsRunning reports whether the processing loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProcessInterval)
	defer ticker.Stop()

	wake := make(chan struct{}, 1)
	var sub bus.Subscription
	if s.events != nil {
		var err error
		sub, err = s.events.Subscribe(string(domain.EventSchedulerTick), func(ctx context.Context, ev *bus.Event) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to subscribe to scheduler tick events", zap.Error(err))
		}
	}
	if sub != nil {
		defer sub.Unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycleLogged(ctx)
		case <-wake:
			s.runCycleLogged(ctx)
		}
	}
}

func (s *Scheduler) runCycleLogged(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.config.MaxCycleDuration)
	defer cancel()

	start := time.Now()
	if err := s.runCycle(cycleCtx); err != nil {
		s.logger.Error("scheduling cycle failed", zap.Error(err))
	}
	if d := time.Since(start); s.config.MaxCycleDuration > 0 && d > s.config.MaxCycleDuration {
		s.logger.Warn("scheduling cycle exceeded configured bound", zap.Duration("duration", d))
	}
}

// runCycle executes one full acquire/snapshot/select/place/reserve/commit/
// release pass.
func (s *Scheduler) runCycle(ctx context.Context) error {
	token, err := s.lock.Acquire(ctx, s.config.ResourceGroup)
	if err != nil {
		return schederr.Transient(err, "acquire leader lock for %s", s.config.ResourceGroup)
	}
	defer func() {
		if err := s.lock.Release(ctx, s.config.ResourceGroup, token); err != nil {
			s.logger.Warn("failed to release leader lock", zap.Error(err))
		}
	}()

	pending, err := s.sessions.ListPending(ctx, s.config.ResourceGroup)
	if err != nil {
		return schederr.Transient(err, "list pending sessions for %s", s.config.ResourceGroup)
	}
	if len(pending) == 0 {
		return nil
	}

	liveAgents, err := s.agents.ListAgents(ctx, s.config.ResourceGroup)
	if err != nil {
		return schederr.Transient(err, "list agents for %s", s.config.ResourceGroup)
	}
	eligibleAgents := make([]domain.Agent, 0, len(liveAgents))
	for _, a := range liveAgents {
		if a.Eligible(s.config.ResourceGroup, "") {
			eligibleAgents = append(eligibleAgents, a)
		}
	}
	snapshot := placement.SnapshotAgents(eligibleAgents)

	q := queue.NewSessionQueue(0)
	for _, sess := range pending {
		if err := q.Enqueue(sess); err != nil {
			s.logger.Warn("failed to enqueue candidate session", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	ranked := s.config.SessionPolicy.Rank(q.List())

	for _, candidate := range ranked {
		if err := s.renewOrAbort(ctx, token); err != nil {
			return err
		}
		s.scheduleCandidate(ctx, candidate, &snapshot)
	}

	return nil
}

func (s *Scheduler) renewOrAbort(ctx context.Context, token int64) error {
	if err := s.lock.Renew(ctx, s.config.ResourceGroup, token); err != nil {
		return schederr.Transient(err, "lost leader lock for %s mid-cycle", s.config.ResourceGroup)
	}
	return nil
}

func (s *Scheduler) scheduleCandidate(ctx context.Context, candidate *queue.QueuedSession, snapshot *[]placement.AgentSnapshot) {
	sess := candidate.Session
	requests := kernelRequestsForSession(sess)
	slotsByKey := make(map[string]resourceslot.Slot, len(requests))
	for _, r := range requests {
		slotsByKey[r.Key] = r.Slots
	}

	placements, err := placement.JointPlace(s.config.AgentPolicy, requests, *snapshot)
	if err != nil {
		s.recordRetry(ctx, sess.ID)
		s.logger.Debug("no placement found for candidate", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}

	if err := s.machine.Transit(ctx, sess.ID, domain.StatusPending, domain.StatusScheduled, sess.StatusVersion, "scheduler picked agents", nil); err != nil {
		s.logger.Warn("transition to SCHEDULED failed after placement", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}

	touchedAgents := make(map[string]bool, len(placements))
	for _, p := range placements {
		s.ledger.Reserve(p.AgentID, sess.Owner.Keypair, sess.ID+"#"+p.KernelKey, slotsByKey[p.KernelKey])
		touchedAgents[p.AgentID] = true
	}
	debitSnapshot(snapshot, placements, slotsByKey)

	if s.agentWriter != nil {
		for agentID := range touchedAgents {
			if err := s.agentWriter.UpdateOccupiedSlots(ctx, agentID, s.ledger.AgentOccupied(agentID)); err != nil {
				s.logger.Error("failed to commit reservation to durable accounting", zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	}

	if s.dispatch != nil {
		s.dispatch.Enqueue(sess.ID, placements)
	}
	s.resetRetry(ctx, sess.ID)
}

func (s *Scheduler) recordRetry(ctx context.Context, sessionID string) {
	if s.retries == nil {
		return
	}
	if err := s.retries.IncrementRetriesToSkip(ctx, sessionID); err != nil {
		s.logger.Warn("failed to persist HoL retry counter", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Scheduler) resetRetry(ctx context.Context, sessionID string) {
	if s.retries == nil {
		return
	}
	if err := s.retries.ResetRetriesToSkip(ctx, sessionID); err != nil {
		s.logger.Warn("failed to clear HoL retry counter", zap.String("session_id", sessionID), zap.Error(err))
	}
}
