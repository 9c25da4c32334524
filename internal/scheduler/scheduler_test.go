package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/baisched/internal/accounting"
	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/leaderlock"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/placement"
	"github.com/lablup/baisched/internal/resourceslot"
	"github.com/lablup/baisched/internal/statemachine"
)

type fakeSessionSource struct {
	mu       sync.Mutex
	sessions []*domain.Session
}

func (f *fakeSessionSource) ListPending(ctx context.Context, resourceGroup string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.Status == domain.StatusPending && s.ResourceGroup == resourceGroup {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeAgentSource struct {
	agents []domain.Agent
}

func (f *fakeAgentSource) ListAgents(ctx context.Context, resourceGroup string) ([]domain.Agent, error) {
	return f.agents, nil
}

type fakeRetryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeRetryTracker() *fakeRetryTracker {
	return &fakeRetryTracker{counts: make(map[string]int)}
}

func (f *fakeRetryTracker) IncrementRetriesToSkip(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[sessionID]++
	return nil
}

func (f *fakeRetryTracker) ResetRetriesToSkip(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, sessionID)
	return nil
}

func (f *fakeRetryTracker) get(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[sessionID]
}

type fakeDispatchQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeDispatchQueue) Enqueue(sessionID string, placements []placement.Placement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, sessionID)
}

// inMemoryLock is a trivial single-process leaderlock.Lock for tests: always
// grants the lease immediately since there is only ever one contender.
type inMemoryLock struct {
	mu    sync.Mutex
	token int64
	held  map[string]bool
}

func newInMemoryLock() *inMemoryLock {
	return &inMemoryLock{held: make(map[string]bool)}
}

func (l *inMemoryLock) Acquire(ctx context.Context, resourceGroup string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token++
	l.held[resourceGroup] = true
	return l.token, nil
}

func (l *inMemoryLock) Renew(ctx context.Context, resourceGroup string, token int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[resourceGroup] || token != l.token {
		return leaderlock.ErrNotLeader
	}
	return nil
}

func (l *inMemoryLock) Release(ctx context.Context, resourceGroup string, token int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[resourceGroup] = false
	return nil
}

func (l *inMemoryLock) IsLeader(resourceGroup string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[resourceGroup]
}

type fakeStore struct {
	mu       sync.Mutex
	statuses map[string]domain.SessionStatus
	versions map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string]domain.SessionStatus), versions: make(map[string]int64)}
}

func (s *fakeStore) CompareAndSetStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[sessionID] != from || s.versions[sessionID] != expectedVersion {
		return false, nil
	}
	s.statuses[sessionID] = to
	s.versions[sessionID]++
	return true, nil
}

func (s *fakeStore) AppendHistory(ctx context.Context, entry statemachine.HistoryEntry) error {
	return nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.NewLogger(logging.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testSession(id string, slots resourceslot.Slot) *domain.Session {
	return &domain.Session{
		ID:             id,
		ResourceGroup:  "default",
		Owner:          domain.Scope{Keypair: "kp-" + id},
		RequestedSlots: slots,
		ClusterMode:    domain.ClusterModeSingleNode,
		ClusterSize:    1,
		Status:         domain.StatusPending,
		StatusVersion:  1,
		EnqueuedAt:     time.Now(),
	}
}

func TestRunCycleSchedulesFittingCandidate(t *testing.T) {
	sess := testSession("sess-1", resourceslot.New(map[string]int64{"cpu": 2}))
	store := newFakeStore()
	store.statuses[sess.ID] = domain.StatusPending
	store.versions[sess.ID] = 1

	sessions := &fakeSessionSource{sessions: []*domain.Session{sess}}
	agents := &fakeAgentSource{agents: []domain.Agent{
		{ID: "agent-1", ResourceGroup: "default", Status: domain.AgentStatusAlive,
			TotalSlots: resourceslot.New(map[string]int64{"cpu": 8})},
	}}
	lock := newInMemoryLock()
	dispatchQ := &fakeDispatchQueue{}
	log := testLogger(t)
	machine := statemachine.New(store, nil)
	ledger := accounting.NewLedger()

	cfg := DefaultConfig("default")
	s := New(cfg, sessions, agents, nil, nil, machine, ledger, lock, dispatchQ, nil, log)

	err := s.runCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusScheduled, store.statuses["sess-1"])
	assert.Len(t, dispatchQ.enqueued, 1)
	assert.Equal(t, int64(2), ledger.AgentOccupied("agent-1")["cpu"])
}

func TestRunCycleSkipsCandidateWithNoFit(t *testing.T) {
	sess := testSession("sess-1", resourceslot.New(map[string]int64{"cpu": 16}))
	store := newFakeStore()
	store.statuses[sess.ID] = domain.StatusPending
	store.versions[sess.ID] = 1

	sessions := &fakeSessionSource{sessions: []*domain.Session{sess}}
	agents := &fakeAgentSource{agents: []domain.Agent{
		{ID: "agent-1", ResourceGroup: "default", Status: domain.AgentStatusAlive,
			TotalSlots: resourceslot.New(map[string]int64{"cpu": 4})},
	}}
	lock := newInMemoryLock()
	dispatchQ := &fakeDispatchQueue{}
	log := testLogger(t)
	machine := statemachine.New(store, nil)
	ledger := accounting.NewLedger()

	retries := newFakeRetryTracker()
	cfg := DefaultConfig("default")
	s := New(cfg, sessions, agents, nil, retries, machine, ledger, lock, dispatchQ, nil, log)

	err := s.runCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, store.statuses["sess-1"])
	assert.Empty(t, dispatchQ.enqueued)
	assert.Equal(t, 1, retries.get("sess-1"))
}

func TestStartStopTogglesRunning(t *testing.T) {
	sessions := &fakeSessionSource{}
	agents := &fakeAgentSource{}
	lock := newInMemoryLock()
	store := newFakeStore()
	machine := statemachine.New(store, nil)
	ledger := accounting.NewLedger()
	log := testLogger(t)

	cfg := DefaultConfig("default")
	cfg.ProcessInterval = 10 * time.Millisecond
	s := New(cfg, sessions, agents, nil, nil, machine, ledger, lock, nil, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}
