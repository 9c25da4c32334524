package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/statemachine"
)

type fakeSessionSource struct {
	sessions []*domain.Session
}

func (f *fakeSessionSource) ListActive(ctx context.Context) ([]*domain.Session, error) {
	return f.sessions, nil
}

type fakeKernelSource struct {
	byID map[string][]*domain.Kernel
}

func (f *fakeKernelSource) ListBySession(ctx context.Context, sessionID string) ([]*domain.Kernel, error) {
	return f.byID[sessionID], nil
}

type fakeAgentChecker struct {
	status map[string]domain.KernelStatus
}

func (f *fakeAgentChecker) GetKernelStatus(ctx context.Context, agentID, kernelID string) (domain.KernelStatus, error) {
	return f.status[kernelID], nil
}

type fakeStore struct {
	mu       sync.Mutex
	statuses map[string]domain.SessionStatus
	versions map[string]int64
	history  []statemachine.HistoryEntry
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.NewLogger(logging.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestCheckDeadlineForcesErrorWhenStuck(t *testing.T) {
	sess := &domain.Session{
		ID:            "sess-1",
		ResourceGroup: "default",
		Status:        domain.StatusPreparing,
		StatusVersion: 1,
		UpdatedAt:     time.Now().Add(-time.Hour),
	}
	store := newFakeStore()
	store.statuses[sess.ID] = domain.StatusPreparing
	store.versions[sess.ID] = 1

	machine := statemachine.New(store, nil)
	cfg := Config{
		Interval: time.Minute,
		Deadlines: Deadlines{
			Default: map[domain.SessionStatus]time.Duration{
				domain.StatusPreparing: 5 * time.Minute,
			},
		},
	}
	r := New(cfg, &fakeSessionSource{sessions: []*domain.Session{sess}}, nil, nil, machine, testLogger(t))

	r.RunOnce(context.Background())

	assert.Equal(t, domain.StatusError, store.statuses["sess-1"])
	require.Len(t, store.history, 1)
	assert.Equal(t, "stuck in PREPARING", store.history[0].Reason)
}

func TestCheckDeadlineLeavesFreshSessionAlone(t *testing.T) {
	sess := &domain.Session{
		ID:            "sess-1",
		ResourceGroup: "default",
		Status:        domain.StatusPreparing,
		StatusVersion: 1,
		UpdatedAt:     time.Now(),
	}
	store := newFakeStore()
	store.statuses[sess.ID] = domain.StatusPreparing
	store.versions[sess.ID] = 1

	machine := statemachine.New(store, nil)
	cfg := Config{
		Deadlines: Deadlines{
			Default: map[domain.SessionStatus]time.Duration{domain.StatusPreparing: 5 * time.Minute},
		},
	}
	r := New(cfg, &fakeSessionSource{sessions: []*domain.Session{sess}}, nil, nil, machine, testLogger(t))

	r.RunOnce(context.Background())

	assert.Equal(t, domain.StatusPreparing, store.statuses["sess-1"])
}

func TestCheckDeadlineIdleRunningGoesToTerminating(t *testing.T) {
	sess := &domain.Session{
		ID:            "sess-1",
		ResourceGroup: "default",
		Status:        domain.StatusRunning,
		StatusVersion: 1,
		IdleTimeout:   time.Minute,
		UpdatedAt:     time.Now().Add(-time.Hour),
	}
	store := newFakeStore()
	store.statuses[sess.ID] = domain.StatusRunning
	store.versions[sess.ID] = 1

	machine := statemachine.New(store, nil)
	cfg := Config{
		Deadlines: Deadlines{
			Default: map[domain.SessionStatus]time.Duration{domain.StatusRunning: time.Minute},
		},
	}
	r := New(cfg, &fakeSessionSource{sessions: []*domain.Session{sess}}, nil, nil, machine, testLogger(t))

	r.RunOnce(context.Background())

	assert.Equal(t, domain.StatusTerminating, store.statuses["sess-1"])
}

func TestPerGroupOverrideWinsOverDefault(t *testing.T) {
	d := Deadlines{
		Default: map[domain.SessionStatus]time.Duration{domain.StatusPreparing: time.Hour},
		PerGroup: map[string]map[domain.SessionStatus]time.Duration{
			"gpu": {domain.StatusPreparing: time.Minute},
		},
	}
	dl, ok := d.For("gpu", domain.StatusPreparing)
	require.True(t, ok)
	assert.Equal(t, time.Minute, dl)

	dl, ok = d.For("default", domain.StatusPreparing)
	require.True(t, ok)
	assert.Equal(t, time.Hour, dl)
}

func TestSweepOrphanKernelsForcesErrorOnDisagreement(t *testing.T) {
	agentID := "agent-1"
	sess := &domain.Session{
		ID:            "sess-1",
		ResourceGroup: "default",
		Status:        domain.StatusRunning,
		StatusVersion: 1,
		UpdatedAt:     time.Now(),
	}
	kernel := &domain.Kernel{ID: "kernel-1", SessionID: sess.ID, AgentID: &agentID, Status: domain.KernelStatusRunning}

	store := newFakeStore()
	store.statuses[sess.ID] = domain.StatusRunning
	store.versions[sess.ID] = 1

	machine := statemachine.New(store, nil)
	kernels := &fakeKernelSource{byID: map[string][]*domain.Kernel{sess.ID: {kernel}}}
	agents := &fakeAgentChecker{status: map[string]domain.KernelStatus{"kernel-1": domain.KernelStatusError}}

	r := New(Config{}, &fakeSessionSource{sessions: []*domain.Session{sess}}, kernels, agents, machine, testLogger(t))

	r.RunOnce(context.Background())

	assert.Equal(t, domain.StatusError, store.statuses["sess-1"])
}

func TestStartStopTogglesRunning(t *testing.T) {
	store := newFakeStore()
	machine := statemachine.New(store, nil)
	cfg := Config{Interval: 10 * time.Millisecond}
	r := New(cfg, &fakeSessionSource{}, nil, nil, machine, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Start(ctx))
	assert.True(t, r.IsRunning())
	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
}
