package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/placement"
	"github.com/lablup/baisched/internal/resourceslot"
	"github.com/lablup/baisched/internal/statemachine"
)

type fakeAgentClient struct {
	mu       sync.Mutex
	fail     bool
	created  []string
	destroyed []string
}

func (c *fakeAgentClient) CreateKernel(ctx context.Context, req *CreateKernelRequest) (*CreateKernelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, assertErr
	}
	c.created = append(c.created, req.KernelID)
	return &CreateKernelResponse{ContainerID: "container-" + req.KernelID, Status: domain.KernelStatusRunning}, nil
}

func (c *fakeAgentClient) DestroyKernel(ctx context.Context, kernelID string, attemptSeq int64, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = append(c.destroyed, kernelID)
	return nil
}

func (c *fakeAgentClient) GetKernelStatus(ctx context.Context, kernelID string) (domain.KernelStatus, error) {
	return domain.KernelStatusRunning, nil
}

func (c *fakeAgentClient) Exec(ctx context.Context, kernelID string, attemptSeq int64, command []string) (<-chan []byte, error) {
	return nil, nil
}

func (c *fakeAgentClient) Interrupt(ctx context.Context, kernelID string, attemptSeq int64) error {
	return nil
}

func (c *fakeAgentClient) Restart(ctx context.Context, kernelID string, attemptSeq int64) error {
	return nil
}

var assertErr = &createKernelErr{"create_kernel failed"}

type createKernelErr struct{ msg string }

func (e *createKernelErr) Error() string { return e.msg }

type fakeKernelStore struct {
	mu      sync.Mutex
	kernels map[string][]*domain.Kernel
	updated map[string]domain.KernelStatus
}

func newFakeKernelStore(sessionID string, kernels ...*domain.Kernel) *fakeKernelStore {
	return &fakeKernelStore{
		kernels: map[string][]*domain.Kernel{sessionID: kernels},
		updated: make(map[string]domain.KernelStatus),
	}
}

func (f *fakeKernelStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.Kernel, error) {
	return f.kernels[sessionID], nil
}

func (f *fakeKernelStore) UpdateStatus(ctx context.Context, id string, status domain.KernelStatus, agentID, containerID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[id] = status
	return nil
}

// sessionLookupFromStore reads a session's live status/version straight out
// of a casStore, so a test's dispatcher and its ForceError reload always
// agree on what "live" means.
type sessionLookupFromStore struct {
	store *casStore
}

func (f *sessionLookupFromStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	status, version := f.store.get(sessionID)
	return &domain.Session{ID: sessionID, Status: status, StatusVersion: version}, nil
}

type casStore struct {
	mu       sync.Mutex
	statuses map[string]domain.SessionStatus
	versions map[string]int64
}

func newCASStore(sessionID string, status domain.SessionStatus, version int64) *casStore {
	return &casStore{
		statuses: map[string]domain.SessionStatus{sessionID: status},
		versions: map[string]int64{sessionID: version},
	}
}

func (s *casStore) CompareAndSetStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[sessionID] != from || s.versions[sessionID] != expectedVersion {
		return false, nil
	}
	s.statuses[sessionID] = to
	s.versions[sessionID]++
	return true, nil
}

func (s *casStore) AppendHistory(ctx context.Context, entry statemachine.HistoryEntry) error {
	return nil
}

func (s *casStore) get(sessionID string) (domain.SessionStatus, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[sessionID], s.versions[sessionID]
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.NewLogger(logging.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestDispatchSessionReachesRunningOnSuccess(t *testing.T) {
	sessionID := "sess-1"
	slots := resourceslot.New(map[string]int64{"cpu": 1})
	kernel := &domain.Kernel{ID: "k-1", SessionID: sessionID, Role: domain.ClusterRoleMain, Index: 1, ImageRef: "python:3.11", AllocatedSlots: slots, Status: domain.KernelStatusPending}

	store := newCASStore(sessionID, domain.StatusScheduled, 3)
	machine := statemachine.New(store, nil)
	kernels := newFakeKernelStore(sessionID, kernel)
	sessions := &sessionLookupFromStore{store: store}

	log := testLogger(t)
	coordinator := NewCoordinator(log, 1, time.Second)
	client := &fakeAgentClient{}
	coordinator.RegisterAgent("agent-1", client, 4)

	d := NewSessionDispatcher(coordinator, kernels, sessions, machine, 5*time.Second, log)
	d.dispatchSession(sessionID, []placement.Placement{{KernelKey: kernel.Key(), AgentID: "agent-1"}})

	status, version := store.get(sessionID)
	assert.Equal(t, domain.StatusRunning, status)
	assert.Equal(t, int64(6), version)
	assert.Equal(t, domain.KernelStatusRunning, kernels.updated["k-1"])
}

func TestDispatchSessionRollsBackAndForcesErrorOnFailure(t *testing.T) {
	sessionID := "sess-2"
	slots := resourceslot.New(map[string]int64{"cpu": 1})
	main := &domain.Kernel{ID: "k-main", SessionID: sessionID, Role: domain.ClusterRoleMain, Index: 1, ImageRef: "python:3.11", AllocatedSlots: slots, Status: domain.KernelStatusPending}
	sub := &domain.Kernel{ID: "k-sub", SessionID: sessionID, Role: domain.ClusterRoleSub, Index: 1, ImageRef: "python:3.11", AllocatedSlots: slots, Status: domain.KernelStatusPending}

	store := newCASStore(sessionID, domain.StatusScheduled, 7)
	machine := statemachine.New(store, nil)
	kernels := newFakeKernelStore(sessionID, main, sub)
	sessions := &sessionLookupFromStore{store: store}

	log := testLogger(t)
	coordinator := NewCoordinator(log, 1, time.Second)
	okClient := &fakeAgentClient{}
	failClient := &fakeAgentClient{fail: true}
	coordinator.RegisterAgent("agent-1", okClient, 4)
	coordinator.RegisterAgent("agent-2", failClient, 4)

	d := NewSessionDispatcher(coordinator, kernels, sessions, machine, 5*time.Second, log)
	d.dispatchSession(sessionID, []placement.Placement{
		{KernelKey: main.Key(), AgentID: "agent-1"},
		{KernelKey: sub.Key(), AgentID: "agent-2"},
	})

	status, version := store.get(sessionID)
	assert.Equal(t, domain.StatusError, status)
	assert.Equal(t, int64(10), version)
	assert.Contains(t, okClient.destroyed, "k-main")
}
