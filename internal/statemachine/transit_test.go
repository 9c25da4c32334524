package statemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/events/bus"
)

type fakeStore struct {
	status  domain.SessionStatus
	version int64
	history []HistoryEntry
}

func newFakeStore(status domain.SessionStatus) *fakeStore {
	return &fakeStore{status: status, version: 1}
}

func (s *fakeStore) CompareAndSetStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, expectedVersion int64) (bool, error) {
	if s.status != from || s.version != expectedVersion {
		return false, nil
	}
	s.status = to
	s.version++
	return true, nil
}

func (s *fakeStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	s.history = append(s.history, entry)
	return nil
}

type recordingPublisher struct {
	published []*bus.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, event *bus.Event) error {
	p.published = append(p.published, event)
	return nil
}

func TestValidEdgeAcceptsKnownTransitions(t *testing.T) {
	assert.True(t, ValidEdge(domain.StatusPending, domain.StatusScheduled))
	assert.True(t, ValidEdge(domain.StatusRunning, domain.StatusRestarting))
	assert.True(t, ValidEdge(domain.StatusCreating, domain.StatusError))
	assert.True(t, ValidEdge(domain.StatusPending, domain.StatusPending))
}

func TestValidEdgeRejectsUnknownTransitions(t *testing.T) {
	assert.False(t, ValidEdge(domain.StatusPending, domain.StatusRunning))
	assert.False(t, ValidEdge(domain.StatusTerminated, domain.StatusRunning))
	assert.False(t, ValidEdge(domain.StatusPulling, domain.StatusRunning))
}

func TestTransitSucceedsAndAppendsHistory(t *testing.T) {
	store := newFakeStore(domain.StatusPending)
	pub := &recordingPublisher{}
	m := New(store, pub)

	err := m.Transit(context.Background(), "sess-1", domain.StatusPending, domain.StatusScheduled, 1, "scheduler picked agents", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, store.status)
	assert.Len(t, store.history, 1)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, string(domain.EventSessionStatus), pub.published[0].Type)
}

func TestTransitRejectsInvalidEdge(t *testing.T) {
	store := newFakeStore(domain.StatusPending)
	m := New(store, nil)

	err := m.Transit(context.Background(), "sess-1", domain.StatusPending, domain.StatusRunning, 1, "bad", nil)
	require.Error(t, err)
	assert.Equal(t, domain.StatusPending, store.status)
}

func TestTransitReturnsErrStaleOnVersionMismatch(t *testing.T) {
	store := newFakeStore(domain.StatusPending)
	store.version = 2
	m := New(store, nil)

	err := m.Transit(context.Background(), "sess-1", domain.StatusPending, domain.StatusScheduled, 1, "stale attempt", nil)
	require.ErrorIs(t, err, ErrStale)
}

func TestTransitIsIdempotentOnSameStatus(t *testing.T) {
	store := newFakeStore(domain.StatusRunning)
	m := New(store, nil)

	err := m.Transit(context.Background(), "sess-1", domain.StatusRunning, domain.StatusRunning, 1, "no-op", nil)
	require.NoError(t, err)
	assert.Empty(t, store.history)
}

func TestForceTerminatingRejectsAlreadyTerminal(t *testing.T) {
	store := newFakeStore(domain.StatusTerminated)
	m := New(store, nil)

	err := m.ForceTerminating(context.Background(), "sess-1", domain.StatusTerminated, 1, "admin force destroy")
	require.Error(t, err)
}

func TestForceTerminatingFromRunning(t *testing.T) {
	store := newFakeStore(domain.StatusRunning)
	m := New(store, nil)

	err := m.ForceTerminating(context.Background(), "sess-1", domain.StatusRunning, 1, "admin force destroy")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminating, store.status)
}
