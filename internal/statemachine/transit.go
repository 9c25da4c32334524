package statemachine

import (
	"context"
	"errors"
	"time"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/events/bus"
	"github.com/lablup/baisched/internal/schederr"
)

// ErrStale is returned when the compare-and-set write loses: the session's
// status_version no longer matches what the caller read. The caller must
// reload the session and decide whether to retry or abort.
var ErrStale = errors.New("session status changed concurrently")

// HistoryEntry is one append-only row of a session's status history.
type HistoryEntry struct {
	SessionID string
	From      domain.SessionStatus
	To        domain.SessionStatus
	Reason    string
	Payload   map[string]interface{}
	At        time.Time
}

// Store is the durable persistence surface Transit needs: a CAS status write
// and an append-only history log. Implementations back this with
// PostgreSQL/SQLite via the dialect-aware UPDATE ... WHERE status=? AND
// status_version=? pattern described for this component.
type Store interface {
	// CompareAndSetStatus attempts the CAS write. It returns (false, nil) when
	// zero rows were affected (stale version), and a non-nil error only for
	// unexpected storage failures.
	CompareAndSetStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, expectedVersion int64) (bool, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) error
}

// Publisher is the narrow event-bus surface Transit uses to announce a
// completed transition; satisfied by bus.EventBus.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Machine is the sole legal mutator of session status.
type Machine struct {
	store     Store
	publisher Publisher
}

// New creates a Machine bound to a durable Store and an event Publisher.
func New(store Store, publisher Publisher) *Machine {
	return &Machine{store: store, publisher: publisher}
}

// Transit attempts to move session sessionID from current to next, appending
// a status_history row and publishing a session.status event on success.
// Calling Transit with next == current is a no-op success (idempotent on
// (session_id, next_status)); calling it with an edge not present in the
// table returns a Validation error without touching storage.
func (m *Machine) Transit(ctx context.Context, sessionID string, current, next domain.SessionStatus, expectedVersion int64, reason string, payload map[string]interface{}) error {
	if current == next {
		return nil
	}
	if !ValidEdge(current, next) {
		return schederr.Validation("invalid session transition %s -> %s", current, next)
	}

	ok, err := m.store.CompareAndSetStatus(ctx, sessionID, current, next, expectedVersion)
	if err != nil {
		return schederr.Transient(err, "cas status write for session %s", sessionID)
	}
	if !ok {
		return ErrStale
	}

	if err := m.store.AppendHistory(ctx, HistoryEntry{
		SessionID: sessionID,
		From:      current,
		To:        next,
		Reason:    reason,
		Payload:   payload,
		At:        time.Now(),
	}); err != nil {
		return schederr.Transient(err, "append status history for session %s", sessionID)
	}

	if m.publisher != nil {
		ev := domain.Event{
			SessionID: sessionID,
			Kind:      domain.EventSessionStatus,
			Source:    "statemachine",
			Timestamp: time.Now(),
			Payload: map[string]interface{}{
				"from":   string(current),
				"to":     string(next),
				"reason": reason,
			},
		}
		if err := m.publisher.Publish(ctx, string(domain.EventSessionStatus), bus.FromDomainEvent(ev)); err != nil {
			return schederr.Transient(err, "publish session.status for session %s", sessionID)
		}
	}

	return nil
}

// ForceTerminating moves any non-terminal session straight to TERMINATING,
// used by forced destroy regardless of its current state.
func (m *Machine) ForceTerminating(ctx context.Context, sessionID string, current domain.SessionStatus, expectedVersion int64, reason string) error {
	if current.Terminal() {
		return schederr.Validation("session %s is already terminal (%s)", sessionID, current)
	}
	if current == domain.StatusTerminating {
		return nil
	}
	return m.Transit(ctx, sessionID, current, domain.StatusTerminating, expectedVersion, reason, nil)
}

// ForceError moves any non-terminal session straight to ERROR, used when a
// fatal dispatch failure or invariant violation leaves no other recourse.
func (m *Machine) ForceError(ctx context.Context, sessionID string, current domain.SessionStatus, expectedVersion int64, reason string) error {
	if current.Terminal() {
		return schederr.Validation("session %s is already terminal (%s)", sessionID, current)
	}
	return m.Transit(ctx, sessionID, current, domain.StatusError, expectedVersion, reason, nil)
}
