package statemachine

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/lablup/baisched/internal/domain"
)

// SQLStore implements Store against PostgreSQL/SQLite via sqlx, matching the
// dialect-aware UPDATE ... WHERE status=? AND status_version=? pattern: a
// zero affected-row count is the CAS-stale signal, not an error.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps a writer-pool connection for CAS status writes.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) CompareAndSetStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, expectedVersion int64) (bool, error) {
	query := s.db.Rebind(`UPDATE sessions
		SET status = ?, status_version = status_version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND status_version = ?`)
	result, err := s.db.ExecContext(ctx, query, string(to), sessionID, string(from), expectedVersion)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	var payload []byte
	if entry.Payload != nil {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return err
		}
	}

	query := `INSERT INTO status_history (session_id, from_status, to_status, reason, payload, at)
		VALUES (:session_id, :from_status, :to_status, :reason, :payload, :at)`
	_, err := s.db.NamedExecContext(ctx, query, map[string]interface{}{
		"session_id":  entry.SessionID,
		"from_status": string(entry.From),
		"to_status":   string(entry.To),
		"reason":      entry.Reason,
		"payload":     payload,
		"at":          entry.At,
	})
	return err
}
