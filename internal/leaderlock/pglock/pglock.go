// Package pglock backs leaderlock.Lock with a PostgreSQL advisory lock held
// via pg_try_advisory_lock, for single-Postgres-instance deployments that
// would rather not stand up a raft group per resource group. The fenced
// token is a monotonic sequence column bumped on every successful acquire.
package pglock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lablup/baisched/internal/leaderlock"
)

// Lock backs leaderlock.Lock with Postgres advisory locks keyed by the
// resource group name hashed to an int64 lock key.
type Lock struct {
	db  *sqlx.DB
	cfg leaderlock.Config
}

// New creates a Postgres-advisory-lock-backed Lock.
func New(db *sqlx.DB, cfg leaderlock.Config) *Lock {
	return &Lock{db: db, cfg: cfg}
}

func lockKey(resourceGroup string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(resourceGroup))
	return int64(h.Sum64())
}

// Acquire polls pg_try_advisory_lock until it succeeds or ctx is cancelled,
// then bumps the fenced-token row for resourceGroup and returns its value.
func (l *Lock) Acquire(ctx context.Context, resourceGroup string) (int64, error) {
	key := lockKey(resourceGroup)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		var acquired bool
		if err := l.db.GetContext(ctx, &acquired, "SELECT pg_try_advisory_lock($1)", key); err != nil {
			return 0, err
		}
		if acquired {
			token, err := l.bumpToken(ctx, resourceGroup)
			if err != nil {
				_, _ = l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
				return 0, err
			}
			return token, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Lock) bumpToken(ctx context.Context, resourceGroup string) (int64, error) {
	var token int64
	err := l.db.GetContext(ctx, &token, `
		INSERT INTO leader_lock_tokens (resource_group, token)
		VALUES ($1, 1)
		ON CONFLICT (resource_group)
		DO UPDATE SET token = leader_lock_tokens.token + 1
		RETURNING token`, resourceGroup)
	return token, err
}

// Renew re-validates the advisory lock is still held (Postgres advisory
// locks are session-scoped, not leased, so this checks pg_locks rather than
// extending a TTL).
func (l *Lock) Renew(ctx context.Context, resourceGroup string, token int64) error {
	key := lockKey(resourceGroup)
	var held bool
	err := l.db.GetContext(ctx, &held, `
		SELECT EXISTS (SELECT 1 FROM pg_locks WHERE locktype = 'advisory' AND objid = $1 AND pid = pg_backend_pid())`, key)
	if err != nil {
		return err
	}
	if !held {
		return leaderlock.ErrNotLeader
	}

	var current int64
	if err := l.db.GetContext(ctx, &current, "SELECT token FROM leader_lock_tokens WHERE resource_group = $1", resourceGroup); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leaderlock.ErrNotLeader
		}
		return err
	}
	if current != token {
		return leaderlock.ErrNotLeader
	}
	return nil
}

// Release drops the advisory lock for resourceGroup.
func (l *Lock) Release(ctx context.Context, resourceGroup string, token int64) error {
	key := lockKey(resourceGroup)
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
	return err
}

// IsLeader reports whether this backend's own session currently holds the
// advisory lock for resourceGroup.
func (l *Lock) IsLeader(resourceGroup string) bool {
	key := lockKey(resourceGroup)
	var held bool
	err := l.db.Get(&held, `
		SELECT EXISTS (SELECT 1 FROM pg_locks WHERE locktype = 'advisory' AND objid = $1 AND pid = pg_backend_pid())`, key)
	return err == nil && held
}

var _ leaderlock.Lock = (*Lock)(nil)
