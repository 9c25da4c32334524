// Package filelock backs leaderlock.Lock with an flock(2) exclusive lock on
// a regular file, for single-machine/dev deployments where a PostgreSQL
// instance or raft group would be overkill. No pack library wraps flock(2);
// golang.org/x/sys/unix is the ecosystem's standard low-level syscall
// binding for it and is the only dependency choice that actually avoids
// hand-rolling the syscall.
package filelock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lablup/baisched/internal/leaderlock"
)

// Lock backs leaderlock.Lock with one lock file per resource group under a
// base directory, and an in-process fenced-token counter persisted to the
// file's contents.
type Lock struct {
	baseDir string
	cfg     leaderlock.Config

	mu    sync.Mutex
	files map[string]*os.File
}

// New creates a file-lock-backed Lock rooted at baseDir.
func New(baseDir string, cfg leaderlock.Config) *Lock {
	return &Lock{baseDir: baseDir, cfg: cfg, files: make(map[string]*os.File)}
}

func (l *Lock) path(resourceGroup string) string {
	return fmt.Sprintf("%s/%s.lock", l.baseDir, resourceGroup)
}

// Acquire polls flock(LOCK_EX|LOCK_NB) until it succeeds or ctx is
// cancelled, then writes and returns a bumped fenced token.
func (l *Lock) Acquire(ctx context.Context, resourceGroup string) (int64, error) {
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return 0, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.path(resourceGroup), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open lock file: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return 0, fmt.Errorf("flock: %w", err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}

	token, err := bumpToken(f)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return 0, err
	}

	l.mu.Lock()
	l.files[resourceGroup] = f
	l.mu.Unlock()
	return token, nil
}

func bumpToken(f *os.File) (int64, error) {
	var current int64
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		current = 0
	} else {
		fmt.Sscanf(string(buf[:n]), "%d", &current)
	}
	next := current + 1
	if err := f.Truncate(0); err != nil {
		return 0, err
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d", next)), 0); err != nil {
		return 0, err
	}
	return next, nil
}

// Renew reports whether this process still holds the file's lock.
func (l *Lock) Renew(ctx context.Context, resourceGroup string, token int64) error {
	l.mu.Lock()
	_, ok := l.files[resourceGroup]
	l.mu.Unlock()
	if !ok {
		return leaderlock.ErrNotLeader
	}
	return nil
}

// Release unlocks and closes the file for resourceGroup.
func (l *Lock) Release(ctx context.Context, resourceGroup string, token int64) error {
	l.mu.Lock()
	f, ok := l.files[resourceGroup]
	delete(l.files, resourceGroup)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}

// IsLeader reports whether this process currently holds the lock file for
// resourceGroup.
func (l *Lock) IsLeader(resourceGroup string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.files[resourceGroup]
	return ok
}

var _ leaderlock.Lock = (*Lock)(nil)
