// Package raftlock backs leaderlock.Lock with a hashicorp/raft group per
// resource group: the replica whose local raft.Raft reports
// raft.Leader owns the lease, and the raft log's own monotonic commit index
// serves as the fenced token, exactly as the teacher's manager package
// exposes via raft.AppliedIndex()/LastIndex() for its own cluster-state FSM.
package raftlock

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/lablup/baisched/internal/leaderlock"
	"github.com/lablup/baisched/internal/logging"
)

// fsm is a no-op raft.FSM: leaderlock only needs leader election and a
// monotonic log index, not replicated application state, so Apply/Snapshot/
// Restore are trivial. Resource-group membership changes go through raft
// configuration changes, not FSM commands.
type fsm struct{}

func (fsm) Apply(*raft.Log) interface{}         { return nil }
func (fsm) Snapshot() (raft.FSMSnapshot, error) { return noopSnapshot{}, nil }
func (fsm) Restore(rc io.ReadCloser) error      { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// group holds the raft instance backing one resource group's lease.
type group struct {
	raft *raft.Raft
}

// Lock backs leaderlock.Lock with one raft group per resource group, each
// bootstrapped single-node for the reference deployment (multi-manager HA
// wires additional servers into the same raft.Configuration at startup).
type Lock struct {
	logger   *logging.Logger
	nodeID   string
	bindAddr string
	dataDir  string
	cfg      leaderlock.Config

	mu     sync.Mutex
	groups map[string]*group
}

// New creates a raft-backed Lock. dataDir holds one subdirectory per
// resource group's raft log/stable/snapshot stores.
func New(nodeID, bindAddr, dataDir string, cfg leaderlock.Config, log *logging.Logger) *Lock {
	return &Lock{
		logger:   log,
		nodeID:   nodeID,
		bindAddr: bindAddr,
		dataDir:  dataDir,
		cfg:      cfg,
		groups:   make(map[string]*group),
	}
}

func (l *Lock) groupFor(resourceGroup string) (*group, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.groups[resourceGroup]; ok {
		return g, nil
	}

	dir := filepath.Join(l.dataDir, resourceGroup)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(l.nodeID)

	addr, err := net.ResolveTCPAddr("tcp", l.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(l.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(dir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, fsm{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft instance: %w", err)
	}

	bootstrapConfig := raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	}
	if fut := r.BootstrapCluster(bootstrapConfig); fut.Error() != nil && fut.Error() != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("bootstrap raft group %s: %w", resourceGroup, fut.Error())
	}

	g := &group{raft: r}
	l.groups[resourceGroup] = g
	return g, nil
}

// Acquire blocks until this replica becomes raft leader for resourceGroup.
func (l *Lock) Acquire(ctx context.Context, resourceGroup string) (int64, error) {
	g, err := l.groupFor(resourceGroup)
	if err != nil {
		return 0, err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if g.raft.State() == raft.Leader {
			return int64(g.raft.AppliedIndex()), nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Renew reports whether the lease is still held; raft leadership has no
// explicit renewal call, so this simply re-validates state and token.
func (l *Lock) Renew(ctx context.Context, resourceGroup string, token int64) error {
	g, err := l.groupFor(resourceGroup)
	if err != nil {
		return err
	}
	if g.raft.State() != raft.Leader {
		return leaderlock.ErrNotLeader
	}
	if int64(g.raft.AppliedIndex()) < token {
		return leaderlock.ErrNotLeader
	}
	return nil
}

// Release steps down from leadership for resourceGroup.
func (l *Lock) Release(ctx context.Context, resourceGroup string, token int64) error {
	g, err := l.groupFor(resourceGroup)
	if err != nil {
		return err
	}
	if g.raft.State() == raft.Leader {
		g.raft.LeadershipTransfer()
	}
	return nil
}

// IsLeader reports current raft leadership for resourceGroup without
// blocking; returns false if the group has not been created yet.
func (l *Lock) IsLeader(resourceGroup string) bool {
	l.mu.Lock()
	g, ok := l.groups[resourceGroup]
	l.mu.Unlock()
	if !ok {
		return false
	}
	return g.raft.State() == raft.Leader
}

var _ leaderlock.Lock = (*Lock)(nil)
