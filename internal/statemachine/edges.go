// Package statemachine is the sole mutator of session status: it owns the
// transition edge table, the compare-and-set write, and the append-only
// status history. Every other package that needs to move a session forward
// calls Transit rather than writing status directly.
package statemachine

import "github.com/lablup/baisched/internal/domain"

// edges maps a current status to the set of statuses it may legally move to.
// Edges not listed here are rejected by Transit regardless of caller intent.
var edges = map[domain.SessionStatus]map[domain.SessionStatus]bool{
	domain.StatusPending: {
		domain.StatusScheduled:   true,
		domain.StatusCancelled:   true,
		domain.StatusTerminating: true,
	},
	domain.StatusScheduled: {
		domain.StatusPreparing:   true,
		domain.StatusError:       true,
		domain.StatusTerminating: true,
	},
	domain.StatusPreparing: {
		domain.StatusPulling:     true,
		domain.StatusCreating:    true,
		domain.StatusError:       true,
		domain.StatusTerminating: true,
	},
	domain.StatusPulling: {
		domain.StatusPrepared:    true,
		domain.StatusError:       true,
		domain.StatusTerminating: true,
	},
	domain.StatusPrepared: {
		domain.StatusCreating:    true,
		domain.StatusError:       true,
		domain.StatusTerminating: true,
	},
	domain.StatusCreating: {
		domain.StatusRunning:     true,
		domain.StatusError:       true,
		domain.StatusTerminating: true,
	},
	domain.StatusRunning: {
		domain.StatusRestarting:      true,
		domain.StatusRunningDegraded: true,
		domain.StatusTerminating:     true,
		domain.StatusError:           true,
	},
	domain.StatusRestarting: {
		domain.StatusRunning:     true,
		domain.StatusError:       true,
		domain.StatusTerminating: true,
	},
	domain.StatusRunningDegraded: {
		domain.StatusRunning:     true,
		domain.StatusTerminating: true,
		domain.StatusError:       true,
	},
	domain.StatusTerminating: {
		domain.StatusTerminated: true,
		domain.StatusError:      true,
	},
	// Terminal statuses have no outgoing edges.
	domain.StatusTerminated: {},
	domain.StatusCancelled:  {},
	domain.StatusError:      {},
}

// ValidEdge reports whether from -> to is a legal transition. Any non-terminal
// status may additionally move to TERMINATING (forced destroy) even though
// that is enumerated explicitly above for readability.
func ValidEdge(from, to domain.SessionStatus) bool {
	if from == to {
		return true // idempotent no-op, handled specially by Transit
	}
	return edges[from][to]
}
