package accounting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/baisched/internal/resourceslot"
)

func TestReserveThenRelease(t *testing.T) {
	l := NewLedger()
	slots := resourceslot.New(map[string]int64{"cpu": 2})

	l.Reserve("agent-1", "keypair:kp-1", "kernel-1", slots)
	assert.Equal(t, int64(2), l.AgentOccupied("agent-1")["cpu"])
	assert.Equal(t, int64(2), l.ScopeUsed("keypair:kp-1")["cpu"])

	err := l.Release("agent-1", "keypair:kp-1", "kernel-1", slots)
	require.NoError(t, err)
	assert.True(t, l.AgentOccupied("agent-1").IsZero())
	assert.True(t, l.ScopeUsed("keypair:kp-1").IsZero())
}

func TestReleaseUnderflowIsInvariantViolation(t *testing.T) {
	l := NewLedger()
	slots := resourceslot.New(map[string]int64{"cpu": 2})

	err := l.Release("agent-1", "keypair:kp-1", "kernel-1", slots)
	require.Error(t, err)
}

func TestJournalRecomputeMatchesLiveState(t *testing.T) {
	l := NewLedger()
	slots := resourceslot.New(map[string]int64{"cpu": 4})

	l.Reserve("agent-1", "keypair:kp-1", "kernel-1", slots)
	l.Reserve("agent-1", "keypair:kp-1", "kernel-2", slots)
	require.NoError(t, l.Release("agent-1", "keypair:kp-1", "kernel-1", slots))

	recomputed := Recompute(l.Journal())
	assert.Equal(t, int64(4), recomputed["agent:agent-1"]["cpu"])
	assert.Equal(t, int64(4), recomputed["keypair:kp-1"]["cpu"])
}

func TestDetectDriftReportsMismatch(t *testing.T) {
	recomputed := map[string]resourceslot.Slot{
		"agent:agent-1": resourceslot.New(map[string]int64{"cpu": 4}),
	}
	stored := map[string]resourceslot.Slot{
		"agent:agent-1": resourceslot.New(map[string]int64{"cpu": 3}),
	}
	drifted := DetectDrift(recomputed, stored)
	assert.Equal(t, []string{"agent:agent-1"}, drifted)
}

func TestValidateAgainstPolicyRejectsOverCap(t *testing.T) {
	used := resourceslot.New(map[string]int64{"cpu": 8})
	total := resourceslot.New(map[string]int64{"cpu": 10})
	requested := resourceslot.New(map[string]int64{"cpu": 4})

	err := ValidateAgainstPolicy(nil, "keypair:kp-1", requested, used, total)
	require.Error(t, err)
}

func TestValidateAgainstPolicyAllowsInfiniteCap(t *testing.T) {
	used := resourceslot.New(map[string]int64{"cpu": 1000})
	total := resourceslot.New(map[string]int64{"cpu": resourceslot.Infinity})
	requested := resourceslot.New(map[string]int64{"cpu": 4})

	err := ValidateAgainstPolicy(nil, "keypair:kp-1", requested, used, total)
	require.NoError(t, err)
}
