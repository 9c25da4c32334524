package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/baisched/internal/resourceslot"
)

func agentSnap(id string, freeCPU int64) AgentSnapshot {
	return AgentSnapshot{
		ID:            id,
		ResourceGroup: "default",
		Architecture:  "x86_64",
		Free:          resourceslot.New(map[string]int64{"cpu": freeCPU}),
		Total:         resourceslot.New(map[string]int64{"cpu": freeCPU}),
	}
}

func TestConcentratedPrefersLeastFree(t *testing.T) {
	agents := []AgentSnapshot{agentSnap("a", 8), agentSnap("b", 2), agentSnap("c", 4)}
	ranked := ConcentratedPolicy{}.Rank(resourceslot.New(map[string]int64{"cpu": 1}), agents)
	assert.Equal(t, "b", ranked[0].ID)
	assert.Equal(t, "c", ranked[1].ID)
	assert.Equal(t, "a", ranked[2].ID)
}

func TestDispersedPrefersMostFree(t *testing.T) {
	agents := []AgentSnapshot{agentSnap("a", 8), agentSnap("b", 2), agentSnap("c", 4)}
	ranked := DispersedPolicy{}.Rank(resourceslot.New(map[string]int64{"cpu": 1}), agents)
	assert.Equal(t, "a", ranked[0].ID)
	assert.Equal(t, "c", ranked[1].ID)
	assert.Equal(t, "b", ranked[2].ID)
}

func TestConcentratedTiesBrokenByID(t *testing.T) {
	agents := []AgentSnapshot{agentSnap("z", 4), agentSnap("a", 4)}
	ranked := ConcentratedPolicy{}.Rank(resourceslot.New(map[string]int64{"cpu": 1}), agents)
	assert.Equal(t, "a", ranked[0].ID)
}

func TestEligibleFiltersByResourceGroupAndFit(t *testing.T) {
	agents := []AgentSnapshot{
		{ID: "a", ResourceGroup: "default", Free: resourceslot.New(map[string]int64{"cpu": 1})},
		{ID: "b", ResourceGroup: "gpu", Free: resourceslot.New(map[string]int64{"cpu": 8})},
		{ID: "c", ResourceGroup: "default", Free: resourceslot.New(map[string]int64{"cpu": 8})},
	}
	requested := resourceslot.New(map[string]int64{"cpu": 4})
	eligible := Eligible(agents, "default", "", requested)
	require.Len(t, eligible, 1)
	assert.Equal(t, "c", eligible[0].ID)
}

func TestCustomPolicyUsesHook(t *testing.T) {
	agents := []AgentSnapshot{agentSnap("a", 8), agentSnap("b", 2)}
	called := false
	policy := CustomPolicy{Hook: func(requested resourceslot.Slot, eligible []AgentSnapshot) []AgentSnapshot {
		called = true
		return []AgentSnapshot{eligible[1], eligible[0]}
	}}
	ranked := policy.Rank(resourceslot.New(map[string]int64{"cpu": 1}), agents)
	assert.True(t, called)
	assert.Equal(t, "b", ranked[0].ID)
}

func TestJointPlaceDebitsWorkingSnapshotAcrossRounds(t *testing.T) {
	agents := []AgentSnapshot{
		{ID: "a", ResourceGroup: "default", Free: resourceslot.New(map[string]int64{"cpu": 4})},
	}
	requests := []KernelRequest{
		{Key: "main#0", Slots: resourceslot.New(map[string]int64{"cpu": 3}), ResourceGroup: "default"},
		{Key: "sub#0", Slots: resourceslot.New(map[string]int64{"cpu": 3}), ResourceGroup: "default"},
	}
	_, err := JointPlace(ConcentratedPolicy{}, requests, agents)
	var noFit ErrNoFit
	require.ErrorAs(t, err, &noFit)
	assert.Equal(t, "sub#0", noFit.KernelKey)
}

func TestJointPlaceSucceedsWhenCapacityAllows(t *testing.T) {
	agents := []AgentSnapshot{
		{ID: "a", ResourceGroup: "default", Free: resourceslot.New(map[string]int64{"cpu": 8})},
	}
	requests := []KernelRequest{
		{Key: "main#0", Slots: resourceslot.New(map[string]int64{"cpu": 3}), ResourceGroup: "default"},
		{Key: "sub#0", Slots: resourceslot.New(map[string]int64{"cpu": 3}), ResourceGroup: "default"},
	}
	placements, err := JointPlace(ConcentratedPolicy{}, requests, agents)
	require.NoError(t, err)
	require.Len(t, placements, 2)
	assert.Equal(t, "a", placements[0].AgentID)
	assert.Equal(t, "a", placements[1].AgentID)
}
