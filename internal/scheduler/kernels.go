package scheduler

import (
	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/placement"
	"github.com/lablup/baisched/internal/resourceslot"
)

// kernelRequestsForSession expands a session into one placement request per
// kernel: a single main kernel for single-node sessions, or a main plus
// (ClusterSize-1) subordinate kernels for multi-node ones. Each kernel
// requests the session's full per-kernel resource slots, mirroring
// Backend.AI's own per-kernel (not per-session) resource_slots model.
func kernelRequestsForSession(sess *domain.Session) []placement.KernelRequest {
	if sess.ClusterMode == domain.ClusterModeSingleNode || sess.ClusterSize <= 1 {
		return []placement.KernelRequest{{
			Key:           domain.Kernel{Role: domain.ClusterRoleMain, Index: 1}.Key(),
			Slots:         sess.RequestedSlots,
			ResourceGroup: sess.ResourceGroup,
		}}
	}

	requests := make([]placement.KernelRequest, 0, sess.ClusterSize)
	requests = append(requests, placement.KernelRequest{
		Key:           domain.Kernel{Role: domain.ClusterRoleMain, Index: 1}.Key(),
		Slots:         sess.RequestedSlots,
		ResourceGroup: sess.ResourceGroup,
	})
	for i := 1; i < sess.ClusterSize; i++ {
		requests = append(requests, placement.KernelRequest{
			Key:           domain.Kernel{Role: domain.ClusterRoleSub, Index: i}.Key(),
			Slots:         sess.RequestedSlots,
			ResourceGroup: sess.ResourceGroup,
		})
	}
	return requests
}

// debitSnapshot applies a round's placements to the working agent snapshot
// in place, so the next candidate in the same cycle sees reduced free
// capacity rather than racing the durable commit.
func debitSnapshot(snapshot *[]placement.AgentSnapshot, placements []placement.Placement, slotsByKey map[string]resourceslot.Slot) {
	byID := make(map[string]int, len(*snapshot))
	for i, a := range *snapshot {
		byID[a.ID] = i
	}
	for _, p := range placements {
		idx, ok := byID[p.AgentID]
		if !ok {
			continue
		}
		slots := slotsByKey[p.KernelKey]
		if free, err := (*snapshot)[idx].Free.Sub(slots); err == nil {
			(*snapshot)[idx].Free = free
		}
	}
}
