package manager

import (
	"github.com/google/uuid"

	"github.com/lablup/baisched/internal/domain"
)

// kernelsForSession expands a newly-enqueued session into its kernel rows:
// one main kernel (index 1) plus, for multi-node clusters, one sub kernel
// per remaining cluster member (index 1..ClusterSize-1, unique within the
// sub role). Mirrors internal/scheduler's kernelRequestsForSession so the
// (role, index) keys line up with what the scheduler later places.
func kernelsForSession(sess *domain.Session) []*domain.Kernel {
	kernels := []*domain.Kernel{
		{
			ID:             uuid.New().String(),
			SessionID:      sess.ID,
			Role:           domain.ClusterRoleMain,
			Index:          1,
			ImageRef:       sess.ImageRefs[string(domain.ClusterRoleMain)],
			AllocatedSlots: sess.RequestedSlots,
			Status:         domain.KernelStatusPending,
		},
	}

	if sess.ClusterMode == domain.ClusterModeSingleNode || sess.ClusterSize <= 1 {
		return kernels
	}

	for i := 1; i < sess.ClusterSize; i++ {
		kernels = append(kernels, &domain.Kernel{
			ID:             uuid.New().String(),
			SessionID:      sess.ID,
			Role:           domain.ClusterRoleSub,
			Index:          i,
			ImageRef:       sess.ImageRefs[string(domain.ClusterRoleSub)],
			AllocatedSlots: sess.RequestedSlots,
			Status:         domain.KernelStatusPending,
		})
	}
	return kernels
}
