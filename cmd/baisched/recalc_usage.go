package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lablup/baisched/internal/accounting"
	"github.com/lablup/baisched/internal/resourceslot"
)

var recalcUsageCmd = &cobra.Command{
	Use:   "recalc-usage",
	Short: "Recompute per-agent resource usage from live kernels and report any drift",
	RunE:  runRecalcUsage,
}

func runRecalcUsage(cmd *cobra.Command, args []string) error {
	env, err := newCLIEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	agentsList, err := env.agents.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	stored := make(map[string]resourceslot.Slot, len(agentsList))
	recomputed := make(map[string]resourceslot.Slot, len(agentsList))
	for _, a := range agentsList {
		stored[a.ID] = a.OccupiedSlots
		recomputed[a.ID] = resourceslot.New(nil)
	}

	sessions, err := env.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, sess := range sessions {
		kernelsInSession, err := env.kernels.ListBySession(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("list kernels for session %s: %w", sess.ID, err)
		}
		for _, k := range kernelsInSession {
			if k.AgentID == nil {
				continue
			}
			recomputed[*k.AgentID] = recomputed[*k.AgentID].Add(k.AllocatedSlots)
		}
	}

	drift := accounting.DetectDrift(recomputed, stored)
	if len(drift) == 0 {
		fmt.Println("no drift detected, all agent occupied_slots match live kernel allocations")
		return nil
	}

	fmt.Printf("drift detected on %d agent(s):\n", len(drift))
	for _, line := range drift {
		fmt.Printf("  %s\n", line)
	}
	return nil
}
