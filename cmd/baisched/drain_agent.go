package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lablup/baisched/internal/domain"
)

var drainAgentCmd = &cobra.Command{
	Use:   "drain-agent <agent_id>",
	Short: "Mark an agent draining so the scheduler stops placing new kernels on it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDrainAgent,
}

func runDrainAgent(cmd *cobra.Command, args []string) error {
	env, err := newCLIEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	agentID := args[0]
	ctx := context.Background()
	a, err := env.agents.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("get agent %s: %w", agentID, err)
	}

	if err := env.agents.UpdateStatus(ctx, agentID, domain.AgentStatusDraining); err != nil {
		return fmt.Errorf("drain agent %s: %w", agentID, err)
	}

	fmt.Printf("agent %s (%s, %s->draining): kernels already running there are left in place\n", a.ID, a.ResourceGroup, a.Status)
	return nil
}
