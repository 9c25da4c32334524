package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var showQueueCmd = &cobra.Command{
	Use:   "show-queue <resource_group>",
	Short: "List PENDING sessions for a resource group in enqueue order (oldest first)",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowQueue,
}

func runShowQueue(cmd *cobra.Command, args []string) error {
	env, err := newCLIEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	resourceGroup := args[0]
	pending, err := env.sessions.ListPending(context.Background(), resourceGroup)
	if err != nil {
		return fmt.Errorf("list pending sessions for %s: %w", resourceGroup, err)
	}

	if len(pending) == 0 {
		fmt.Printf("%s: queue empty\n", resourceGroup)
		return nil
	}

	fmt.Printf("%s: %d pending session(s), oldest first\n", resourceGroup, len(pending))
	for i, sess := range pending {
		fmt.Printf("  %d. %s  priority=%d  requested=%v  enqueued=%s\n",
			i+1, sess.ID, sess.Priority, sess.RequestedSlots, sess.EnqueuedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
