package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var forceTerminateCmd = &cobra.Command{
	Use:   "force-terminate <session_id>",
	Short: "Force a session to TERMINATING (a PENDING session is cancelled; a terminal one is left as is)",
	Args:  cobra.ExactArgs(1),
	RunE:  runForceTerminate,
}

func runForceTerminate(cmd *cobra.Command, args []string) error {
	env, err := newCLIEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID := args[0]
	result, err := env.core.Destroy(context.Background(), sessionID)
	if err != nil {
		return fmt.Errorf("force-terminate %s: %w", sessionID, err)
	}

	fmt.Printf("session %s -> %s (seq %d)\n", result.SessionID, result.Status, result.Seq)
	return nil
}
