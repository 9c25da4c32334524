package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lablup/baisched/internal/dispatch/dockeragent"
)

var rescanImagesCmd = &cobra.Command{
	Use:   "rescan-images",
	Short: "Query every known agent's Docker daemon for cached image references",
	RunE:  runRescanImages,
}

// runRescanImages connects directly to each agent's Docker daemon rather than
// going through the long-running manager's dispatch.Coordinator: the
// coordinator only tracks agents a live manager process has registered, and
// this CLI is a separate short-lived process with no such registration.
// dispatch.AgentClient itself has no image-inventory method (it is scoped to
// the six kernel-lifecycle RPCs), so this reaches past that interface to the
// dockeragent reference client's own Docker SDK handle. That also means this
// command only works against the dockeragent dev/test backing, not a
// production worker fleet speaking its own RPC protocol.
func runRescanImages(cmd *cobra.Command, args []string) error {
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

	for _, a := range agentsList {
		client, err := dockeragent.NewClient(dockeragent.Config{Host: a.Address}, env.log)
		if err != nil {
			fmt.Printf("%s: unreachable: %v\n", a.ID, err)
			continue
		}

		refs, err := client.ListImageRefs(ctx)
		client.Close()
		if err != nil {
			fmt.Printf("%s: scan failed: %v\n", a.ID, err)
			continue
		}

		fmt.Printf("%s: %d cached image(s)\n", a.ID, len(refs))
		for _, ref := range refs {
			fmt.Printf("  %s\n", ref)
		}
	}

	return nil
}
