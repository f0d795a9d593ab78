package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/harun/concierge/pkg/coretools"
	"github.com/harun/concierge/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

const cliActor = "cli"

func newApproveCmd(root *rootOptions) *cobra.Command {
	var sessionID, tool string

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Grant a session approval to run a gated tool",
		Long: `Record an approval grant in the session's memory so that runs of that
session may dispatch the tool when approval.mode is "grants".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkToolName(tool); err != nil {
				return err
			}
			return withStore(cmd, root, func(ctx context.Context, rt *runtime) error {
				now := time.Now().UTC()
				if err := toolexecutor.GrantForSession(ctx, rt.store, sessionID, tool, cliActor, now); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Granted %s for session %s\n", tool, sessionID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id")
	cmd.Flags().StringVarP(&tool, "tool", "t", "", "tool name")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

// checkToolName rejects tools that are not built in.
func checkToolName(tool string) error {
	registry := toolexecutor.New(toolexecutor.Options{})
	if err := coretools.Register(registry); err != nil {
		return err
	}
	if names := registry.Names(); !slices.Contains(names, tool) {
		return fmt.Errorf("unknown tool %q (available: %v)", tool, names)
	}
	return nil
}
