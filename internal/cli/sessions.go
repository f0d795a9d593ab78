package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/concierge/pkg/cron"
	"github.com/harun/concierge/pkg/session"
	"github.com/spf13/cobra"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune stored sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(root),
		newSessionsShowCmd(root),
		newSessionsPruneCmd(root),
	)
	return cmd
}

// withStore loads the config, opens the session store and hands it to fn.
func withStore(cmd *cobra.Command, root *rootOptions, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := root.loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newStoreRuntime(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newSessionsListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(ctx context.Context, rt *runtime) error {
				lister, err := rt.lister()
				if err != nil {
					return err
				}
				infos, err := lister.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list sessions: %w", err)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tMESSAGES\tUPDATED")
				for _, info := range infos {
					fmt.Fprintf(w, "%s\t%d\t%s\n", info.ID, info.Messages, info.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func newSessionsShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's transcript and memory as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := session.ValidateID(id); err != nil {
				return err
			}
			return withStore(cmd, root, func(ctx context.Context, rt *runtime) error {
				sess, err := rt.store.Load(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to load session: %w", err)
				}
				if len(sess.Transcript) == 0 && len(sess.Memory) == 0 {
					return fmt.Errorf("session %q not found", id)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			})
		},
	}
}

func newSessionsPruneCmd(root *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions not updated within a duration",
		Long: `Delete every session whose last update is older than --older-than.
Defaults to memory.retention from the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(ctx context.Context, rt *runtime) error {
				age := olderThan
				if !cmd.Flags().Changed("older-than") {
					age = rt.cfg.Memory.Retention
				}
				if age <= 0 {
					return fmt.Errorf("no retention configured; pass --older-than")
				}
				lister, err := rt.lister()
				if err != nil {
					return err
				}
				removed, err := cron.PruneSessions(ctx, lister, time.Now().Add(-age))
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d session(s)\n", removed)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete sessions idle for longer than this (e.g. 720h)")
	return cmd
}
