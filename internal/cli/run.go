package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/concierge/pkg/orchestrator"
	"github.com/spf13/cobra"
)

type runOptions struct {
	session string
	stream  bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run the agent once for a session",
		Long: `Run the agent loop once for a session and print the run result as JSON.
With --stream every step is printed as a JSON line as soon as it happens,
followed by the result.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, root, opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&opts.session, "session", "s", "", "session id")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "print steps as JSON lines while the run progresses")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runOnce(cmd *cobra.Command, root *rootOptions, opts *runOptions, goal string) error {
	cfg, err := root.loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	out := json.NewEncoder(cmd.OutOrStdout())
	var sinks []orchestrator.Sink
	if opts.stream {
		var mu sync.Mutex
		sinks = append(sinks, orchestrator.SinkFunc(func(_ context.Context, _ string, step orchestrator.Step) {
			mu.Lock()
			defer mu.Unlock()
			_ = out.Encode(step)
		}))
	}

	result, err := rt.orch.RunWithSinks(ctx, opts.session, goal, sinks...)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	if !opts.stream {
		out.SetIndent("", "  ")
	}
	if err := out.Encode(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
