package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newStopCmd(root *rootOptions) *cobra.Command {
	var timeout int

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the Concierge gateway",
		Long: `Stop the Concierge gateway gracefully.
Sends SIGTERM to the gateway process and waits for in-flight runs to drain.
The process is killed if it is still alive after the timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			return stopGateway(cmd, getPIDFilePath(cfg), time.Duration(timeout)*time.Second)
		},
	}

	cmd.Flags().IntVar(&timeout, "timeout", 30, "timeout in seconds to wait for the gateway to stop")
	return cmd
}

func stopGateway(cmd *cobra.Command, pidFile string, timeout time.Duration) error {
	out := cmd.OutOrStdout()
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Gateway is not running")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// Wait for process to stop with timeout
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isRunning(pidFile) {
			fmt.Fprintln(out, "Gateway stopped successfully")
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	os.Remove(pidFile)
	fmt.Fprintln(out, "Gateway killed")
	return nil
}
