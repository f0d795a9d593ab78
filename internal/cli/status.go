package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/harun/concierge/internal/config"
	"github.com/harun/concierge/pkg/gateway"
	"github.com/spf13/cobra"
)

const healthTimeout = 2 * time.Second

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  `Show whether the Concierge gateway is running and, if it answers, how many runs and streams are active.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			return runStatus(cmd, cfg)
		},
	}
}

func runStatus(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	pidFile := getPIDFilePath(cfg)

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)

	// Get PID file modification time for uptime calculation
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	health, err := fetchHealth(cmd.Context(), cfg)
	if err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Gateway: %s\n", health.Status)
	fmt.Fprintf(out, "Active runs: %d\n", health.ActiveRuns)
	fmt.Fprintf(out, "Active streams: %d\n", health.ActiveStreams)
	fmt.Fprintf(out, "Busy sessions: %d (%d queued)\n", health.BusySessions, health.QueuedTasks)
	fmt.Fprintf(out, "Clients: %d (%d requests in flight)\n", health.Clients, health.InFlightRequests)
	return nil
}

// fetchHealth queries the gateway health endpoint. A draining gateway
// answers 503 with the same body, which is still reported.
func fetchHealth(ctx context.Context, cfg *config.Config) (*gateway.HealthResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	var health gateway.HealthResponse
	resp, err := resty.New().
		SetBaseURL("http://"+net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))).
		SetTimeout(healthTimeout).
		R().
		SetContext(ctx).
		SetResult(&health).
		SetError(&health).
		Get("/healthz")
	if err != nil {
		return nil, err
	}
	if health.Status == "" {
		return nil, fmt.Errorf("unexpected health response: %s", resp.Status())
	}
	return &health, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
