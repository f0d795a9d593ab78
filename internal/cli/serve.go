package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harun/concierge/internal/config"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/commandqueue"
	"github.com/harun/concierge/pkg/cron"
	"github.com/harun/concierge/pkg/gateway"
	"github.com/harun/concierge/pkg/ratelimit"
	"github.com/harun/concierge/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	pidFileName      = "concierge.pid"
	shutdownTimeout  = 30 * time.Second
	dedupTTL         = 10 * time.Minute
	clientIdleExpiry = 10 * time.Minute
	clientPruneJob   = "gateway-client-prune"
)

type serveOptions struct {
	port int
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Concierge gateway",
		Long: `Start the HTTP and websocket gateway in the foreground. Runs of the same
session are serialized, maintenance jobs run on their schedules, and rate
limits are reloaded when the config file changes. SIGINT or SIGTERM
drains in-flight runs and stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, opts)
		},
	}

	cmd.Flags().IntVar(&opts.port, "port", 0, "listen port (overrides gateway.port)")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	cfg, err := root.loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.port > 0 {
		cfg.Gateway.Port = opts.port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.logger

	if err := tracing.InitOpenTelemetry("concierge"); err != nil {
		log.Warn().Err(err).Msg("OpenTelemetry disabled")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
	}()

	pidFile := getPIDFilePath(cfg)
	if isRunning(pidFile) {
		return fmt.Errorf("concierge is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	queue := commandqueue.New(commandqueue.Config{DedupTTL: dedupTTL, Logger: log})
	defer queue.Close()

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		SharedSecret:      cfg.Gateway.SharedSecret,
		MaxConcurrentRuns: cfg.Gateway.MaxConcurrentRuns,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		Runner:            rt.orch,
		Store:             rt.store,
		Queue:             queue,
		Tools:             rt.registry,
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	if cfg.Cron.Enabled {
		scheduler := cron.NewService(cron.ServiceOptions{Logger: log})
		if err := addMaintenanceJobs(scheduler, cfg, rt, server, log); err != nil {
			return err
		}
		scheduler.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := scheduler.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("Maintenance jobs did not stop cleanly")
			}
		}()
	}

	if watcher := startConfigWatcher(root, rt, log); watcher != nil {
		defer watcher.Stop()
	}

	if err := server.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Concierge gateway listening on %s\n", server.Addr())

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := server.Stop(shutdownCtx)
	drainQueue(shutdownCtx, queue, log)
	return stopErr
}

// drainQueue waits for queued lane tasks before the deferred Close cancels
// whatever is still running.
func drainQueue(ctx context.Context, queue *commandqueue.CommandQueue, log zerolog.Logger) bool {
	wait := shutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if queue.WaitForActive(wait) {
		return true
	}
	for lane, stats := range queue.Stats() {
		log.Warn().Str("lane", lane).Int("queued", stats.Queued).Int("running", stats.Running).Msg("Cancelling unfinished lane")
	}
	return false
}

// addMaintenanceJobs schedules the limiter sweep, session retention and
// gateway client pruning.
func addMaintenanceJobs(scheduler *cron.Service, cfg *config.Config, rt *runtime, server *gateway.Server, log zerolog.Logger) error {
	if sweeper, ok := rt.limiter.(ratelimit.Sweeper); ok {
		if err := scheduler.Add(cron.SweepJob(cfg.Cron.SweepSchedule, sweeper, log)); err != nil {
			return err
		}
	}

	if cfg.Memory.Retention > 0 {
		lister, ok := rt.store.(session.Lister)
		if !ok {
			log.Warn().Str("backend", cfg.Memory.Backend).Msg("Session store cannot list sessions; retention disabled")
		} else if err := scheduler.Add(cron.RetentionJob(cfg.Cron.RetentionSchedule, lister, cfg.Memory.Retention, log)); err != nil {
			return err
		}
	}

	return scheduler.Add(cron.Job{
		Name:     clientPruneJob,
		Schedule: cfg.Cron.SweepSchedule,
		Run: func(context.Context) error {
			if removed := server.PruneClients(clientIdleExpiry); removed > 0 {
				log.Debug().Int("removed", removed).Msg("Pruned idle gateway clients")
			}
			return nil
		},
	})
}

// startConfigWatcher reloads rate limits on config file changes. It
// returns nil when there is no config file to watch.
func startConfigWatcher(root *rootOptions, rt *runtime, log zerolog.Logger) *config.Watcher {
	path := config.NewLoader(root.cfgFile).GetConfigPath()
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	watcher, err := config.NewWatcher(config.WatcherConfig{
		Path:     path,
		OnChange: rt.reloadConfig,
		Logger:   log,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher disabled")
		return nil
	}
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config watcher disabled")
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

func getPIDFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, pidFileName)
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", pidFile)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
