package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/execmgr/internal/config"
	"github.com/dyluth/execmgr/internal/limits"
	"github.com/dyluth/execmgr/internal/logging"
	"github.com/dyluth/execmgr/internal/manager"
	"github.com/dyluth/execmgr/internal/metrics"
	"github.com/dyluth/execmgr/internal/printer"
	"github.com/dyluth/execmgr/pkg/queue"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the execution manager of this sandbox",
	Long: `Connects to the sandbox queue and runs the control loop until SIGINT or
SIGTERM. On a signal every idle worker and every spawner is sent a stop
command before the queue connection is closed.`,
	RunE: runManager,
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 60*time.Second, "Upper bound for delivering stop commands on exit")
	rootCmd.AddCommand(runCmd)
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.Error(
			"Invalid configuration",
			err.Error(),
			map[string]string{"file": configPath},
			[]string{"Run 'execmgr validate' to check the file"},
		)
	}

	containerName, _ := os.Hostname()
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Identity: logging.Identity{
			Hostname:      cfg.Hostname,
			ContainerName: containerName,
			UUID:          uuid.NewString(),
			UserID:        cfg.UserID,
			WorkflowName:  cfg.WorkflowName,
			WorkflowID:    cfg.WorkflowID,
		},
	})
	if err != nil {
		return printer.Error("Failed to set up logging", err.Error(), nil, nil)
	}
	defer closeLog()

	ctx := context.Background()

	client, err := queue.Connect(ctx, cfg.Queue, cfg.SandboxID)
	if err != nil {
		return printer.Error(
			"Queue unreachable",
			err.Error(),
			map[string]string{"queue": cfg.Queue, "sandbox": cfg.SandboxID},
			[]string{
				"Check that the sandbox queue is running",
				"Override the address with EXECMGR_QUEUE",
			},
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	limiter := limits.NewController(limits.FileWriter{}, limits.Settings{
		CgroupRoot:        cfg.Limits.CgroupRoot,
		PoolLimitBytes:    cfg.Limits.PoolLimitBytes,
		SwapOutStartBytes: cfg.Limits.SwapOutStartBytes,
		SwapInSwappiness:  cfg.Limits.SwapInSwappiness,
		SwapOutSwappiness: cfg.Limits.SwapOutSwappiness,
	})

	opts := manager.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.Metrics = metrics.New(reg)
	mgr := manager.New(client, limiter, opts)

	var health *manager.HealthServer
	if !cfg.Health.Disabled {
		health = manager.NewHealthServer(mgr, reg, cfg.Health.Addr, logger)
		if err := health.Start(); err != nil {
			return printer.Error("Failed to start health server", err.Error(), nil, nil)
		}
	}

	logger.Info("Execution manager starting",
		zap.String("sandbox", cfg.SandboxID),
		zap.Strings("function_topics", cfg.FunctionTopics()),
		zap.String("config", configPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- mgr.Run(ctx)
	}()

	var (
		runErr    error
		signalled bool
	)
	select {
	case sig := <-sigCh:
		signalled = true
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown incomplete", zap.Error(err))
		}
		cancel()
		runErr = <-errCh

	case runErr = <-errCh:
		// The loop only exits on its own if the queue went away.
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		_ = mgr.Shutdown(shutdownCtx)
		cancel()
	}

	if health != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = health.Shutdown(shutdownCtx)
		cancel()
	}

	if runErr = loopError(runErr, signalled); runErr != nil {
		logger.Error("Execution manager failed", zap.Error(runErr))
		return printer.Error("Execution manager failed", runErr.Error(), nil, nil)
	}

	logger.Info("Execution manager stopped")
	return nil
}

// loopError drops the error of a control loop that never started because a
// signal shut the manager down first.
func loopError(err error, signalled bool) error {
	if signalled && errors.Is(err, manager.ErrShutDown) {
		return nil
	}
	return err
}
