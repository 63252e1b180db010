package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fentz26/runbox/internal/accounting"
	"github.com/fentz26/runbox/internal/admission"
	"github.com/fentz26/runbox/internal/audit"
	"github.com/fentz26/runbox/internal/config"
	"github.com/fentz26/runbox/internal/connectors"
	"github.com/fentz26/runbox/internal/connectors/dockerexec"
	"github.com/fentz26/runbox/internal/controlplane"
	"github.com/fentz26/runbox/internal/logging"
	"github.com/fentz26/runbox/internal/processor"
	"github.com/fentz26/runbox/internal/queue"
	"github.com/fentz26/runbox/internal/sandbox"
	"github.com/fentz26/runbox/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	listenAddr string
	dbPath     string
)

// shutdownTimeout bounds the HTTP drain on shutdown. In-flight sandboxes
// are waited for separately by the processor.
const shutdownTimeout = 30 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the runbox daemon",
	Long:  `Starts the runbox daemon: the HTTP API, the task processor and the queue reaper.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (overrides config)")
}

func loadDaemonConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, "daemon")
	if err != nil {
		return err
	}
	logger.Info("starting runbox daemon", "version", version, "db", cfg.DBPath, "slots", cfg.Processor.Slots)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close error", "err", err)
		}
	}()

	d := wireDaemon(cfg, s, dockerexec.New(cfg.Sandbox.DockerBinary), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}

// daemon holds the wired components of a running daemon.
type daemon struct {
	queue     *queue.Queue
	processor *processor.Processor
	server    *controlplane.Server
	schedule  string
	logger    *log.Logger
}

func wireDaemon(cfg *config.Config, s *store.Store, rt connectors.Runtime, logger *log.Logger) *daemon {
	pdr := audit.NewPDRWriter(s)

	q := queue.New(s, queue.Config{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffBase:       cfg.Queue.BackoffBase.Duration,
		BackoffMax:        cfg.Queue.BackoffMax.Duration,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout.Duration,
	}, logger)

	runner := sandbox.NewRunner(rt, sandbox.Config{
		Network:        cfg.Sandbox.Network,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		CleanupTimeout: cfg.Sandbox.CleanupTimeout.Duration,
	}, logger)

	rates := make(map[string]float64, len(cfg.Plans))
	for name, plan := range cfg.Plans {
		rates[name] = plan.OverageRate
	}
	sink := accounting.NewSink(s, accounting.OverageRates(rates), accounting.LogReporter{Logger: logger.With("component", "billing")}, logger)

	ctrl := admission.New(s, q, cfg.Plans, cfg.Workers, pdr, logger)

	proc := processor.New(s, q, runner, sink, pdr, processor.Config{
		Slots:           cfg.Processor.Slots,
		PollInterval:    cfg.Processor.PollInterval.Duration,
		StoreRetries:    cfg.Processor.StoreRetries,
		StoreRetryDelay: cfg.Processor.StoreRetryDelay.Duration,
	}, logger)

	service := controlplane.NewService(s, ctrl, proc, runner, pdr, cfg.Plans, logger)
	server := controlplane.NewServer(service, s, controlplane.ServerConfig{
		Addr:    cfg.ListenAddr,
		APIKey:  cfg.APIKey,
		Version: version,
		Logger:  logger,
	})

	return &daemon{
		queue:     q,
		processor: proc,
		server:    server,
		schedule:  cfg.Queue.ReapSchedule,
		logger:    logger,
	}
}

// run serves until ctx is done or a component fails, then shuts down: the
// HTTP server drains, the reaper stops, and the processor waits for its
// in-flight tasks.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Leases left behind by a previous crash are recovered before the slots
	// start pulling.
	if _, _, err := d.queue.Reap(gctx); err != nil {
		return fmt.Errorf("initial reap: %w", err)
	}
	stopReaper, err := d.queue.StartReaper(gctx, d.schedule)
	if err != nil {
		return err
	}
	if err := d.processor.Start(); err != nil {
		stopReaper()
		return err
	}

	g.Go(func() error {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := d.server.Shutdown(shutdownCtx)
		if err != nil {
			d.logger.Error("HTTP server shutdown error", "err", err)
		}
		stopReaper()
		d.processor.Stop()
		d.logger.Info("shutdown complete")
		return err
	})

	return g.Wait()
}
