package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/seedvault/internal/api"
	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/backends"
	"github.com/benaskins/seedvault/internal/config"
	"github.com/benaskins/seedvault/internal/health"
	"github.com/benaskins/seedvault/internal/metrics"
	"github.com/benaskins/seedvault/internal/migrate"
	"github.com/benaskins/seedvault/internal/ring"
	"github.com/benaskins/seedvault/internal/selector"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the seedvault daemon",
	Long:  "Start the storage daemon. Opens the configured backends, monitors their health, and serves the API on a Unix socket.",
	RunE:  runDaemon,
}

var (
	apiAddr     string
	metricsAddr string
)

// recentLogLines is how many recent log lines the daemon serves at /v1/logs.
const recentLogLines = 500

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9090)")
	daemonCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Optional TCP address for Prometheus metrics (e.g. 127.0.0.1:9091)")
	rootCmd.AddCommand(daemonCmd)
}

// components holds everything the daemon wires together.
type components struct {
	metrics  *metrics.Metrics
	monitor  *health.Monitor
	migrator *migrate.Migrator
	selector *selector.Selector
}

func selectorConfig(cfg *config.Config, m *metrics.Metrics, sink audit.Sink) selector.Config {
	sc := cfg.SelectorConfig()
	sc.SwitchCallback = m.ObserveSwitch
	sc.Audit = sink
	return sc
}

func buildComponents(ctx context.Context, cfg *config.Config, sink audit.Sink, logger *slog.Logger) (*components, error) {
	m := metrics.New()

	mon := health.NewMonitor(cfg.HealthConfig(), logger)
	mon.AddListener(m.ObserveHealth)

	mcfg := cfg.MigrateConfig()
	mcfg.DoneCallback = m.ObserveMigration
	mcfg.Audit = sink
	mcfg.Actor = "daemon"
	mig := migrate.New(mcfg, logger)

	sel := selector.New(mon, mig, selectorConfig(cfg, m, sink), logger)

	built, err := backends.OpenAll(ctx, cfg.EnabledBackends(selector.DetectRuntime()), backends.Options{
		Logger: logger,
		Audit:  sink,
		Actor:  "daemon",
	})
	if err != nil {
		logger.Error("some backends could not be opened", "error", err)
	}
	if len(built) == 0 {
		sel.Close()
		return nil, errors.New("no storage backend could be opened")
	}
	for _, b := range built {
		if err := sel.Add(b.Config.ID, b.Backend, b.Config.Priority); err != nil {
			sel.Close()
			return nil, err
		}
	}
	return &components{metrics: m, monitor: mon, migrator: mig, selector: sel}, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	logLines := ring.NewLines(recentLogLines)
	logger := newLogger(cfg, logLines)
	slog.SetDefault(logger)

	home := config.Dir()
	if err := os.MkdirAll(home, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", home, err)
	}

	auditPath := cfg.AuditLog
	if auditPath == "" {
		auditPath = defaultAuditPath()
	}
	auditLog, err := audit.NewLogger(auditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	logger.Info("seedvault daemon starting", "config", path, "runtime", selector.DetectRuntime())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	c, err := buildComponents(ctx, cfg, auditLog, logger)
	if err != nil {
		return err
	}
	defer c.selector.Close()

	if err := c.selector.Start(ctx); err != nil {
		// Keep running: the selector picks a backend once one recovers.
		logger.Error("no backend available at startup", "error", err)
	}

	go retainMigrations(ctx, c.migrator)
	go watchConfig(ctx, path, cfg, c, auditLog, logger)

	// Start API server
	socketPath := defaultSocketPath()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	srv := api.NewServer(ctx, c.selector, logger)
	srv.CaptureLogs(logLines)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	if addr := firstNonEmpty(apiAddr, cfg.APIAddr); addr != "" {
		go func() {
			if err := srv.ListenTCP(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("TCP API error", "error", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if addr := firstNonEmpty(metricsAddr, cfg.MetricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.metrics.Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("seedvault daemon ready", "socket", socketPath, "active", c.selector.Active())

	// Wait for signal or error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error", "error", err)
		}
	}

	// Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	os.Remove(socketPath)

	logger.Info("seedvault daemon stopped")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// retainMigrations drops finished migration records past their retention.
func retainMigrations(ctx context.Context, m *migrate.Migrator) {
	interval := m.Config().RetentionPeriod / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// watchConfig applies switching settings from config edits. Backend,
// health and migration changes are logged and need a restart.
func watchConfig(ctx context.Context, path string, current *config.Config, c *components, sink audit.Sink, logger *slog.Logger) {
	rt := selector.DetectRuntime()
	var mu sync.Mutex
	err := config.Watch(ctx, path, logger, func(next *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		c.selector.SetConfig(selectorConfig(next, c.metrics, sink))
		if !reflect.DeepEqual(current.EnabledBackends(rt), next.EnabledBackends(rt)) ||
			current.HealthConfig() != next.HealthConfig() ||
			!reflect.DeepEqual(current.Migration, next.Migration) {
			logger.Warn("backend, health or migration settings changed; restart the daemon to apply them")
		}
		current = next
	})
	if err != nil {
		logger.Error("config watcher stopped", "error", err)
	}
}
