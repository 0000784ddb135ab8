// Command fleetd is the GPU-fleet control-plane server: it accepts worker
// websocket connections, tracks their capability and health, schedules
// workload.run dispatches, and exposes an admin RPC surface. Grounded on the
// teacher's cmd/server/main.go — same cobra root-command shape, same
// construction order, same signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clawfleet/fleetd/internal/audit"
	"github.com/clawfleet/fleetd/internal/config"
	"github.com/clawfleet/fleetd/internal/ingress"
	"github.com/clawfleet/fleetd/internal/invoker"
	"github.com/clawfleet/fleetd/internal/monitor"
	"github.com/clawfleet/fleetd/internal/placement"
	"github.com/clawfleet/fleetd/internal/registry"
	"github.com/clawfleet/fleetd/internal/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:   "fleetd",
		Short: "fleetd — GPU fleet control-plane server",
		Long: `fleetd is the control plane of a GPU fleet: it accepts worker
connections over websocket, tracks their capability and health, places
workloads on the best-fitting worker, and exposes an admin RPC surface
for operators and deploy tooling.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	config.BindFlags(root, cfg)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fleetd",
		zap.String("version", version),
		zap.String("bind_address", cfg.BindAddress),
		zap.String("log_level", cfg.LogLevel),
		zap.String("duplicate_name_policy", cfg.DuplicateNamePolicy),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// --- 1. Audit ---
	// Construction order follows §9: Audit before Registry, since every
	// registry mutation emits an audit entry from its very first call.
	logSink := audit.NewLogSink(logger)
	gormSink, err := audit.NewGormSink(audit.DBConfig{Driver: cfg.DBDriver, DSN: cfg.DBDSN, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	auditSink := audit.NewMultiSink(logSink, gormSink)

	// --- 2. Registry ---
	reg := registry.New(registry.DuplicateNamePolicy(cfg.DuplicateNamePolicy), auditSink, logger)

	// --- 3. Invoker ---
	inv := invoker.New(cfg.RPCDefaultTimeout, auditSink, logger)

	// --- 4. Placement ---
	pl := placement.New(reg, auditSink, logger)

	// --- 5. Monitor ---
	mon, err := monitor.New(reg, auditSink, monitor.Config{
		Interval:     cfg.MonitorInterval,
		ProbeTimeout: cfg.ProbeTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer func() {
		if err := mon.Stop(); err != nil {
			logger.Warn("monitor shutdown error", zap.Error(err))
		}
	}()

	// --- 6. Ingress ---
	sessionCfg := session.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatKillMult: int(cfg.HeartbeatKillMultiplier),
		DefaultRPCTimeout: cfg.RPCDefaultTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
	}

	srv := ingress.NewServer(ingress.Config{
		BindAddress:       cfg.BindAddress,
		RequireTLS:        cfg.RequireTLS,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		RPCDefaultTimeout: cfg.RPCDefaultTimeout,
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
		AdminToken:        cfg.AdminToken,
	}, inv, reg, pl, mon, auditSink, sessionCfg, logger)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("ingress server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down fleetd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ingress graceful shutdown error", zap.Error(err))
	}

	logger.Info("fleetd stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
