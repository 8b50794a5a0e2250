// Package main is the CLI entry point for appmon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteguard/appmon/internal/action"
	"github.com/eliteguard/appmon/internal/audit"
	"github.com/eliteguard/appmon/internal/behavior"
	"github.com/eliteguard/appmon/internal/config"
	"github.com/eliteguard/appmon/internal/domain"
	"github.com/eliteguard/appmon/internal/monitor"
	"github.com/eliteguard/appmon/internal/platform"
	"github.com/eliteguard/appmon/internal/plugin"
	"github.com/eliteguard/appmon/internal/probe/memprobe"
	"github.com/eliteguard/appmon/internal/probe/netprobe"
	"github.com/eliteguard/appmon/internal/probe/processprobe"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "appmon",
	Short: "Host-resident exfiltration-behavior detector and graduated-response agent",
	Long: `appmon watches running processes, memory regions, and outbound TCP
connections for data-exfiltration behavior, accumulates per-process
behavior scores, and applies graduated responses (monitor, suspend,
terminate, network block) while recording every decision to an
encrypted, append-only audit log.`,
	Version: Version,
	RunE:    runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	RunE:  runConfig,
}

// decodeLogUseConfiguredDir is the sentinel decodeLog takes when
// --decode-log is given with no value, per spec.md §6: "path defaults to
// the newest log-*.bin in the configured directory".
const decodeLogUseConfiguredDir = "-"

var (
	configPath  string
	decodeLog   string
	jsonVersion bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "appmon.yaml", "path to the configuration document")
	rootCmd.Flags().StringVar(&decodeLog, "decode-log", "", "decrypt and print the audit log at this path (or the newest log in the configured logging directory if omitted) instead of starting the agent")
	rootCmd.Flags().Lookup("decode-log").NoOptDefVal = decodeLogUseConfiguredDir
	versionCmd.Flags().BoolVar(&jsonVersion, "json", false, "output version info as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonVersion {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n", Version, Commit, BuildTime)
		return
	}
	fmt.Printf("appmon %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Print(config.Summary(cfg))
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if decodeLog != "" {
		path := decodeLog
		if path == decodeLogUseConfiguredDir {
			path = cfg.LoggingDirectory
		}
		return decodeOne(path)
	}

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	instanceID := uuid.New().String()
	logger = logger.With(zap.String("instance_id", instanceID))

	keyProvider := newKeyProvider()
	auditLog, err := audit.Open(cfg.LoggingDirectory, keyProvider, logger)
	if err != nil {
		return fmt.Errorf("appmon: opening audit log: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = auditLog.Dispose(ctx)
	}()

	registry := plugin.NewRegistry(auditLog, logger)
	if err := registry.LoadDirectory(cfg.PluginDirectory); err != nil {
		logger.Warn("plugin directory load failed", zap.Error(err))
	}

	engine := behavior.New(cfg.Thresholds(), auditLog, logger)

	controller := newProcessController()
	clock := domain.SystemClock{}

	responder := action.New(action.Config{
		ProcessSuspendDuration:  cfg.Defense.ProcessSuspendDuration,
		NetworkBlockDuration:    cfg.Defense.NetworkBlockDuration,
		ActionCooldown:          cfg.Defense.ActionCooldown,
		MaxConcurrentTerminates: cfg.Defense.MaxConcurrentTerminates,
		TerminateFailureBackoff: cfg.Defense.TerminateFailureBackoff,
	}, domain.PID(os.Getpid()), engine, controller, auditLog, clock, logger)

	enumerator := platform.NewGopsutilEnumerator()

	procProbe := processprobe.New(enumerator, engine, responder, auditLog, registry.Active(), cfg.ProcessMonitoring.AllowListedProcess, cfg.ProcessMonitoring.ScanInterval, logger)
	memProbe := memprobe.New(enumerator, controller, engine, responder, auditLog, cfg.MemoryScanning.TargetProcesses, cfg.MemoryScanning.MaxConcurrentScans, cfg.MemoryScanning.ScanInterval, clock, logger)
	netProbe := netprobe.New(platform.NewGopsutilNetworkTable(), platform.NewGopsutilInterfaceLister(), engine, responder, auditLog, cfg.Network.SuspiciousPorts, cfg.Network.HighRiskHosts, cfg.Network.PrimaryInterfacePreference, cfg.Network.ScanInterval, clock, logger)

	host := monitor.New(auditLog, logger,
		monitor.Worker{Name: "processProbe", Run: procProbe.Run},
		monitor.Worker{Name: "memoryProbe", Run: memProbe.Run},
		monitor.Worker{Name: "networkProbe", Run: netProbe.Run},
	)

	host.Start()
	logger.Info("appmon started", zap.String("version", Version))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	host.StopAsync(shutdownCtx)

	return nil
}

func decodeOne(path string) error {
	logPath := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		latest, err := audit.LatestLogFile(path)
		if err != nil {
			return err
		}
		logPath = latest
	}

	decoder := audit.NewDecoder(newKeyProvider())
	lines, err := decoder.DecodeFile(logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func createLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
