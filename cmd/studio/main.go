// Package main is the entry point for the ax-agent-studio binary.
// It wires all internal packages together and runs one orchestrator per
// agent in a deployment group.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load the deployment group
//  4. Open the shared message store
//  5. Load each member agent's mcp config and build one orchestrator.Agent
//     for it
//  6. Run every agent concurrently
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/A-TJ/ax-agent-studio/internal/config"
	"github.com/A-TJ/ax-agent-studio/internal/metrics"
	"github.com/A-TJ/ax-agent-studio/internal/orchestrator"
	"github.com/A-TJ/ax-agent-studio/internal/store"
	"github.com/A-TJ/ax-agent-studio/internal/tracing"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type studioConfig struct {
	configDir string
	dataDir   string
	group     string
	logLevel  string

	operationTimeout  time.Duration
	reconnectBackoff  time.Duration
	maxRetries        int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	markRead          bool
	sweepLimit        int
	trace             bool
}

// newViper binds every tuning knob to an AX_STUDIO_* environment variable,
// so flags override env, env overrides the built-in default.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AX_STUDIO")
	v.AutomaticEnv()

	v.SetDefault("config_dir", defaultConfigDir())
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("group", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("operation_timeout", 30*time.Second)
	v.SetDefault("reconnect_backoff", time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("mark_read", true)
	v.SetDefault("sweep_limit", 0)
	v.SetDefault("trace", false)

	return v
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &studioConfig{}
	v := newViper()

	root := &cobra.Command{
		Use:   "ax-agent-studio",
		Short: "ax-agent-studio — runs a deployment group's agents against the remote messaging service",
		Long: `ax-agent-studio loads a deployment group of agents, opens one named MCP
session per agent's configured tool server, and runs each agent's inbound
message pipeline (startup sweep, poller, processor) concurrently until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configDir, "config-dir", v.GetString("config_dir"), "Directory holding configs/deployment_groups.yaml and configs/agents/*.json")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", v.GetString("data_dir"), "Directory for the message store database and the kill-switch sentinel file")
	root.PersistentFlags().StringVar(&cfg.group, "group", v.GetString("group"), "Deployment group id to run (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", v.GetString("log_level"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.operationTimeout, "operation-timeout", v.GetDuration("operation_timeout"), "Timeout for a single MCP operation")
	root.PersistentFlags().DurationVar(&cfg.reconnectBackoff, "reconnect-backoff", v.GetDuration("reconnect_backoff"), "Base backoff between session reconnect attempts")
	root.PersistentFlags().IntVar(&cfg.maxRetries, "max-retries", v.GetInt("max_retries"), "Operation attempts before a session is marked dead")
	root.PersistentFlags().DurationVar(&cfg.pollInterval, "poll-interval", v.GetDuration("poll_interval"), "Processor idle sleep between empty fetches")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", v.GetDuration("heartbeat_interval"), "Ping interval for remote sessions (0 disables heartbeats)")
	root.PersistentFlags().BoolVar(&cfg.markRead, "mark-read", v.GetBool("mark_read"), "Mark polled messages read on the server")
	root.PersistentFlags().IntVar(&cfg.sweepLimit, "sweep-limit", v.GetInt("sweep_limit"), "Max messages fetched by the startup sweep (0 = unlimited)")
	root.PersistentFlags().BoolVar(&cfg.trace, "trace", v.GetBool("trace"), "Emit OpenTelemetry spans for session operations")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ax-agent-studio %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *studioConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.group == "" {
		return fmt.Errorf("--group is required")
	}

	logger.Info("starting ax-agent-studio",
		zap.String("version", version),
		zap.String("config_dir", cfg.configDir),
		zap.String("group", cfg.group),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loader, err := config.NewDeploymentLoader(cfg.configDir, logger)
	if err != nil {
		return fmt.Errorf("failed to load deployment config: %w", err)
	}

	group, ok := loader.Group(cfg.group)
	if !ok {
		return fmt.Errorf("deployment group %q not found under %s", cfg.group, cfg.configDir)
	}
	if len(group.Agents) == 0 {
		return fmt.Errorf("deployment group %q has no valid agents", cfg.group)
	}

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := store.Open("file:" + filepath.Join(cfg.dataDir, "studio.db"))
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer db.Close()

	sink := metrics.NewZapSink(logger)

	tracer, err := tracing.NewProvider(tracing.Config{Enabled: cfg.trace, ServiceName: "ax-agent-studio"})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	agents := make([]*orchestrator.Agent, 0, len(group.Agents))
	for _, da := range group.Agents {
		agentCfgPath := filepath.Join(cfg.configDir, "configs", "agents", da.ID+".json")
		mcpCfg, err := config.LoadAgentConfig(agentCfgPath)
		if err != nil {
			logger.Error("skipping agent, failed to load mcp config", zap.String("agent", da.ID), zap.Error(err))
			continue
		}

		a, err := orchestrator.New(orchestrator.Config{
			Agent:               da,
			MCPServers:          mcpCfg,
			DataDir:             cfg.dataDir,
			OperationTimeout:    cfg.operationTimeout,
			ReconnectBackoff:    cfg.reconnectBackoff,
			MaxOperationRetries: cfg.maxRetries,
			PollInterval:        cfg.pollInterval,
			MarkRead:            cfg.markRead,
			StartupSweep:        true,
			StartupSweepLimit:   cfg.sweepLimit,
			HeartbeatInterval:   cfg.heartbeatInterval,
			Tracer:              tracer,
		}, db, sink, nil, nil, logger)
		if err != nil {
			logger.Error("skipping agent, failed to build orchestrator", zap.String("agent", da.ID), zap.Error(err))
			continue
		}
		agents = append(agents, a)
	}

	if len(agents) == 0 {
		return fmt.Errorf("no agents in group %q could be started", cfg.group)
	}

	logger.Info("running deployment group", zap.String("group", cfg.group), zap.Int("agents", len(agents)))
	if err := orchestrator.RunGroup(ctx, agents); err != nil {
		logger.Error("a deployment agent exited with an error", zap.Error(err))
	}

	logger.Info("ax-agent-studio stopped")
	return nil
}

// defaultConfigDir returns the platform-appropriate default config directory.
func defaultConfigDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".ax-agent-studio")
	}
	return ".ax-agent-studio"
}

// defaultDataDir returns the platform-appropriate default data directory.
func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".ax-agent-studio", "data")
	}
	return ".ax-agent-studio/data"
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
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

