// Package orchestrator wires one agent's full stack together: a named MCP
// session table, a liveness registry, a heartbeat driver, a gRPC health
// surface, and an inbound pipeline, then runs them until cancelled.
// cmd/studio builds one orchestrator.Agent per agent named in a deployment
// group and runs them concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/A-TJ/ax-agent-studio/internal/config"
	"github.com/A-TJ/ax-agent-studio/internal/deadletter"
	"github.com/A-TJ/ax-agent-studio/internal/health"
	"github.com/A-TJ/ax-agent-studio/internal/heartbeat"
	"github.com/A-TJ/ax-agent-studio/internal/hoststats"
	"github.com/A-TJ/ax-agent-studio/internal/liveness"
	"github.com/A-TJ/ax-agent-studio/internal/mcpsession"
	"github.com/A-TJ/ax-agent-studio/internal/metrics"
	"github.com/A-TJ/ax-agent-studio/internal/pipeline"
	"github.com/A-TJ/ax-agent-studio/internal/store"
	"github.com/A-TJ/ax-agent-studio/internal/tracing"
)

// primaryServerName is preferred as the pipeline's "messages" session when
// the agent's config names it, mirroring mcpsession's own preference.
const primaryServerName = "ax-gcp"

// NoopHandler acknowledges every batch without replying — the default
// handed to Agent when the caller doesn't supply a real one. The real
// handler comes from the embedding application; this keeps the pipeline
// runnable standalone.
var NoopHandler = pipeline.HandlerFunc(func(ctx context.Context, batch pipeline.Batch) (string, error) {
	return "", nil
})

// Config describes one agent's deployment for the orchestrator.
type Config struct {
	Agent      config.DeploymentAgent
	MCPServers config.AgentConfig
	DataDir    string // holds the kill-switch sentinel file

	OperationTimeout    time.Duration
	ReconnectBackoff    time.Duration
	MaxOperationRetries int

	PollInterval      time.Duration
	MarkRead          bool
	StartupSweep      bool
	StartupSweepLimit int
	// HeartbeatInterval is the remote-session ping cadence. Zero disables
	// heartbeating entirely.
	HeartbeatInterval time.Duration
	HealthSyncPeriod  time.Duration

	// Tracer wraps every retryable session operation in a span when set.
	// Nil disables tracing.
	Tracer *tracing.Provider
}

func (c Config) withDefaults() Config {
	if c.HealthSyncPeriod <= 0 {
		c.HealthSyncPeriod = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Agent owns every per-agent component: session table, heartbeat driver,
// health surface, and pipeline.
type Agent struct {
	cfg        Config
	log        *zap.Logger
	sink       metrics.Sink
	registry   *liveness.Registry
	supervisor *mcpsession.Supervisor
	heartbeats *heartbeat.Driver
	healthSrv  *health.Server
	pipeline   *pipeline.Pipeline
	servers    []mcpsession.ServerConfig
}

// New builds an Agent. st and sink are shared across every agent in a
// studio; dl may be nil to use an in-process deadletter.MemStore.
func New(cfg Config, st store.Store, sink metrics.Sink, dl deadletter.Store, handler pipeline.Handler, log *zap.Logger) (*Agent, error) {
	cfg = cfg.withDefaults()
	id := cfg.Agent.ID
	if id == "" {
		return nil, fmt.Errorf("orchestrator: agent id is required")
	}
	if dl == nil {
		dl = deadletter.NewMemStore()
	}
	if handler == nil {
		handler = NoopHandler
	}

	agentLog := log.Named("orchestrator").With(zap.String("agent", id))

	if sink == nil {
		sink = metrics.NewZapSink(agentLog)
	}

	// Every liveness transition becomes an mcp_liveness metric; the registry
	// guarantees the callback can't panic its way back into a mutator.
	registry := liveness.New(id, func(name string, ev liveness.Event) {
		sink.LogMetric("mcp_liveness",
			zap.String("session", name),
			zap.String("state", string(ev.State)),
			zap.Int("consecutive_misses", ev.ConsecutiveMisses),
			zap.Time("last_heartbeat", ev.LastHeartbeat),
		)
	})

	supervisorCfg := mcpsession.Config{
		OperationTimeout:    cfg.OperationTimeout,
		ReconnectBackoff:    cfg.ReconnectBackoff,
		MaxOperationRetries: cfg.MaxOperationRetries,
	}
	supervisor := mcpsession.New(id, supervisorCfg, registry, sink, cfg.Tracer, agentLog)

	servers := serverConfigs(cfg.MCPServers)
	if len(servers) == 0 {
		return nil, fmt.Errorf("orchestrator: agent %s has no configured mcp servers", id)
	}

	hb := heartbeat.New(registry, agentLog)
	healthSrv := health.New(registry, agentLog)

	p := pipeline.New(pipeline.Config{
		AgentName:         id,
		PrimarySession:    primarySessionName(servers),
		MarkRead:          cfg.MarkRead,
		PollInterval:      cfg.PollInterval,
		StartupSweep:      cfg.StartupSweep,
		StartupSweepLimit: cfg.StartupSweepLimit,
		HeartbeatInterval: cfg.HeartbeatInterval,
		KillSwitchPath:    pipeline.Dir(cfg.DataDir),
	}, supervisor, st, dl, sink, hb, handler, agentLog)

	return &Agent{
		cfg:        cfg,
		log:        agentLog,
		sink:       sink,
		registry:   registry,
		supervisor: supervisor,
		heartbeats: hb,
		healthSrv:  healthSrv,
		pipeline:   p,
		servers:    servers,
	}, nil
}

// Run connects every configured session, starts heartbeats for the remote
// ones, starts the health sync loop, and blocks running the pipeline until
// ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.supervisor.ConnectAll(ctx, a.servers); err != nil {
		a.log.Warn("one or more sessions failed initial connect, continuing — ExecuteWithRetry will keep trying", zap.Error(err))
	}
	defer a.supervisor.DisconnectAll()

	// The pipeline drives the primary session's heartbeat itself; every
	// other remote session gets its loop here. Local stdio servers (no
	// "ax-" prefix, no mcp-remote hop) never need one.
	if a.cfg.HeartbeatInterval > 0 {
		primary := primarySessionName(a.servers)
		for _, sess := range a.supervisor.All() {
			if sess.Name == primary || !sess.UsesHeartbeat() {
				continue
			}
			a.heartbeats.Start(ctx, sess.Name, sess, a.cfg.HeartbeatInterval)
		}
	}
	defer a.heartbeats.StopAll()

	go a.healthSrv.Run(ctx, a.cfg.HealthSyncPeriod)
	go a.reportHostStats(ctx)

	a.pipeline.Run(ctx)
	return nil
}

// reportHostStats samples host resource usage on the heartbeat cadence and
// emits it as a metric, so the same collector watching mcp_liveness can see
// whether a stalled agent is starved for CPU or disk.
func (a *Agent) reportHostStats(ctx context.Context) {
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := hoststats.Collect(ctx, 200*time.Millisecond)
			a.sink.LogMetric("host_stats",
				zap.String("agent", a.cfg.Agent.ID),
				zap.Float64("cpu_percent", snap.CPUPercent),
				zap.Float64("mem_percent", snap.MemPercent),
				zap.Float64("disk_percent", snap.DiskPercent),
			)
		}
	}
}

// Health returns the agent's gRPC health surface, for registration on a
// shared *grpc.Server.
func (a *Agent) Health() *health.Server {
	return a.healthSrv
}

func serverConfigs(cfg config.AgentConfig) []mcpsession.ServerConfig {
	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]mcpsession.ServerConfig, 0, len(names))
	for _, name := range names {
		s := cfg.MCPServers[name]
		out = append(out, mcpsession.ServerConfig{Name: name, Command: s.Command, Args: s.Args, Env: s.Env})
	}
	return out
}

func primarySessionName(servers []mcpsession.ServerConfig) string {
	for _, s := range servers {
		if s.Name == primaryServerName {
			return primaryServerName
		}
	}
	if len(servers) > 0 {
		return servers[0].Name
	}
	return ""
}

// RunGroup starts one Agent per entry of agents concurrently and blocks
// until every one of them returns — either because ctx was cancelled or
// because all of them exited. The first agent to return a non-nil error
// cancels the rest.
func RunGroup(ctx context.Context, agents []*Agent) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(agents))
	for _, a := range agents {
		a := a
		go func() {
			err := a.Run(ctx)
			if err != nil {
				cancel()
			}
			errs <- err
		}()
	}

	var firstErr error
	for range agents {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
