// Package mcpsession manages the set of named stdio RPC sessions an agent
// holds open against remote MCP tool servers: a named session table with
// reconnect-with-backoff-and-jitter, retry-wrapped operations, and
// per-session liveness reporting, one mark3labs/mcp-go stdio client per
// configured tool server.
package mcpsession

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/A-TJ/ax-agent-studio/internal/liveness"
	"github.com/A-TJ/ax-agent-studio/internal/metrics"
	"github.com/A-TJ/ax-agent-studio/internal/tracing"
)

const (
	reconnectInitial = 1 * time.Second
	reconnectMax     = 60 * time.Second
	reconnectFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each reconnect delay to
	// prevent thundering herd when many sessions reconnect at once.
	jitterFraction = 0.2

	// primarySessionName is preferred by GetPrimarySession when present.
	primarySessionName = "ax-gcp"
)

// ErrNoSessions is returned by GetPrimarySession when the supervisor has no
// configured sessions at all.
var ErrNoSessions = errors.New("mcpsession: no sessions configured")

// ErrSessionDead is returned by ExecuteWithRetry once a session has
// exhausted its retry budget and been marked dead.
var ErrSessionDead = errors.New("mcpsession: session exhausted retry budget")

// ServerConfig describes one stdio MCP tool server to maintain a session
// against, mirroring an entry of the agent JSON config's "mcpServers" map.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// usesHeartbeat reports whether this server's sessions should be
// heartbeat-driven — servers named with the "ax-" convention, or whose args
// invoke "mcp-remote", are assumed to sit behind a flaky network hop and
// benefit from an independent liveness ping.
func (c ServerConfig) usesHeartbeat() bool {
	if strings.HasPrefix(c.Name, "ax-") {
		return true
	}
	for _, a := range c.Args {
		if strings.Contains(a, "mcp-remote") {
			return true
		}
	}
	return false
}

// Config tunes the supervisor's retry and timeout behavior.
type Config struct {
	OperationTimeout    time.Duration
	ReconnectBackoff    time.Duration
	MaxOperationRetries int
}

func (c Config) withDefaults() Config {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = reconnectInitial
	}
	if c.MaxOperationRetries <= 0 {
		c.MaxOperationRetries = 3
	}
	return c
}

// Session is one named stdio session's bookkeeping.
type Session struct {
	Name   string
	config ServerConfig

	mu                sync.Mutex
	client            *mcpclient.Client
	connID            string // fresh uuid per successful dial, for log/span correlation
	toolCount         int
	reconnectAttempts int
	lastErr           error
}

// Ping satisfies heartbeat.Pinger.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return errors.New("mcpsession: session not connected")
	}
	return client.Ping(ctx)
}

// UsesHeartbeat reports whether this session should be driven by the
// heartbeat package rather than relying solely on ExecuteWithRetry to
// notice staleness.
func (s *Session) UsesHeartbeat() bool {
	return s.config.usesHeartbeat()
}

// ToolCount returns the number of tools the server advertised at the last
// successful handshake.
func (s *Session) ToolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCount
}

// Supervisor owns every named session for one agent and arbitrates
// reconnection, retries, and liveness reporting across them.
type Supervisor struct {
	agent    string
	cfg      Config
	registry *liveness.Registry
	sink     metrics.Sink
	tracer   *tracing.Provider
	log      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds a Supervisor for agent. Sessions are created by ConnectAll from
// servers. sink and tracer may be nil: metrics degrade to logs, spans to
// no-ops.
func New(agent string, cfg Config, registry *liveness.Registry, sink metrics.Sink, tracer *tracing.Provider, log *zap.Logger) *Supervisor {
	if tracer == nil {
		tracer, _ = tracing.NewProvider(tracing.Config{})
	}
	return &Supervisor{
		agent:    agent,
		cfg:      cfg.withDefaults(),
		registry: registry,
		sink:     sink,
		tracer:   tracer,
		log:      log.Named("mcpsession").With(zap.String("agent", agent)),
		sessions: make(map[string]*Session),
	}
}

func (s *Supervisor) metric(event string, fields ...metrics.Field) {
	if s.sink != nil {
		s.sink.LogMetric(event, fields...)
	}
}

// ConnectAll dials every configured server, registering a liveness record
// for each before attempting the handshake so a failed initial connect still
// shows up as "dead" rather than silently missing from the registry.
func (s *Supervisor) ConnectAll(ctx context.Context, servers []ServerConfig) error {
	var firstErr error
	for _, sc := range servers {
		sess := &Session{Name: sc.Name, config: sc}

		s.mu.Lock()
		s.sessions[sc.Name] = sess
		s.mu.Unlock()

		s.registry.Register(sc.Name, s.cfg.OperationTimeout*3, map[string]any{"command": sc.Command})

		if err := s.dial(ctx, sess); err != nil {
			s.log.Warn("initial connect failed", zap.String("session", sc.Name), zap.Error(err))
			s.metric("mcp_connection_failed", zap.String("session", sc.Name), zap.Error(err))
			s.registry.MarkDead(sc.Name)
			if firstErr == nil {
				firstErr = fmt.Errorf("session %s: %w", sc.Name, err)
			}
			continue
		}
		s.metric("mcp_connected",
			zap.String("session", sc.Name),
			zap.String("conn_id", sess.connID),
			zap.Int("tool_count", sess.ToolCount()),
			zap.Bool("heartbeat", sc.usesHeartbeat()),
		)
		s.registry.Beat(sc.Name)
	}
	return firstErr
}

// DisconnectAll closes every session's underlying client.
func (s *Supervisor) DisconnectAll() {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		client := sess.client
		sess.client = nil
		sess.mu.Unlock()

		if client != nil {
			if err := client.Close(); err != nil {
				s.log.Debug("close failed", zap.String("session", sess.Name), zap.Error(err))
			}
		}
	}
}

// GetSession returns the named session, or false if it was never configured.
func (s *Supervisor) GetSession(name string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[name]
	return sess, ok
}

// GetPrimarySession returns the "ax-gcp" session if configured, otherwise an
// arbitrary session if any exist, or ErrNoSessions if the supervisor has
// none at all.
func (s *Supervisor) GetPrimarySession() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[primarySessionName]; ok {
		return sess, nil
	}
	for _, sess := range s.sessions {
		return sess, nil
	}
	return nil, ErrNoSessions
}

// All returns every configured session, for wiring into the heartbeat
// driver.
func (s *Supervisor) All() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Supervisor) dial(ctx context.Context, sess *Session) error {
	envSlice := make([]string, 0, len(sess.config.Env))
	for k, v := range sess.config.Env {
		envSlice = append(envSlice, k+"="+v)
	}

	client, err := mcpclient.NewStdioMCPClient(sess.config.Command, envSlice, sess.config.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "ax-agent-studio", Version: "1.0.0"}

	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	tools, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	sess.mu.Lock()
	sess.client = client
	sess.connID = uuid.NewString()
	sess.toolCount = len(tools.Tools)
	sess.reconnectAttempts = 0
	sess.lastErr = nil
	sess.mu.Unlock()

	return nil
}

// ensureSession reconnects sess if it has no live client, applying an
// exponential reconnect-backoff ladder (reconnect_backoff × 2^(attempt-1),
// capped, jittered) distinct from ExecuteWithRetry's linear intra-operation
// backoff.
func (s *Supervisor) ensureSession(ctx context.Context, sess *Session) error {
	sess.mu.Lock()
	hasClient := sess.client != nil
	sess.mu.Unlock()
	if hasClient {
		return nil
	}

	sess.mu.Lock()
	sess.reconnectAttempts++
	attempt := sess.reconnectAttempts
	sess.mu.Unlock()

	backoff := time.Duration(float64(s.cfg.ReconnectBackoff) * nextPow(reconnectFactor, attempt-1))
	if backoff > reconnectMax {
		backoff = reconnectMax
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter(backoff)):
	}

	if err := s.dial(ctx, sess); err != nil {
		s.metric("mcp_reconnect_failed",
			zap.String("session", sess.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	s.metric("mcp_reconnected",
		zap.String("session", sess.Name),
		zap.String("conn_id", sess.connID),
		zap.Int("attempt", attempt),
	)
	return nil
}

// ExecuteWithRetry ensures sess is connected, then invokes op under
// cfg.OperationTimeout, beating or missing liveness on each attempt. A
// timed-out attempt keeps the session open (the next attempt reuses it);
// any other failure closes and evicts the underlying client so the next
// attempt redials. Failed attempts back off linearly
// (reconnect_backoff × attempt) before the next try; after
// MaxOperationRetries consecutive failures the session is marked dead and
// ErrSessionDead is returned alongside the last error.
func (s *Supervisor) ExecuteWithRetry(ctx context.Context, name, label string, op func(ctx context.Context, client *mcpclient.Client) error) error {
	sess, ok := s.GetSession(name)
	if !ok {
		return fmt.Errorf("mcpsession: unknown session %q", name)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxOperationRetries; attempt++ {
		if err := s.ensureSession(ctx, sess); err != nil {
			lastErr = err
			s.registry.Miss(name)
			s.waitLinear(ctx, attempt)
			continue
		}

		sess.mu.Lock()
		client := sess.client
		sess.mu.Unlock()

		attrs := []attribute.KeyValue{
			attribute.String(tracing.AttrSessionName, name),
			attribute.String(tracing.AttrAgentName, s.agent),
			attribute.Int(tracing.AttrAttempt, attempt),
		}
		err := s.tracer.WrapOperation(ctx, label, attrs, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
			defer cancel()
			return op(opCtx, client)
		})

		if err == nil {
			s.registry.Beat(name)
			if attempt > 1 {
				s.metric("mcp_retry_success", zap.String("session", name), zap.String("op", label), zap.Int("attempt", attempt))
			}
			return nil
		}

		lastErr = err
		s.log.Warn("operation failed",
			zap.String("session", name),
			zap.String("op", label),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		s.registry.Miss(name)

		if errors.Is(err, context.DeadlineExceeded) {
			// A slow server is not a broken pipe: keep the session and try
			// the same client again after the backoff.
			s.metric("mcp_operation_timeout", zap.String("session", name), zap.String("op", label), zap.Int("attempt", attempt))
		} else {
			s.metric("mcp_operation_failure", zap.String("session", name), zap.String("op", label), zap.Int("attempt", attempt), zap.Error(err))
			sess.mu.Lock()
			sess.lastErr = err
			stale := sess.client
			sess.client = nil
			sess.mu.Unlock()
			if stale != nil {
				_ = stale.Close()
			}
		}

		s.waitLinear(ctx, attempt)
	}

	s.registry.MarkDead(name)
	return fmt.Errorf("%w: op %s failed after %d attempts: %w", ErrSessionDead, label, s.cfg.MaxOperationRetries, lastErr)
}

func (s *Supervisor) waitLinear(ctx context.Context, attempt int) {
	wait := s.cfg.ReconnectBackoff * time.Duration(attempt)
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func nextPow(factor float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= factor
	}
	return result
}

// jitter adds up to ±jitterFraction random perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
