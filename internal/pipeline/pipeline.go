// Package pipeline implements the inbound message pipeline run per agent:
// a startup sweep over unread messages, a poller persisting new mentions,
// and a processor draining the queue newest-first until the backlog grows
// deep enough to switch to an oldest-first drain. Every fetched message is
// marked processed regardless of handler outcome; handler and send
// failures are recorded in the dead-letter store, and a sentinel file
// pauses every processor without stopping it.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/A-TJ/ax-agent-studio/internal/classify"
	"github.com/A-TJ/ax-agent-studio/internal/deadletter"
	"github.com/A-TJ/ax-agent-studio/internal/heartbeat"
	"github.com/A-TJ/ax-agent-studio/internal/mcpsession"
	"github.com/A-TJ/ax-agent-studio/internal/mention"
	"github.com/A-TJ/ax-agent-studio/internal/metrics"
	"github.com/A-TJ/ax-agent-studio/internal/store"
)

const (
	startupSweepMaxIterations = 200
	startupSweepPause         = 700 * time.Millisecond
	pausedPollInterval        = 5 * time.Second
	idlePollInterval          = 5 * time.Second
	processorErrorPause       = 5 * time.Second
	backlogFIFOThreshold      = 100
	batchFetchLimit           = 100
)

// Batch is what the handler receives for one processing iteration. When
// BatchSize > 1, Current is the focus message (newest under FILO, oldest
// under FIFO) and History holds the rest in chronological order.
type Batch struct {
	Current       store.Message
	History       []store.Message
	BatchMode     bool
	BatchSize     int
	Backlog       int
	QueueSnapshot []store.Message
}

// Handler processes one Batch and returns the text to send back, or "" to
// send nothing (e.g. a blocked self-mention).
type Handler interface {
	Handle(ctx context.Context, batch Batch) (string, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, batch Batch) (string, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, batch Batch) (string, error) {
	return f(ctx, batch)
}

// Config tunes one Pipeline instance.
type Config struct {
	AgentName         string
	PrimarySession    string // session name passed to Supervisor.ExecuteWithRetry
	MarkRead          bool
	PollInterval      time.Duration
	StartupSweep      bool
	StartupSweepLimit int
	HeartbeatInterval time.Duration
	KillSwitchPath    string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Pipeline wires the poller, processor, and heartbeat tasks for one agent.
type Pipeline struct {
	cfg        Config
	supervisor *mcpsession.Supervisor
	store      store.Store
	deadLetter deadletter.Store
	sink       metrics.Sink
	heartbeats *heartbeat.Driver
	handler    Handler
	log        *zap.Logger

	killSwitch atomic.Bool
}

// New builds a Pipeline. heartbeats may be nil to disable heartbeat
// delegation entirely (tests, or a supervisor with no remote sessions).
func New(cfg Config, supervisor *mcpsession.Supervisor, st store.Store, dl deadletter.Store, sink metrics.Sink, heartbeats *heartbeat.Driver, handler Handler, log *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg.withDefaults(),
		supervisor: supervisor,
		store:      st,
		deadLetter: dl,
		sink:       sink,
		heartbeats: heartbeats,
		handler:    handler,
		log:        log.Named("pipeline").With(zap.String("agent", cfg.AgentName)),
	}
}

// Run runs the startup sweep, then starts the poller, the processor, and
// (if configured) the primary session's heartbeat loop concurrently. The
// poller and processor stop only when ctx is cancelled; an error inside
// either task is logged and never ends Run. Run returns once the poller and
// processor have both exited, after cancelling the heartbeat loop without
// waiting for it to exit.
func (p *Pipeline) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.logStartupStats(ctx)
	p.startupSweep(ctx)

	if p.cfg.KillSwitchPath != "" {
		go p.watchKillSwitch(ctx)
	}

	if p.heartbeats != nil && p.cfg.HeartbeatInterval > 0 {
		if sess, ok := p.supervisor.GetSession(p.cfg.PrimarySession); ok && sess.UsesHeartbeat() {
			p.heartbeats.Start(ctx, p.cfg.PrimarySession, sess, p.cfg.HeartbeatInterval)
		}
	}

	done := make(chan struct{}, 2)
	go func() { p.poll(ctx); done <- struct{}{} }()
	go func() { p.process(ctx); done <- struct{}{} }()

	<-done
	<-done

	if p.heartbeats != nil {
		p.heartbeats.Stop(p.cfg.PrimarySession)
	}
	p.logFinalStats(context.Background())
}

func (p *Pipeline) logStartupStats(ctx context.Context) {
	stats, err := p.store.GetStats(ctx, p.cfg.AgentName)
	if err != nil {
		p.log.Warn("failed to read startup stats", zap.Error(err))
		return
	}
	p.log.Info("queue stats", zap.Int("pending", stats.Pending), zap.Int("completed", stats.Completed))
}

func (p *Pipeline) logFinalStats(ctx context.Context) {
	stats, err := p.store.GetStats(ctx, p.cfg.AgentName)
	if err != nil {
		p.log.Warn("failed to read final stats", zap.Error(err))
		return
	}
	p.log.Info("final queue stats",
		zap.Int("pending", stats.Pending),
		zap.Int("completed", stats.Completed),
		zap.Duration("avg_processing_time", stats.AvgProcessingTime),
	)
}

// callMessages invokes the "messages" tool via the session supervisor,
// abstracting the retry/backoff/liveness ladder the rest of the pipeline
// doesn't need to know about.
func (p *Pipeline) callMessages(ctx context.Context, label string, params map[string]any) (*mcpgo.CallToolResult, error) {
	var result *mcpgo.CallToolResult
	err := p.supervisor.ExecuteWithRetry(ctx, p.cfg.PrimarySession, label, func(ctx context.Context, client *mcpclient.Client) error {
		req := mcpgo.CallToolRequest{}
		req.Params.Name = "messages"
		req.Params.Arguments = params

		res, err := client.CallTool(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func (p *Pipeline) startupSweep(ctx context.Context) {
	if !p.cfg.StartupSweep {
		p.log.Info("startup sweep disabled")
		return
	}

	p.log.Info("starting unread message sweep", zap.Int("limit", p.cfg.StartupSweepLimit))
	fetched := 0

	for iteration := 0; iteration < startupSweepMaxIterations; iteration++ {
		if p.cfg.StartupSweepLimit > 0 && fetched >= p.cfg.StartupSweepLimit {
			break
		}

		result, err := p.callMessages(ctx, "messages.check_unread", map[string]any{
			"action":       "check",
			"filter_agent": p.cfg.AgentName,
			"mode":         "unread",
			"wait":         false,
			"limit":        1,
			"mark_read":    true,
		})
		if err != nil {
			p.log.Error("startup sweep error, continuing with normal polling", zap.Error(err))
			return
		}

		m, ok := mention.FromToolResult(result, p.cfg.AgentName)
		if !ok {
			p.log.Info("sweep complete", zap.Int("fetched", fetched))
			return
		}

		stored, err := p.store.StoreMessage(ctx, m.ID, p.cfg.AgentName, m.Sender, m.Content)
		if err != nil {
			p.log.Error("sweep store error", zap.Error(err))
			return
		}
		if stored {
			fetched++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(startupSweepPause):
		}
	}
}

// watchKillSwitch tracks the sentinel file's existence. The ground truth is
// always "does the file exist right now" — fsnotify just tells us when to
// re-check without a hot poll loop; if the watcher can't be set up we fall
// back to polling.
func (p *Pipeline) watchKillSwitch(ctx context.Context) {
	check := func() {
		_, err := os.Stat(p.cfg.KillSwitchPath)
		p.killSwitch.Store(err == nil)
	}
	check()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(p.cfg.KillSwitchPath))
	}
	if err != nil {
		p.log.Warn("kill switch watcher unavailable, falling back to polling", zap.Error(err))
		if watcher != nil {
			watcher.Close()
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name == p.cfg.KillSwitchPath {
				check()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
			check()
		}
	}
}

func (p *Pipeline) poll(ctx context.Context) {
	p.log.Info("poller task started")
	ladder := classify.NewLadder()

	for {
		if ctx.Err() != nil {
			return
		}

		paused, err := p.store.IsAgentPaused(ctx, p.cfg.AgentName)
		if err != nil {
			p.log.Warn("poller: pause check failed", zap.Error(err))
		}
		if paused {
			if _, err := p.store.CheckAutoResume(ctx, p.cfg.AgentName); err != nil {
				p.log.Warn("poller: auto-resume check failed", zap.Error(err))
			}
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		result, err := p.callMessages(ctx, "messages.check", map[string]any{
			"action":       "check",
			"filter_agent": p.cfg.AgentName,
			"wait":         false,
			"mark_read":    p.cfg.MarkRead,
		})
		if err != nil {
			class := ladder.Classify(err)
			p.sink.LogMetric("poll_backoff", zap.String("kind", string(class.Kind)), zap.Duration("wait", class.Wait), zap.Error(err))
			p.log.Warn("poller error", zap.String("kind", string(class.Kind)), zap.Duration("wait", class.Wait), zap.Error(err))
			if !sleepCtx(ctx, class.Wait) {
				return
			}
			continue
		}
		ladder.Reset()

		m, ok := mention.FromToolResult(result, p.cfg.AgentName)
		if !ok {
			if !sleepCtx(ctx, idlePollInterval) {
				return
			}
			continue
		}

		stored, err := p.store.StoreMessage(ctx, m.ID, p.cfg.AgentName, m.Sender, m.Content)
		if err != nil {
			p.log.Error("poller: store failed", zap.Error(err))
			if !sleepCtx(ctx, idlePollInterval) {
				return
			}
			continue
		}
		if stored {
			backlog, _ := p.store.GetBacklogCount(ctx, p.cfg.AgentName)
			p.sink.LogMetric("message_stored", zap.String("id", m.ID), zap.Int("backlog", backlog))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (p *Pipeline) process(ctx context.Context) {
	p.log.Info("processor task started")

	for {
		if ctx.Err() != nil {
			return
		}

		if p.killSwitch.Load() {
			if !sleepCtx(ctx, processorErrorPause) {
				return
			}
			continue
		}

		paused, err := p.store.IsAgentPaused(ctx, p.cfg.AgentName)
		if err != nil {
			p.log.Warn("processor: pause check failed", zap.Error(err))
		}
		if paused {
			resumed, err := p.store.CheckAutoResume(ctx, p.cfg.AgentName)
			if err != nil {
				p.log.Warn("processor: auto-resume check failed", zap.Error(err))
			}
			if !resumed {
				if !sleepCtx(ctx, pausedPollInterval) {
					return
				}
				continue
			}
		}

		backlog, err := p.store.GetBacklogCount(ctx, p.cfg.AgentName)
		if err != nil {
			p.log.Error("processor: backlog count failed", zap.Error(err))
			if !sleepCtx(ctx, processorErrorPause) {
				return
			}
			continue
		}

		order := chooseOrder(backlog)
		if order == store.OrderAsc {
			p.log.Info("high backlog, switching to FIFO", zap.Int("backlog", backlog))
		}

		pending, err := p.store.GetPendingMessages(ctx, p.cfg.AgentName, batchFetchLimit, order)
		if err != nil {
			p.log.Error("processor: fetch pending failed", zap.Error(err))
			if !sleepCtx(ctx, processorErrorPause) {
				return
			}
			continue
		}
		if len(pending) == 0 {
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.processBatch(ctx, pending, backlog, order)
	}
}

func (p *Pipeline) processBatch(ctx context.Context, pending []store.Message, backlog int, order store.Order) {
	for _, msg := range pending {
		if err := p.store.MarkProcessingStarted(ctx, msg.ID, p.cfg.AgentName); err != nil {
			p.log.Error("mark processing failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}

	batch := buildBatch(pending, backlog, order)

	response, err := p.handler.Handle(ctx, batch)
	replyTo := pending[0]

	if err != nil {
		p.log.Error("handler failed", zap.Int("batch_size", batch.BatchSize), zap.Error(err))
		for _, msg := range pending {
			if dlErr := p.deadLetter.Append(ctx, deadletter.Record{
				MessageID: msg.ID,
				Agent:     p.cfg.AgentName,
				Sender:    msg.Sender,
				Content:   msg.Content,
				Err:       err.Error(),
				FailedAt:  time.Now().UTC(),
			}); dlErr != nil {
				p.log.Error("dead-letter append failed", zap.Error(dlErr))
			}
		}
	} else if response != "" {
		if _, sendErr := p.callMessages(ctx, "messages.send", map[string]any{
			"action":            "send",
			"content":           response,
			"parent_message_id": replyTo.ID,
		}); sendErr != nil {
			p.log.Error("reply send failed", zap.Error(sendErr))
			for _, msg := range pending {
				if dlErr := p.deadLetter.Append(ctx, deadletter.Record{
					MessageID: msg.ID,
					Agent:     p.cfg.AgentName,
					Sender:    msg.Sender,
					Content:   msg.Content,
					Err:       sendErr.Error(),
					FailedAt:  time.Now().UTC(),
				}); dlErr != nil {
					p.log.Error("dead-letter append failed", zap.Error(dlErr))
				}
			}
		}
	}

	// Every fetched message is marked processed before the next iteration,
	// regardless of handler outcome.
	for _, msg := range pending {
		if err := p.store.MarkProcessed(ctx, msg.ID, p.cfg.AgentName); err != nil {
			p.log.Error("mark processed failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}

	p.sink.LogMetric("batch_completed", zap.Int("batch_size", batch.BatchSize), zap.Bool("had_error", err != nil))
}

// chooseOrder re-evaluates the FILO/FIFO selector every iteration, with no
// hysteresis: freshest-first until the backlog exceeds the threshold, then
// oldest-first to drain.
func chooseOrder(backlog int) store.Order {
	if backlog > backlogFIFOThreshold {
		return store.OrderAsc
	}
	return store.OrderDesc
}

func buildBatch(pending []store.Message, backlog int, order store.Order) Batch {
	current := pending[0]
	history := pending[1:]

	// History is always presented in chronological order regardless of
	// fetch direction: FILO fetch (desc) must be reversed, FIFO (asc) is
	// already chronological.
	if order == store.OrderDesc {
		reversed := make([]store.Message, len(history))
		for i, m := range history {
			reversed[len(history)-1-i] = m
		}
		history = reversed
	}

	return Batch{
		Current:       current,
		History:       history,
		BatchMode:     len(pending) > 1,
		BatchSize:     len(pending),
		Backlog:       backlog,
		QueueSnapshot: pending,
	}
}

// Dir is a small helper used by orchestrator wiring to default a kill
// switch path relative to a data directory.
func Dir(dataDir string) string {
	return filepath.Join(dataDir, "KILL_SWITCH")
}
