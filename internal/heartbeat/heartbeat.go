// Package heartbeat drives a per-session ping loop against the liveness
// registry: one ticker goroutine per session name, beating the registry on
// success and missing it on failure without ever tearing the loop down. A
// failed ping only ever produces a Miss — reconnection is the session
// supervisor's job, not the heartbeat driver's.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/A-TJ/ax-agent-studio/internal/liveness"
)

// Pinger is satisfied by anything the driver can health-check on an
// interval — in production, an mcpsession.Session.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Driver runs one ticking ping loop per named session.
type Driver struct {
	registry *liveness.Registry
	log      *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Driver reporting into registry.
func New(registry *liveness.Registry, log *zap.Logger) *Driver {
	return &Driver{
		registry: registry,
		log:      log.Named("heartbeat"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start begins pinging pinger every interval under name. An interval of
// zero disables heartbeating for this session entirely — no goroutine is
// started. If a loop is already running for name it is cancelled (see
// Stop) and replaced.
func (d *Driver) Start(ctx context.Context, name string, pinger Pinger, interval time.Duration) {
	if interval <= 0 {
		return
	}

	d.Stop(name)

	loopCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.cancels[name] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(loopCtx, name, pinger, interval)
}

func (d *Driver) run(ctx context.Context, name string, pinger Pinger, interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := pinger.Ping(pingCtx)
			cancel()

			if err != nil {
				d.log.Debug("heartbeat ping failed", zap.String("session", name), zap.Error(err))
				d.registry.Miss(name)
				continue
			}
			d.registry.Beat(name)
		}
	}
}

// Stop cancels the loop for name, if any. It returns without waiting for
// that loop's goroutine to exit; only StopAll waits.
func (d *Driver) Stop(name string) {
	d.mu.Lock()
	cancel, ok := d.cancels[name]
	if ok {
		delete(d.cancels, name)
	}
	d.mu.Unlock()

	if ok {
		cancel()
	}
}

// StopAll cancels every running loop and waits for all of them to exit.
func (d *Driver) StopAll() {
	d.mu.Lock()
	for name, cancel := range d.cancels {
		cancel()
		delete(d.cancels, name)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
