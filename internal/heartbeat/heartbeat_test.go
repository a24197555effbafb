package heartbeat

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/A-TJ/ax-agent-studio/internal/liveness"
)

type fakePinger struct {
	err atomic.Value
}

func (f *fakePinger) setErr(err error) {
	f.err.Store(errBox{err})
}

type errBox struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error {
	v := f.err.Load()
	if v == nil {
		return nil
	}
	return v.(errBox).err
}

func TestDriverBeatsOnSuccess(t *testing.T) {
	reg := liveness.New("test", nil)
	reg.Register("s1", time.Second, nil)

	d := New(reg, zap.NewNop())
	pinger := &fakePinger{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx, "s1", pinger, 10*time.Millisecond)
	defer d.StopAll()

	require.Eventually(t, func() bool {
		return reg.IsAlive("s1")
	}, time.Second, 5*time.Millisecond)
}

func TestDriverMissesOnFailureWithoutStopping(t *testing.T) {
	reg := liveness.New("test", nil)
	reg.Register("s1", time.Second, nil)

	d := New(reg, zap.NewNop())
	pinger := &fakePinger{}
	pinger.setErr(assertError("boom"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx, "s1", pinger, 10*time.Millisecond)
	defer d.StopAll()

	require.Eventually(t, func() bool {
		for _, rec := range reg.Summary() {
			if rec.Name == "s1" && rec.ConsecutiveMisses > 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.False(t, reg.IsAlive("s1"))
}

func TestDriverZeroIntervalDisabled(t *testing.T) {
	reg := liveness.New("test", nil)
	reg.Register("s1", time.Second, nil)

	d := New(reg, zap.NewNop())
	d.Start(context.Background(), "s1", &fakePinger{}, 0)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, reg.IsAlive("s1"))
	d.StopAll()
}

type assertError string

func (e assertError) Error() string { return string(e) }

// flappingPinger fails and succeeds on alternating calls.
type flappingPinger struct {
	calls atomic.Int64
}

func (f *flappingPinger) Ping(ctx context.Context) error {
	if f.calls.Add(1)%2 == 1 {
		return assertError("flap")
	}
	return nil
}

func TestDriverRecoversBetweenMissAndAlive(t *testing.T) {
	reg := liveness.New("test", nil)
	reg.Register("s1", 50*time.Millisecond, nil)

	d := New(reg, zap.NewNop())
	pinger := &flappingPinger{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx, "s1", pinger, 100*time.Millisecond)
	defer d.StopAll()

	// At a 100ms interval the driver completes at least 2 ping attempts
	// within 500ms, and the record flaps between miss and alive with them.
	sawMiss, sawAlive := false, false
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, rec := range reg.Summary() {
			if rec.ConsecutiveMisses > 0 {
				sawMiss = true
			} else if rec.HasHeartbeat {
				sawAlive = true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, pinger.calls.Load(), int64(2))
	assert.True(t, sawMiss, "expected at least one miss transition")
	assert.True(t, sawAlive, "expected at least one alive transition")
}

// TestDriverSoak hammers a flapping pinger for a long stretch; it only runs
// when RUN_STABILITY_TESTS is set, with STABILITY_ITERATIONS and
// STABILITY_SLEEP_SECONDS tuning the length.
func TestDriverSoak(t *testing.T) {
	if os.Getenv("RUN_STABILITY_TESTS") == "" {
		t.Skip("set RUN_STABILITY_TESTS to run soak tests")
	}

	iterations := 50
	if v := os.Getenv("STABILITY_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			iterations = n
		}
	}
	sleep := time.Second
	if v := os.Getenv("STABILITY_SLEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			sleep = time.Duration(n) * time.Second
		}
	}

	reg := liveness.New("soak", nil)
	reg.Register("s1", time.Second, nil)

	d := New(reg, zap.NewNop())
	pinger := &flappingPinger{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx, "s1", pinger, 10*time.Millisecond)

	for i := 0; i < iterations; i++ {
		time.Sleep(sleep)
		require.NotEmpty(t, reg.Summary(), "registry lost its record mid-soak")
	}

	d.StopAll()
	assert.Greater(t, pinger.calls.Load(), int64(0))
}
