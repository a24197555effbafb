package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeatMakesRecordAlive(t *testing.T) {
	r := New("test", nil)
	r.Register("s1", time.Minute, nil)

	assert.False(t, r.IsAlive("s1"), "no heartbeat yet")
	r.Beat("s1")
	assert.True(t, r.IsAlive("s1"))
}

func TestIsAliveExpiresAfterTimeout(t *testing.T) {
	rec := Record{Name: "s1", Timeout: time.Minute}
	now := time.Now()

	assert.False(t, rec.IsAlive(now), "never beaten")

	rec.beat(now)
	assert.True(t, rec.IsAlive(now))
	assert.True(t, rec.IsAlive(now.Add(time.Minute)))
	assert.False(t, rec.IsAlive(now.Add(time.Minute+time.Second)))
}

func TestMissIncrementsAndBeatResets(t *testing.T) {
	r := New("test", nil)
	r.Register("s1", time.Minute, nil)

	r.Miss("s1")
	r.Miss("s1")
	require.Equal(t, 2, findRecord(t, r, "s1").ConsecutiveMisses)

	r.Beat("s1")
	assert.Equal(t, 0, findRecord(t, r, "s1").ConsecutiveMisses)
}

func TestCallbackReceivesTransitions(t *testing.T) {
	var states []State
	r := New("studio", func(name string, ev Event) {
		states = append(states, ev.State)
	})
	r.Register("s1", time.Minute, map[string]any{"command": "echo"})

	r.Beat("s1")
	r.Miss("s1")
	r.MarkDead("s1")

	assert.Equal(t, []State{StateAlive, StateMiss, StateDead}, states)
}

func TestCallbackPanicDoesNotPropagate(t *testing.T) {
	r := New("studio", func(name string, ev Event) {
		panic("telemetry exploded")
	})
	r.Register("s1", time.Minute, nil)

	assert.NotPanics(t, func() {
		r.Beat("s1")
		r.Miss("s1")
	})
	assert.True(t, r.IsAlive("s1"), "state changes survive a panicking callback")
}

func TestMutateUnregisteredNameIsNoop(t *testing.T) {
	called := false
	r := New("studio", func(name string, ev Event) { called = true })

	r.Beat("ghost")
	r.Miss("ghost")
	r.MarkDead("ghost")

	assert.False(t, called)
	assert.False(t, r.IsAlive("ghost"))
	assert.Empty(t, r.Summary())
}

func TestSummaryReturnsDefensiveCopies(t *testing.T) {
	r := New("studio", nil)
	r.Register("s1", time.Minute, map[string]any{"command": "echo"})

	summary := r.Summary()
	require.Len(t, summary, 1)
	summary[0].Metadata["command"] = "mutated"

	assert.Equal(t, "echo", findRecord(t, r, "s1").Metadata["command"])
}

func TestRegisterReplacesExistingRecord(t *testing.T) {
	r := New("studio", nil)
	r.Register("s1", time.Minute, nil)
	r.Beat("s1")

	r.Register("s1", time.Minute, nil)
	assert.False(t, r.IsAlive("s1"), "re-register starts from a clean record")
}

func findRecord(t *testing.T, r *Registry, name string) Record {
	t.Helper()
	for _, rec := range r.Summary() {
		if rec.Name == name {
			return rec
		}
	}
	t.Fatalf("record %s not found", name)
	return Record{}
}
