package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestClassifyRateLimitHonorsRetryAfter(t *testing.T) {
	l := NewLadder()
	c := l.Classify(errors.New(`tool call failed: {"error":"rate_limited","retry_after":27}`))
	assert.Equal(t, KindRateLimit, c.Kind)
	assert.Equal(t, 27*time.Second, c.Wait)
}

func TestClassifyRateLimitDefaultsWithoutRetryAfter(t *testing.T) {
	l := NewLadder()

	c := l.Classify(errors.New("remote returned HTTP 429"))
	assert.Equal(t, KindRateLimit, c.Kind)
	assert.Equal(t, 30*time.Second, c.Wait)

	c = l.Classify(errors.New(`{"error":"rate_limited"}`))
	assert.Equal(t, KindRateLimit, c.Kind)
	assert.Equal(t, 30*time.Second, c.Wait)
}

func TestRateLimitDoesNotAdvanceLadder(t *testing.T) {
	l := NewLadder()

	for i := 0; i < 5; i++ {
		l.Classify(errors.New(`{"error":"rate_limited","retry_after":1}`))
	}

	// The next connection-class error still starts at the first rung.
	c := l.Classify(errors.New("connection reset by peer"))
	assert.Equal(t, KindConnError, c.Kind)
	assert.Equal(t, 5*time.Second, c.Wait)
}

func TestConnectionErrorBackoffLadder(t *testing.T) {
	l := NewLadder()
	err := errors.New("read tcp: connection reset by peer")

	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		c := l.Classify(err)
		assert.Equal(t, KindConnError, c.Kind)
		assert.Equal(t, w*time.Second, c.Wait, "rung %d", i)
	}
}

func TestResetReturnsLadderToFirstRung(t *testing.T) {
	l := NewLadder()
	err := errors.New("dial: connection refused")

	l.Classify(err)
	l.Classify(err)
	l.Reset()

	c := l.Classify(err)
	assert.Equal(t, 5*time.Second, c.Wait)
}

func TestClassifyTimeoutKinds(t *testing.T) {
	l := NewLadder()

	c := l.Classify(context.DeadlineExceeded)
	assert.Equal(t, KindConnTimeout, c.Kind)

	c = l.Classify(errors.New("operation timed out"))
	assert.Equal(t, KindConnTimeout, c.Kind)
}

func TestClassifyUnknownFallsThrough(t *testing.T) {
	l := NewLadder()
	c := l.Classify(errors.New("schema mismatch"))
	assert.Equal(t, KindUnknown, c.Kind)
	assert.Equal(t, 5*time.Second, c.Wait)
}

func TestWaitNeverExceedsCeiling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := NewLadder()
		errs := []error{
			errors.New("connection reset by peer"),
			errors.New("request timed out"),
			errors.New("something else entirely"),
			errors.New(`{"error":"rate_limited","retry_after":12}`),
		}

		n := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, "reset") {
				l.Reset()
			}
			err := errs[rapid.IntRange(0, len(errs)-1).Draw(t, "err")]
			c := l.Classify(err)

			if c.Kind == KindRateLimit {
				if c.Wait != 12*time.Second {
					t.Fatalf("rate limit wait %v ignored retry_after", c.Wait)
				}
				continue
			}
			if c.Wait < 5*time.Second || c.Wait > 60*time.Second {
				t.Fatalf("wait %v outside [5s, 60s]", c.Wait)
			}
		}
	})
}
