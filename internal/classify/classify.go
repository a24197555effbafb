// Package classify maps operation failures to a {kind, wait hint} pair:
// rate limits honor the server's retry_after, and timeout/connection/unknown
// failures walk a shared exponential backoff ladder.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"
)

// Kind is the coarse-grained failure category used to decide a wait policy.
type Kind string

const (
	KindRateLimit   Kind = "rate_limit"
	KindConnTimeout Kind = "conn_timeout"
	KindConnError   Kind = "conn_error"
	KindUnknown     Kind = "unknown"
)

// Classification is the result of classifying a single failure.
type Classification struct {
	Kind Kind
	Wait time.Duration
}

const (
	initialBackoff  = 5 * time.Second
	maxBackoff      = 60 * time.Second
	backoffFactor   = 2
	defaultRateWait = 30 * time.Second
)

// rateLimitPayload mirrors the JSON object some remote errors embed in their
// message, e.g. {"error":"rate_limited","retry_after":27}.
type rateLimitPayload struct {
	Error      string `json:"error"`
	RetryAfter *int   `json:"retry_after"`
}

// Ladder is the exponential-backoff state machine shared across consecutive
// classifications within one poller loop. It is not safe for concurrent use
// — callers own one Ladder per loop.
type Ladder struct {
	current time.Duration
}

// NewLadder returns a Ladder reset to its initial 5s rung.
func NewLadder() *Ladder {
	return &Ladder{current: initialBackoff}
}

// Reset returns the ladder to its initial rung. Called after any successful
// operation following an error streak.
func (l *Ladder) Reset() {
	l.current = initialBackoff
}

// Classify inspects err and returns the failure kind plus how long the
// caller should wait before retrying. For conn_timeout/conn_error/unknown
// kinds this also advances the ladder for the *next* call; rate_limit never
// advances the ladder (the server dictates its own wait).
func (l *Ladder) Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Wait: 0}
	}

	msg := err.Error()

	if wait, ok := parseRateLimit(msg); ok {
		return Classification{Kind: KindRateLimit, Wait: wait}
	}

	wait := l.current
	if wait > maxBackoff {
		wait = maxBackoff
	}

	switch {
	case isTimeout(err, msg):
		l.advance()
		return Classification{Kind: KindConnTimeout, Wait: wait}
	case isConnError(msg):
		l.advance()
		return Classification{Kind: KindConnError, Wait: wait}
	default:
		l.advance()
		return Classification{Kind: KindUnknown, Wait: wait}
	}
}

func (l *Ladder) advance() {
	next := l.current * backoffFactor
	if next > maxBackoff {
		next = maxBackoff
	}
	l.current = next
}

func parseRateLimit(msg string) (time.Duration, bool) {
	lower := strings.ToLower(msg)
	if !strings.Contains(msg, "HTTP 429") && !strings.Contains(lower, "rate_limited") {
		return 0, false
	}

	if start := strings.Index(msg, "{"); start >= 0 {
		if end := strings.LastIndex(msg, "}"); end > start {
			var payload rateLimitPayload
			if err := json.Unmarshal([]byte(msg[start:end+1]), &payload); err == nil && payload.RetryAfter != nil {
				return time.Duration(*payload.RetryAfter) * time.Second, true
			}
		}
	}
	return defaultRateWait, true
}

func isTimeout(err error, msg string) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out")
}

func isConnError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{
		"econnreset", "connection reset", "connection refused", "broken pipe",
		"eof", "no route to host", "network is unreachable",
	} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
