// Package retry owns per-activity timeout, attempt budget, and backoff
// decisions. It classifies activity failures into retry / terminal verdicts;
// the orchestrator records one attempt per dispatch so replay re-derives
// outcomes from history instead of re-dispatching.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

// Policy is the retry configuration for one activity.
type Policy struct {
	Timeout           time.Duration `json:"timeout"`            // per-attempt bound
	MaxAttempts       int           `json:"max_attempts"`       // total attempts, not retries
	InitialBackoff    time.Duration `json:"initial_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxBackoff        time.Duration `json:"max_backoff"`        // ceiling, 0 = uncapped
	JitterPct         float64       `json:"jitter_pct"`         // 0.0-1.0, 0 = deterministic
}

// DefaultPolicy returns the baseline policy applied when an activity has no
// explicit configuration.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:           10 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// BackoffFor returns the delay before attempt n+1, given that attempt n
// (1-based) just failed: initialBackoff * multiplier^(n-1), capped at
// MaxBackoff. Jitter, when configured, scales the result by +/- JitterPct.
func (p Policy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.JitterPct > 0 {
		j := 1 + (rand.Float64()*2-1)*p.JitterPct
		if j < 0.1 {
			j = 0.1
		}
		d = time.Duration(float64(d) * j)
	}
	return d
}

// Verdict is the engine's decision after a failed attempt.
type Verdict int

const (
	// VerdictRetry: dispatch the next attempt after the returned delay.
	VerdictRetry Verdict = iota
	// VerdictExhausted: the failure was transient but the budget is spent.
	VerdictExhausted
	// VerdictTerminal: the failure is non-retryable; never dispatch again.
	VerdictTerminal
)

// Evaluate decides what follows a failed attempt. failedAttempts counts the
// attempts already recorded as failed, including this one. A non-retryable
// failure is terminal immediately, without consuming the remaining budget.
func (p Policy) Evaluate(f *workflow.Failure, failedAttempts int) (Verdict, time.Duration) {
	if f != nil && !f.Retryable {
		return VerdictTerminal, 0
	}
	if failedAttempts >= p.MaxAttempts {
		return VerdictExhausted, 0
	}
	return VerdictRetry, p.BackoffFor(failedAttempts)
}
