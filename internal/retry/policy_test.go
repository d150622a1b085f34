package retry

import (
	"testing"
	"time"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

func TestBackoffFor(t *testing.T) {
	policy := Policy{
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first failure", 1, 2 * time.Second},
		{"second failure", 2, 4 * time.Second},
		{"third failure", 3, 8 * time.Second},
		{"capped at max", 10, 30 * time.Second},
		{"attempt below one clamps", 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.BackoffFor(tt.attempt); got != tt.want {
				t.Errorf("BackoffFor(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffForJitterBounds(t *testing.T) {
	policy := Policy{
		InitialBackoff:    4 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        time.Minute,
		JitterPct:         0.25,
	}

	min := time.Duration(float64(4*time.Second) * 0.75)
	max := time.Duration(float64(4*time.Second) * 1.25)
	for i := 0; i < 100; i++ {
		got := policy.BackoffFor(1)
		if got < min || got > max {
			t.Fatalf("BackoffFor(1) = %v, want within [%v, %v]", got, min, max)
		}
	}
}

func TestEvaluate(t *testing.T) {
	policy := Policy{
		Timeout:           10 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}

	retryable := &workflow.Failure{Activity: workflow.ActivityFetchTraffic, Reason: "http_5xx (503)", Retryable: true}
	permanent := &workflow.Failure{Activity: workflow.ActivityFetchTraffic, Reason: "http_4xx (400)", Retryable: false}

	tests := []struct {
		name           string
		failure        *workflow.Failure
		failedAttempts int
		wantVerdict    Verdict
		wantDelay      time.Duration
	}{
		{"first retryable failure", retryable, 1, VerdictRetry, 2 * time.Second},
		{"second retryable failure", retryable, 2, VerdictRetry, 4 * time.Second},
		{"budget exhausted", retryable, 3, VerdictExhausted, 0},
		{"past budget stays exhausted", retryable, 4, VerdictExhausted, 0},
		{"permanent is terminal immediately", permanent, 1, VerdictTerminal, 0},
		{"permanent ignores remaining budget", permanent, 2, VerdictTerminal, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, delay := policy.Evaluate(tt.failure, tt.failedAttempts)
			if verdict != tt.wantVerdict {
				t.Errorf("Evaluate() verdict = %v, want %v", verdict, tt.wantVerdict)
			}
			if delay != tt.wantDelay {
				t.Errorf("Evaluate() delay = %v, want %v", delay, tt.wantDelay)
			}
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", p.Timeout)
	}
}
