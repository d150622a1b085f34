package activity

import (
	"time"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

// Task is one activity attempt handed to a worker over the task queue.
// Exactly one of Traffic, Compose, Notify is set, matching Activity.
type Task struct {
	RunID        string        `json:"run_id"`
	Activity     string        `json:"activity"`
	Attempt      int           `json:"attempt"`
	MaxAttempts  int           `json:"max_attempts"`
	Timeout      time.Duration `json:"timeout"`
	PublishedAt  string        `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers

	Traffic *TrafficRequest `json:"traffic,omitempty"`
	Compose *ComposeTask    `json:"compose,omitempty"`
	Notify  *NotifyTask     `json:"notify,omitempty"`
}

// FinalAttempt reports whether this is the last attempt the retry budget
// allows. ComposeMessage uses it to fall back instead of failing.
func (t Task) FinalAttempt() bool {
	return t.Attempt >= t.MaxAttempts
}

// ComposeTask carries the recorded facts for message generation. The
// customer name is resolved by the worker from the directory.
type ComposeTask struct {
	CustomerID string     `json:"customer_id"`
	Facts      DelayFacts `json:"facts"`
}

// NotifyTask carries the notification draft for delivery. The idempotency
// key is stable per run so a redelivered task cannot double-send.
type NotifyTask struct {
	CustomerID     string                `json:"customer_id"`
	Notification   workflow.Notification `json:"notification"`
	FallbackUsed   bool                  `json:"fallback_used,omitempty"`
	IdempotencyKey string                `json:"idempotency_key"`
}

// Result is the recorded outcome of one attempt, published by the worker
// back to the orchestrator. Payload fields mirror the activity contract.
type Result struct {
	RunID        string            `json:"run_id"`
	Activity     string            `json:"activity"`
	Attempt      int               `json:"attempt"`
	CompletedAt  time.Time         `json:"completed_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`

	Reading      *workflow.TrafficReading `json:"reading,omitempty"`
	Message      string                   `json:"message,omitempty"`
	FallbackUsed bool                     `json:"fallback_used,omitempty"`
	SentAt       *time.Time               `json:"sent_at,omitempty"`
	Channels     []string                 `json:"channels,omitempty"`

	Failure *workflow.Failure `json:"failure,omitempty"`
}

// Succeeded reports whether the attempt completed without failure.
func (r Result) Succeeded() bool {
	return r.Failure == nil
}
