package workflow

import "time"

// EventType identifies a committed history event.
type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"
	EventDecisionRecorded  EventType = "decision.recorded"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventRunCancelled      EventType = "run.cancelled"
)

// Decision values recorded after evaluating the traffic reading.
const (
	DecisionNotify = "notify"
	DecisionSkip   = "skip"
)

// Run outcome values carried on run.completed events.
const (
	OutcomeIdle = "idle"
	OutcomeDone = "done"
)

// Event is one committed entry of a run's append-only history. Which payload
// fields are set depends on Type. Timestamps and external results are captured
// here exactly once; replay never consults the clock or a collaborator.
type Event struct {
	Seq        int64     `json:"seq"`
	Type       EventType `json:"type"`
	RecordedAt time.Time `json:"recorded_at"`

	// run.started
	Input *Input `json:"input,omitempty"`

	// activity.* events
	Activity string `json:"activity,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`

	// activity.completed payloads, by activity
	Reading      *TrafficReading `json:"reading,omitempty"`
	Message      string          `json:"message,omitempty"`
	FallbackUsed bool            `json:"fallback_used,omitempty"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	Channels     []string        `json:"channels,omitempty"`

	// activity.failed / run.failed. Terminal marks a failure the retry
	// engine will not dispatch again (non-retryable or budget exhausted).
	Failure  *Failure `json:"failure,omitempty"`
	Terminal bool     `json:"terminal,omitempty"`

	// decision.recorded
	Decision string `json:"decision,omitempty"`

	// run.completed
	Outcome string `json:"outcome,omitempty"`
}
