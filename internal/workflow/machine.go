package workflow

import (
	"errors"
	"fmt"
)

// State of a workflow run, always derived by replaying history.
type State string

const (
	StateStart           State = "start"
	StateAwaitingTraffic State = "awaiting_traffic"
	StateEvaluating      State = "evaluating"
	StateIdle            State = "idle"
	StateAwaitingMessage State = "awaiting_message"
	StateAwaitingNotify  State = "awaiting_notify"
	StateDone            State = "done"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further events may be appended for this state.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ErrDeterminismViolation is returned by Replay when the recorded history
// could not have been produced by this state machine. The run must halt;
// advancing on a diverged history would duplicate side effects.
var ErrDeterminismViolation = errors.New("determinism violation")

// ActionKind enumerates what the driver must do next for a run.
type ActionKind string

const (
	// ActionNone: nothing to do (terminal state or a dispatch in flight).
	ActionNone ActionKind = "none"
	// ActionDispatch: hand an activity attempt to the retry engine.
	ActionDispatch ActionKind = "dispatch"
	// ActionRecordDecision: commit the threshold evaluation to history.
	ActionRecordDecision ActionKind = "record_decision"
	// ActionCompleteRun: append the terminal run.completed event.
	ActionCompleteRun ActionKind = "complete_run"
	// ActionFailRun: append the terminal run.failed event.
	ActionFailRun ActionKind = "fail_run"
)

// Action is the single next step a run requires. It is a pure function of
// replayed history: replaying any prefix yields the same action the original
// execution took at that point.
type Action struct {
	Kind     ActionKind
	Activity string   // ActionDispatch
	Attempt  int      // ActionDispatch, 1-based
	Decision string   // ActionRecordDecision
	Outcome  string   // ActionCompleteRun
	Failure  *Failure // ActionFailRun
}

// Snapshot is the state of a run reconstructed from its history.
type Snapshot struct {
	State        State
	Input        Input
	Reading      *TrafficReading
	Decision     string
	Message      string
	FallbackUsed bool
	Notification *Notification
	Failure      *Failure
	LastSeq      int64

	// pendingActivity is set while an activity.scheduled event has no
	// recorded completion or failure.
	pendingActivity string
	pendingAttempt  int
	failedAttempts  map[string]int
}

// PendingActivity returns the activity with a dispatch in flight, if any.
func (s *Snapshot) PendingActivity() (string, int, bool) {
	return s.pendingActivity, s.pendingAttempt, s.pendingActivity != ""
}

// FailedAttempts returns the number of recorded failed attempts for an activity.
func (s *Snapshot) FailedAttempts(activity string) int {
	return s.failedAttempts[activity]
}

// expectedActivity is the only activity the machine may dispatch in a state.
func (s *Snapshot) expectedActivity() string {
	switch s.State {
	case StateAwaitingTraffic:
		return ActivityFetchTraffic
	case StateAwaitingMessage:
		return ActivityComposeMessage
	case StateAwaitingNotify:
		return ActivityNotify
	}
	return ""
}

// evaluateDecision derives the notify/skip decision from the recorded
// reading. Strictly greater than: a delay equal to the threshold does not
// trigger a notification.
func evaluateDecision(reading *TrafficReading, thresholdMinutes int) string {
	if reading.DelayMinutes > thresholdMinutes {
		return DecisionNotify
	}
	return DecisionSkip
}

// Replay folds a run's committed history into a Snapshot. It validates that
// every event is one the machine could have produced at that point and
// returns ErrDeterminismViolation otherwise.
func Replay(events []Event) (*Snapshot, error) {
	s := &Snapshot{
		State:          StateStart,
		failedAttempts: make(map[string]int),
	}

	for _, ev := range events {
		if s.State.Terminal() {
			return nil, violation(ev, "event after terminal state %s", s.State)
		}
		if ev.Seq != s.LastSeq+1 {
			return nil, violation(ev, "sequence gap: got %d, want %d", ev.Seq, s.LastSeq+1)
		}
		s.LastSeq = ev.Seq

		switch ev.Type {
		case EventRunStarted:
			if s.State != StateStart || ev.Input == nil {
				return nil, violation(ev, "unexpected run start")
			}
			s.Input = *ev.Input
			s.State = StateAwaitingTraffic

		case EventActivityScheduled:
			if s.pendingActivity != "" {
				return nil, violation(ev, "schedule while %s attempt %d in flight", s.pendingActivity, s.pendingAttempt)
			}
			if want := s.expectedActivity(); ev.Activity != want || want == "" {
				return nil, violation(ev, "scheduled %s, state %s expects %q", ev.Activity, s.State, want)
			}
			if want := s.failedAttempts[ev.Activity] + 1; ev.Attempt != want {
				return nil, violation(ev, "scheduled %s attempt %d, want %d", ev.Activity, ev.Attempt, want)
			}
			s.pendingActivity = ev.Activity
			s.pendingAttempt = ev.Attempt

		case EventActivityCompleted:
			if ev.Activity != s.pendingActivity {
				return nil, violation(ev, "completion for %s but %q in flight", ev.Activity, s.pendingActivity)
			}
			s.pendingActivity = ""
			s.pendingAttempt = 0
			switch ev.Activity {
			case ActivityFetchTraffic:
				if ev.Reading == nil {
					return nil, violation(ev, "traffic completion without reading")
				}
				s.Reading = ev.Reading
				s.State = StateEvaluating
			case ActivityComposeMessage:
				s.Message = ev.Message
				s.FallbackUsed = ev.FallbackUsed
				s.State = StateAwaitingNotify
			case ActivityNotify:
				n := s.buildNotification()
				n.Sent = true
				n.SentAt = ev.SentAt
				s.Notification = n
			}

		case EventActivityFailed:
			if ev.Activity != s.pendingActivity {
				return nil, violation(ev, "failure for %s but %q in flight", ev.Activity, s.pendingActivity)
			}
			s.pendingActivity = ""
			s.pendingAttempt = 0
			s.failedAttempts[ev.Activity]++
			if !ev.Terminal {
				continue
			}
			// ComposeMessage exhaustion is absorbed: the run proceeds to
			// notify with the deterministic fallback text. Traffic and
			// notify terminal failures fail the run.
			if ev.Activity == ActivityComposeMessage {
				s.Message = ""
				s.FallbackUsed = true
				s.State = StateAwaitingNotify
				continue
			}
			s.Failure = ev.Failure

		case EventDecisionRecorded:
			if s.State != StateEvaluating || s.Reading == nil {
				return nil, violation(ev, "decision in state %s", s.State)
			}
			if want := evaluateDecision(s.Reading, s.Input.DelayThresholdMinutes); ev.Decision != want {
				return nil, violation(ev, "recorded decision %q, replay computed %q", ev.Decision, want)
			}
			s.Decision = ev.Decision
			if ev.Decision == DecisionNotify {
				s.State = StateAwaitingMessage
			}

		case EventRunCompleted:
			switch {
			case ev.Outcome == OutcomeIdle && s.Decision == DecisionSkip:
				s.State = StateIdle
			case ev.Outcome == OutcomeDone && s.Notification != nil && s.Notification.Sent:
				s.State = StateDone
			default:
				return nil, violation(ev, "completion outcome %q does not match replayed state", ev.Outcome)
			}

		case EventRunFailed:
			// A forced failure (whole-workflow timeout) may land with a
			// dispatch still in flight; the dispatch is abandoned and any
			// late result for it dropped.
			s.pendingActivity = ""
			s.pendingAttempt = 0
			if ev.Failure != nil {
				s.Failure = ev.Failure
			}
			s.State = StateFailed

		case EventRunCancelled:
			s.pendingActivity = ""
			s.pendingAttempt = 0
			s.State = StateCancelled

		default:
			return nil, violation(ev, "unknown event type")
		}
	}

	return s, nil
}

// Next computes the single pending action for the run. Pure: no clock, no
// randomness, no I/O.
func (s *Snapshot) Next() Action {
	if s.State.Terminal() || s.State == StateStart {
		return Action{Kind: ActionNone}
	}
	if s.Failure != nil {
		return Action{Kind: ActionFailRun, Failure: s.Failure}
	}
	if s.pendingActivity != "" {
		return Action{Kind: ActionNone}
	}

	switch s.State {
	case StateAwaitingTraffic, StateAwaitingMessage, StateAwaitingNotify:
		if s.State == StateAwaitingNotify && s.Notification != nil && s.Notification.Sent {
			return Action{Kind: ActionCompleteRun, Outcome: OutcomeDone}
		}
		act := s.expectedActivity()
		return Action{Kind: ActionDispatch, Activity: act, Attempt: s.failedAttempts[act] + 1}
	case StateEvaluating:
		if s.Decision == DecisionSkip {
			return Action{Kind: ActionCompleteRun, Outcome: OutcomeIdle}
		}
		return Action{Kind: ActionRecordDecision, Decision: evaluateDecision(s.Reading, s.Input.DelayThresholdMinutes)}
	}
	return Action{Kind: ActionNone}
}

// buildNotification assembles the notification draft from recorded facts.
func (s *Snapshot) buildNotification() *Notification {
	if s.Notification != nil {
		return s.Notification
	}
	delay := 0
	var newETA = s.Input.EstimatedDelivery
	if s.Reading != nil {
		delay = s.Reading.DelayMinutes
		newETA = ComputeNewETA(s.Input.EstimatedDelivery, delay)
	}
	return &Notification{
		ShipmentID:   s.Input.ShipmentID,
		CustomerID:   s.Input.CustomerID,
		DelayMinutes: delay,
		OriginalETA:  s.Input.EstimatedDelivery,
		NewETA:       newETA,
		Message:      s.Message,
	}
}

// NotificationDraft returns the unsent notification for the notify dispatch.
func (s *Snapshot) NotificationDraft() *Notification {
	return s.buildNotification()
}

func violation(ev Event, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: seq %d (%s): %s", ErrDeterminismViolation, ev.Seq, ev.Type, detail)
}
