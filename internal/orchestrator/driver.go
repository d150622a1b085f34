package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/freightwatch/freightwatch/internal/activity"
	"github.com/freightwatch/freightwatch/internal/config"
	"github.com/freightwatch/freightwatch/internal/history"
	"github.com/freightwatch/freightwatch/internal/logging"
	"github.com/freightwatch/freightwatch/internal/metrics"
	"github.com/freightwatch/freightwatch/internal/retry"
	"github.com/freightwatch/freightwatch/internal/tracing"
	"github.com/freightwatch/freightwatch/internal/workflow"
)

var (
	// ErrRunHalted marks a run stopped on a determinism violation. The
	// history is preserved untouched for inspection; the run never advances
	// again without operator intervention.
	ErrRunHalted = errors.New("run halted: history replay diverged")

	ErrAwaitTimeout = errors.New("timed out awaiting run completion")
)

// RunStatus is the queryable view of one run.
type RunStatus struct {
	RunID        string                 `json:"run_id"`
	State        workflow.State         `json:"state"`
	Notification *workflow.Notification `json:"notification,omitempty"`
	Failure      *workflow.Failure      `json:"failure,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
}

// Dispatcher hands an activity attempt to whatever executes it: the NSQ task
// topic in production, an in-process invoker in tests and dev mode. Results
// come back through Driver.HandleResult.
type Dispatcher interface {
	Dispatch(ctx context.Context, task activity.Task, delay time.Duration) error
}

// Driver replays run histories, computes the next deterministic action, and
// commits new events. One Driver serves many concurrent runs; each run's
// history writes are serialized behind a per-run lock (and, ultimately, the
// store's sequence guard).
type Driver struct {
	store    history.Store
	disp     Dispatcher
	policies config.Retry
	log      *logging.Logger

	workflowTimeout time.Duration
	now             func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	halted  map[string]error
	waiters map[string][]chan RunStatus
}

// New creates a Driver. workflowTimeout of zero disables the whole-run
// ceiling.
func New(store history.Store, disp Dispatcher, policies config.Retry, workflowTimeout time.Duration, log *logging.Logger) *Driver {
	if log == nil {
		log = logging.New("freightwatch-orchestrator")
	}
	return &Driver{
		store:           store,
		disp:            disp,
		policies:        policies,
		log:             log,
		workflowTimeout: workflowTimeout,
		now:             func() time.Time { return time.Now().UTC() },
		locks:           make(map[string]*sync.Mutex),
		halted:          make(map[string]error),
		waiters:         make(map[string][]chan RunStatus),
	}
}

// SetDispatcher wires the dispatcher after construction. Needed when the
// dispatcher delivers results back into this driver.
func (d *Driver) SetDispatcher(disp Dispatcher) { d.disp = disp }

// StartWorkflow creates a run and dispatches its first activity. A
// caller-supplied run ID makes starts idempotent: starting the same ID again
// returns history.ErrRunExists and no second run.
func (d *Driver) StartWorkflow(ctx context.Context, input workflow.Input, runID string) (string, error) {
	if input.ShipmentID == "" || input.CustomerID == "" {
		return "", errors.New("shipment_id and customer_id are required")
	}
	if input.OriginCoord == "" || input.DestCoord == "" {
		return "", errors.New("origin_coord and dest_coord are required")
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	first := workflow.Event{
		Seq:        1,
		Type:       workflow.EventRunStarted,
		RecordedAt: d.now(),
		Input:      &input,
	}
	run := history.Run{ID: runID, Input: input, State: workflow.StateAwaitingTraffic}
	if err := d.store.CreateRun(ctx, run, first); err != nil {
		return runID, err
	}
	metrics.RunsStartedTotal.Inc()

	d.log.WithContext(ctx).WithRun(runID).WithShipment(input.ShipmentID).WithCustomer(input.CustomerID).Info("workflow started")

	d.Advance(ctx, runID)
	return runID, nil
}

// GetStatus returns the current state of a run, derived by replay.
func (d *Driver) GetStatus(ctx context.Context, runID string) (RunStatus, error) {
	run, events, err := d.store.Load(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	snap, err := workflow.Replay(events)
	if err != nil {
		return RunStatus{RunID: runID, State: run.State, LastError: err.Error()}, nil
	}
	st := RunStatus{
		RunID:        runID,
		State:        snap.State,
		Notification: snap.Notification,
		Failure:      snap.Failure,
	}
	if halt := d.haltError(runID); halt != nil {
		st.LastError = halt.Error()
	}
	return st, nil
}

// AwaitCompletion blocks until the run reaches a terminal state or the
// timeout elapses.
func (d *Driver) AwaitCompletion(ctx context.Context, runID string, timeout time.Duration) (RunStatus, error) {
	ch := make(chan RunStatus, 1)
	d.mu.Lock()
	d.waiters[runID] = append(d.waiters[runID], ch)
	d.mu.Unlock()
	defer d.removeWaiter(runID, ch)

	// The run may already be terminal; check after registering so a
	// completion between check and wait cannot be missed.
	if st, err := d.GetStatus(ctx, runID); err != nil {
		return RunStatus{}, err
	} else if st.State.Terminal() {
		return st, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case st := <-ch:
		return st, nil
	case <-timer:
		return RunStatus{}, ErrAwaitTimeout
	case <-ctx.Done():
		return RunStatus{}, ctx.Err()
	}
}

// Cancel flags the run for cancellation at its next suspension point. A
// dispatch already accepted by a collaborator may still produce its side
// effect; idempotency keys keep that safe.
func (d *Driver) Cancel(ctx context.Context, runID string) error {
	if err := d.store.RequestCancel(ctx, runID); err != nil {
		return err
	}
	d.Advance(ctx, runID)
	return nil
}

// List returns run rows filtered by state.
func (d *Driver) List(ctx context.Context, states []workflow.State) ([]history.Run, error) {
	return d.store.List(ctx, states)
}

// Advance replays the run and performs every ready action: recording
// decisions, dispatching activities, committing terminal events. Safe to
// call at any time; it is a no-op when a dispatch is in flight.
func (d *Driver) Advance(ctx context.Context, runID string) {
	lock := d.runLock(runID)
	lock.Lock()
	defer lock.Unlock()
	d.advanceLocked(ctx, runID, 0)
}

// HandleResult commits an activity attempt outcome and advances the run.
// Duplicate or stale results (wrong activity or attempt) are dropped: the
// history already reflects what happened.
func (d *Driver) HandleResult(ctx context.Context, res activity.Result) error {
	lock := d.runLock(res.RunID)
	lock.Lock()
	defer lock.Unlock()

	_, events, snap, err := d.loadAndReplay(ctx, res.RunID)
	if err != nil {
		return err
	}
	if snap == nil { // halted
		return nil
	}

	// A run forced terminal (workflow timeout, cancellation) may still have
	// an attempt executing; its result is dropped, not a divergence.
	if snap.State.Terminal() {
		d.log.WithContext(ctx).WithRun(res.RunID).WithActivity(res.Activity).WithFields(map[string]any{
			"attempt": res.Attempt,
			"state":   string(snap.State),
		}).Warn("dropping activity result for finished run")
		return nil
	}

	pendingAct, pendingAttempt, pending := snap.PendingActivity()
	if !pending || pendingAct != res.Activity || pendingAttempt != res.Attempt {
		d.log.WithContext(ctx).WithRun(res.RunID).WithActivity(res.Activity).WithFields(map[string]any{
			"attempt": res.Attempt,
		}).Warn("dropping stale activity result")
		return nil
	}

	retryDelay := time.Duration(0)
	if res.Succeeded() {
		metrics.RecordAttempt(res.Activity, "success", 0)
		ev := workflow.Event{
			Type:         workflow.EventActivityCompleted,
			RecordedAt:   d.now(),
			Activity:     res.Activity,
			Attempt:      res.Attempt,
			Reading:      res.Reading,
			Message:      res.Message,
			FallbackUsed: res.FallbackUsed,
			SentAt:       res.SentAt,
			Channels:     res.Channels,
		}
		if events, snap, err = d.append(ctx, res.RunID, events, snap, ev); err != nil {
			return err
		}
		if res.Activity == workflow.ActivityNotify {
			for _, ch := range res.Channels {
				metrics.NotificationsSentTotal.WithLabelValues(ch).Inc()
			}
		}
	} else {
		policy := d.policies.PolicyFor(res.Activity)
		failedAttempts := snap.FailedAttempts(res.Activity) + 1
		verdict, delay := policy.Evaluate(res.Failure, failedAttempts)

		ev := workflow.Event{
			Type:       workflow.EventActivityFailed,
			RecordedAt: d.now(),
			Activity:   res.Activity,
			Attempt:    res.Attempt,
			Failure:    res.Failure,
		}
		switch verdict {
		case retry.VerdictRetry:
			metrics.RecordAttempt(res.Activity, "retryable_failure", 0)
			metrics.RecordRetry(res.Failure.Reason)
			retryDelay = delay
			d.log.WithContext(ctx).WithRun(res.RunID).WithActivity(res.Activity).WithFields(map[string]any{
				"attempt": res.Attempt,
				"reason":  res.Failure.Reason,
				"delay":   delay.String(),
			}).Info("retrying activity")
		case retry.VerdictExhausted:
			metrics.RecordAttempt(res.Activity, "terminal_failure", 0)
			ev.Terminal = true
			ev.Failure = activity.Exhausted(res.Activity, failedAttempts, res.Failure)
		case retry.VerdictTerminal:
			metrics.RecordAttempt(res.Activity, "terminal_failure", 0)
			ev.Terminal = true
		}
		if events, snap, err = d.append(ctx, res.RunID, events, snap, ev); err != nil {
			return err
		}
	}

	d.advanceReplayed(ctx, res.RunID, events, snap, retryDelay)
	return nil
}

// Resume re-attaches every non-terminal run after a restart. A dispatch that
// was scheduled but never produced a result is recorded as a failed attempt
// and retried under the same policy; completed steps replay from history and
// are never re-executed.
func (d *Driver) Resume(ctx context.Context) error {
	runs, err := d.store.List(ctx, []workflow.State{
		workflow.StateAwaitingTraffic,
		workflow.StateEvaluating,
		workflow.StateAwaitingMessage,
		workflow.StateAwaitingNotify,
	})
	if err != nil {
		return fmt.Errorf("list resumable runs: %w", err)
	}
	for _, run := range runs {
		d.resumeRun(ctx, run.ID)
	}
	if len(runs) > 0 {
		d.log.WithContext(ctx).WithField("count", len(runs)).Info("resumed non-terminal runs")
	}
	return nil
}

func (d *Driver) resumeRun(ctx context.Context, runID string) {
	lock := d.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	_, events, snap, err := d.loadAndReplay(ctx, runID)
	if err != nil || snap == nil {
		return
	}

	if act, attempt, pending := snap.PendingActivity(); pending {
		// In-flight dispatch with no recorded completion: count it as a
		// failed attempt and let the policy decide what follows.
		lost := activity.Transient(act, activity.ReasonDispatchLost)
		policy := d.policies.PolicyFor(act)
		failedAttempts := snap.FailedAttempts(act) + 1
		verdict, delay := policy.Evaluate(lost, failedAttempts)

		ev := workflow.Event{
			Type:       workflow.EventActivityFailed,
			RecordedAt: d.now(),
			Activity:   act,
			Attempt:    attempt,
			Failure:    lost,
		}
		if verdict != retry.VerdictRetry {
			ev.Terminal = true
			ev.Failure = activity.Exhausted(act, failedAttempts, lost)
			delay = 0
		}
		if events, snap, err = d.append(ctx, runID, events, snap, ev); err != nil {
			return
		}
		d.advanceReplayed(ctx, runID, events, snap, delay)
		return
	}

	d.advanceReplayed(ctx, runID, events, snap, 0)
}

// StartTimeoutMonitor enforces the optional whole-workflow timeout. Runs
// past the ceiling transition to Failed regardless of position.
func (d *Driver) StartTimeoutMonitor(ctx context.Context, interval time.Duration) {
	if d.workflowTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweepTimeouts(ctx)
			}
		}
	}()
}

func (d *Driver) sweepTimeouts(ctx context.Context) {
	runs, err := d.store.List(ctx, []workflow.State{
		workflow.StateAwaitingTraffic,
		workflow.StateEvaluating,
		workflow.StateAwaitingMessage,
		workflow.StateAwaitingNotify,
	})
	if err != nil {
		d.log.WithContext(ctx).WithError(err).Error("timeout sweep: list failed")
		return
	}
	for _, run := range runs {
		if d.now().Sub(run.CreatedAt) <= d.workflowTimeout {
			continue
		}
		d.failRunTimeout(ctx, run.ID)
	}
}

func (d *Driver) failRunTimeout(ctx context.Context, runID string) {
	lock := d.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	_, events, snap, err := d.loadAndReplay(ctx, runID)
	if err != nil || snap == nil || snap.State.Terminal() {
		return
	}
	ev := workflow.Event{
		Type:       workflow.EventRunFailed,
		RecordedAt: d.now(),
		Failure: &workflow.Failure{
			Activity:  "workflow",
			Reason:    fmt.Sprintf("workflow timeout exceeded (%s)", d.workflowTimeout),
			Retryable: false,
		},
	}
	if events, snap, err = d.append(ctx, runID, events, snap, ev); err != nil {
		return
	}
	d.log.WithContext(ctx).WithRun(runID).Warn("run failed: workflow timeout exceeded")
	d.finishRun(ctx, runID, snap)
}

// advanceLocked drives the run forward until it blocks on a dispatch or
// reaches a terminal state. retryDelay applies only to the first dispatch
// performed (the backoff of a just-failed attempt).
func (d *Driver) advanceLocked(ctx context.Context, runID string, retryDelay time.Duration) {
	_, events, snap, err := d.loadAndReplay(ctx, runID)
	if err != nil || snap == nil {
		return
	}
	d.advanceReplayed(ctx, runID, events, snap, retryDelay)
}

func (d *Driver) advanceReplayed(ctx context.Context, runID string, events []workflow.Event, snap *workflow.Snapshot, retryDelay time.Duration) {
	run, _, err := d.store.Load(ctx, runID)
	if err != nil {
		d.log.WithContext(ctx).WithRun(runID).WithError(err).Error("load run row failed")
		return
	}

	for {
		// Cancellation takes effect at suspension points only: never while
		// a dispatch is in flight, so a recorded result is never orphaned.
		if _, _, pending := snap.PendingActivity(); !pending && run.CancelRequested && !snap.State.Terminal() {
			ev := workflow.Event{Type: workflow.EventRunCancelled, RecordedAt: d.now()}
			if events, snap, err = d.append(ctx, runID, events, snap, ev); err != nil {
				return
			}
			d.log.WithContext(ctx).WithRun(runID).Info("run cancelled")
			d.finishRun(ctx, runID, snap)
			return
		}

		act := snap.Next()
		switch act.Kind {
		case workflow.ActionNone:
			return

		case workflow.ActionRecordDecision:
			ev := workflow.Event{
				Type:       workflow.EventDecisionRecorded,
				RecordedAt: d.now(),
				Decision:   act.Decision,
			}
			if events, snap, err = d.append(ctx, runID, events, snap, ev); err != nil {
				return
			}
			d.log.WithContext(ctx).WithRun(runID).WithField("decision", act.Decision).Info("threshold decision recorded")

		case workflow.ActionCompleteRun:
			ev := workflow.Event{
				Type:       workflow.EventRunCompleted,
				RecordedAt: d.now(),
				Outcome:    act.Outcome,
			}
			if events, snap, err = d.append(ctx, runID, events, snap, ev); err != nil {
				return
			}
			d.log.WithContext(ctx).WithRun(runID).WithField("outcome", act.Outcome).Info("run completed")
			d.finishRun(ctx, runID, snap)
			return

		case workflow.ActionFailRun:
			ev := workflow.Event{
				Type:       workflow.EventRunFailed,
				RecordedAt: d.now(),
				Failure:    act.Failure,
			}
			if events, snap, err = d.append(ctx, runID, events, snap, ev); err != nil {
				return
			}
			d.log.WithContext(ctx).WithRun(runID).WithActivity(act.Failure.Activity).WithField("reason", act.Failure.Reason).Error("run failed")
			d.finishRun(ctx, runID, snap)
			return

		case workflow.ActionDispatch:
			d.dispatch(ctx, runID, events, snap, act, retryDelay)
			return
		}
		retryDelay = 0
	}
}

func (d *Driver) dispatch(ctx context.Context, runID string, events []workflow.Event, snap *workflow.Snapshot, act workflow.Action, delay time.Duration) {
	policy := d.policies.PolicyFor(act.Activity)
	task, err := d.buildTask(ctx, runID, snap, act, policy)
	if err != nil {
		d.log.WithContext(ctx).WithRun(runID).WithActivity(act.Activity).WithError(err).Error("build task failed")
		return
	}

	ev := workflow.Event{
		Type:       workflow.EventActivityScheduled,
		RecordedAt: d.now(),
		Activity:   act.Activity,
		Attempt:    act.Attempt,
	}
	if events, snap, err = d.append(ctx, runID, events, snap, ev); err != nil {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "orchestrator.dispatch",
		attribute.String("run_id", runID),
		attribute.String("activity", act.Activity),
		attribute.Int("attempt", act.Attempt),
	)
	defer span.End()
	task.TraceHeaders = tracing.PropagateTraceToQueue(ctx)

	if err := d.disp.Dispatch(ctx, task, delay); err != nil {
		// The scheduled event stays dangling; Resume (or the next restart)
		// records it as a lost dispatch and the policy retries it.
		tracing.SetSpanError(ctx, err)
		d.log.WithContext(ctx).WithRun(runID).WithActivity(act.Activity).WithError(err).Error("dispatch failed")
		return
	}
	d.log.WithContext(ctx).WithRun(runID).WithActivity(act.Activity).WithFields(map[string]any{
		"attempt": act.Attempt,
		"delay":   delay.String(),
	}).Debug("activity dispatched")
}

func (d *Driver) buildTask(ctx context.Context, runID string, snap *workflow.Snapshot, act workflow.Action, policy retry.Policy) (activity.Task, error) {
	task := activity.Task{
		RunID:       runID,
		Activity:    act.Activity,
		Attempt:     act.Attempt,
		MaxAttempts: policy.MaxAttempts,
		Timeout:     policy.Timeout,
		PublishedAt: d.now().Format(time.RFC3339Nano),
	}
	in := snap.Input

	switch act.Activity {
	case workflow.ActivityFetchTraffic:
		task.Traffic = &activity.TrafficRequest{Origin: in.OriginCoord, Destination: in.DestCoord}

	case workflow.ActivityComposeMessage:
		if snap.Reading == nil {
			return task, errors.New("compose dispatch without traffic reading")
		}
		task.Compose = &activity.ComposeTask{
			CustomerID: in.CustomerID,
			Facts: activity.DelayFacts{
				ShipmentID:   in.ShipmentID,
				OriginalETA:  in.EstimatedDelivery,
				NewETA:       workflow.ComputeNewETA(in.EstimatedDelivery, snap.Reading.DelayMinutes),
				DelayMinutes: snap.Reading.DelayMinutes,
				Congestion:   snap.Reading.Congestion,
			},
		}

	case workflow.ActivityNotify:
		task.Notify = &activity.NotifyTask{
			CustomerID:     in.CustomerID,
			Notification:   *snap.NotificationDraft(),
			FallbackUsed:   snap.FallbackUsed,
			IdempotencyKey: "notify:" + runID,
		}

	default:
		return task, fmt.Errorf("unknown activity %q", act.Activity)
	}
	return task, nil
}

// append commits one event (seq assigned here) and re-replays the extended
// history so the caller always works from validated state.
func (d *Driver) append(ctx context.Context, runID string, events []workflow.Event, snap *workflow.Snapshot, ev workflow.Event) ([]workflow.Event, *workflow.Snapshot, error) {
	ev.Seq = snap.LastSeq + 1

	next := make([]workflow.Event, len(events), len(events)+1)
	copy(next, events)
	next = append(next, ev)

	newSnap, err := workflow.Replay(next)
	if err != nil {
		// The event we are about to write would diverge from the machine:
		// halt before committing anything.
		d.haltRun(ctx, runID, err)
		return events, nil, err
	}
	if err := d.store.Append(ctx, runID, ev, newSnap.State); err != nil {
		d.log.WithContext(ctx).WithRun(runID).WithError(err).Error("append event failed")
		return events, nil, err
	}
	return next, newSnap, nil
}

func (d *Driver) loadAndReplay(ctx context.Context, runID string) (history.Run, []workflow.Event, *workflow.Snapshot, error) {
	if err := d.haltError(runID); err != nil {
		return history.Run{}, nil, nil, nil
	}
	run, events, err := d.store.Load(ctx, runID)
	if err != nil {
		d.log.WithContext(ctx).WithRun(runID).WithError(err).Error("load history failed")
		return history.Run{}, nil, nil, err
	}
	snap, err := workflow.Replay(events)
	if err != nil {
		d.haltRun(ctx, runID, err)
		return run, events, nil, nil
	}
	return run, events, snap, nil
}

// haltRun records a determinism violation. The run is left exactly as
// persisted; alerting happens via log and metric, never a silent divergence.
func (d *Driver) haltRun(ctx context.Context, runID string, cause error) {
	d.mu.Lock()
	if _, already := d.halted[runID]; !already {
		d.halted[runID] = fmt.Errorf("%w: %v", ErrRunHalted, cause)
	}
	d.mu.Unlock()
	metrics.DeterminismViolationsTotal.Inc()
	d.log.WithContext(ctx).WithRun(runID).WithError(cause).Error("determinism violation: run halted")
}

func (d *Driver) haltError(runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[runID]
}

func (d *Driver) finishRun(ctx context.Context, runID string, snap *workflow.Snapshot) {
	metrics.RecordRunFinished(string(snap.State))
	st := RunStatus{
		RunID:        runID,
		State:        snap.State,
		Notification: snap.Notification,
		Failure:      snap.Failure,
	}
	d.mu.Lock()
	chans := d.waiters[runID]
	delete(d.waiters, runID)
	d.mu.Unlock()
	for _, ch := range chans {
		ch <- st
	}
}

// removeWaiter drops one waiter channel so abandoned waits (timeout, context
// cancellation, early terminal return) do not accumulate. A no-op when
// finishRun already drained the run's waiters.
func (d *Driver) removeWaiter(runID string, ch chan RunStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chans := d.waiters[runID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(d.waiters, runID)
	} else {
		d.waiters[runID] = chans
	}
}

func (d *Driver) runLock(runID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[runID] = lock
	}
	return lock
}
