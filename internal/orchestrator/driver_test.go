package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freightwatch/freightwatch/internal/activity"
	"github.com/freightwatch/freightwatch/internal/config"
	"github.com/freightwatch/freightwatch/internal/history"
	"github.com/freightwatch/freightwatch/internal/retry"
	"github.com/freightwatch/freightwatch/internal/workflow"
)

var testETA = time.Date(2026, 9, 1, 16, 0, 0, 0, time.UTC)

func testInput(threshold int) workflow.Input {
	return workflow.Input{
		ShipmentID:            "sh_123",
		CustomerID:            "cust_42",
		OriginCoord:           "52.5200,13.4050",
		DestCoord:             "48.1351,11.5820",
		EstimatedDelivery:     testETA,
		DelayThresholdMinutes: threshold,
	}
}

func testPolicies() config.Retry {
	fast := retry.Policy{
		Timeout:           time.Second,
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Millisecond,
	}
	return config.Retry{FetchTraffic: fast, ComposeMessage: fast, Notify: fast}
}

type fakeTraffic struct {
	mu       sync.Mutex
	outcomes []error // nil entry means success
	delay    int
	calls    int
	release  chan struct{} // when set, FetchTraffic blocks until closed
}

func (f *fakeTraffic) FetchTraffic(ctx context.Context, req activity.TrafficRequest) (workflow.TrafficReading, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.outcomes) > 0 {
		err := f.outcomes[0]
		f.outcomes = f.outcomes[1:]
		if err != nil {
			return workflow.TrafficReading{}, err
		}
	}
	return workflow.TrafficReading{
		NormalDurationMin:  120,
		CurrentDurationMin: 120 + f.delay,
		DelayMinutes:       f.delay,
		Congestion:         workflow.CongestionFor(f.delay),
		ObservedAt:         testETA.Add(-2 * time.Hour),
	}, nil
}

type fakeComposer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeComposer) ComposeMessage(ctx context.Context, facts activity.DelayFacts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "Hi " + facts.CustomerName + ", your delivery is running late.", nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) Send(ctx context.Context, req activity.NotifyRequest) (activity.NotifyAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return activity.NotifyAck{Accepted: true}, nil
}

type fakeDirectory struct{}

func (fakeDirectory) Lookup(ctx context.Context, id string) (activity.Customer, error) {
	return activity.Customer{
		ID:               id,
		Name:             "Maria",
		Email:            "maria@example.com",
		PreferredContact: activity.ContactEmail,
	}, nil
}

type harness struct {
	driver   *Driver
	store    *history.MemoryStore
	disp     *LocalDispatcher
	traffic  *fakeTraffic
	composer *fakeComposer
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    history.NewMemoryStore(),
		traffic:  &fakeTraffic{delay: 45},
		composer: &fakeComposer{},
		notifier: &fakeNotifier{},
	}
	inv := activity.NewInvoker(h.traffic, h.composer, h.notifier, fakeDirectory{}, nil)
	h.disp = NewLocalDispatcher(inv, nil)
	h.driver = New(h.store, h.disp, testPolicies(), 0, nil)
	h.disp.Handler = h.driver
	return h
}

func (h *harness) await(t *testing.T, runID string) RunStatus {
	t.Helper()
	st, err := h.driver.AwaitCompletion(context.Background(), runID, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion() error = %v", err)
	}
	return st
}

func TestDriverNotifiesWhenDelayExceedsThreshold(t *testing.T) {
	h := newHarness(t)

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	st := h.await(t, runID)
	if st.State != workflow.StateDone {
		t.Fatalf("State = %q, want %q (failure: %+v)", st.State, workflow.StateDone, st.Failure)
	}
	if st.Notification == nil || !st.Notification.Sent {
		t.Fatalf("Notification = %+v, want sent", st.Notification)
	}
	if got := st.Notification.NewETA; !got.Equal(testETA.Add(45 * time.Minute)) {
		t.Errorf("NewETA = %v, want %v", got, testETA.Add(45*time.Minute))
	}
	if h.notifier.calls != 1 {
		t.Errorf("notifier calls = %d, want 1", h.notifier.calls)
	}
}

func TestDriverIdleWhenBelowThreshold(t *testing.T) {
	h := newHarness(t)
	h.traffic.delay = 20

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	st := h.await(t, runID)
	if st.State != workflow.StateIdle {
		t.Fatalf("State = %q, want %q", st.State, workflow.StateIdle)
	}
	if st.Notification != nil {
		t.Errorf("Notification = %+v, want nil", st.Notification)
	}
	if h.composer.calls != 0 || h.notifier.calls != 0 {
		t.Errorf("compose/notify calls = %d/%d, want 0/0", h.composer.calls, h.notifier.calls)
	}
}

func TestDriverRetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.traffic.outcomes = []error{
		activity.Transient(workflow.ActivityFetchTraffic, "http_5xx (503)"),
		activity.Transient(workflow.ActivityFetchTraffic, "timeout"),
		nil,
	}

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	st := h.await(t, runID)
	if st.State != workflow.StateDone {
		t.Fatalf("State = %q, want done (failure: %+v)", st.State, st.Failure)
	}
	if h.traffic.calls != 3 {
		t.Errorf("traffic calls = %d, want 3", h.traffic.calls)
	}

	// History must show two failed attempts and the third completing.
	_, events, err := h.store.Load(context.Background(), runID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	var failed, scheduled int
	for _, ev := range events {
		if ev.Activity != workflow.ActivityFetchTraffic {
			continue
		}
		switch ev.Type {
		case workflow.EventActivityFailed:
			failed++
		case workflow.EventActivityScheduled:
			scheduled++
		}
	}
	if failed != 2 || scheduled != 3 {
		t.Errorf("traffic failed/scheduled = %d/%d, want 2/3", failed, scheduled)
	}
}

func TestDriverFailsRunOnPermanentFailure(t *testing.T) {
	h := newHarness(t)
	h.traffic.outcomes = []error{activity.Permanent(workflow.ActivityFetchTraffic, "http_4xx (400)")}

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	st := h.await(t, runID)
	if st.State != workflow.StateFailed {
		t.Fatalf("State = %q, want failed", st.State)
	}
	if st.Failure == nil || st.Failure.Reason != "http_4xx (400)" {
		t.Errorf("Failure = %+v", st.Failure)
	}
	if h.traffic.calls != 1 {
		t.Errorf("traffic calls = %d, want 1 (no retry on permanent failure)", h.traffic.calls)
	}
}

func TestDriverFailsRunWhenRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.traffic.outcomes = []error{
		activity.Transient(workflow.ActivityFetchTraffic, "timeout"),
		activity.Transient(workflow.ActivityFetchTraffic, "timeout"),
		activity.Transient(workflow.ActivityFetchTraffic, "timeout"),
	}

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	st := h.await(t, runID)
	if st.State != workflow.StateFailed {
		t.Fatalf("State = %q, want failed", st.State)
	}
	if st.Failure == nil || !strings.Contains(st.Failure.Reason, "retry_budget_exhausted") {
		t.Errorf("Failure = %+v, want exhausted reason", st.Failure)
	}
	if h.traffic.calls != 3 {
		t.Errorf("traffic calls = %d, want 3", h.traffic.calls)
	}
}

// Compose failures never fail the run: the worker substitutes the fallback
// template on its final attempt.
func TestDriverComposeExhaustionUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.composer.err = activity.Transient(workflow.ActivityComposeMessage, "http_5xx (500)")

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	st := h.await(t, runID)
	if st.State != workflow.StateDone {
		t.Fatalf("State = %q, want done (failure: %+v)", st.State, st.Failure)
	}
	if st.Notification == nil || !strings.HasPrefix(st.Notification.Message, "Dear Maria,") {
		t.Errorf("Notification = %+v, want fallback message", st.Notification)
	}
}

func TestDriverStartIsIdempotent(t *testing.T) {
	h := newHarness(t)

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "run-fixed")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	if runID != "run-fixed" {
		t.Errorf("runID = %q, want caller-supplied id", runID)
	}
	h.await(t, runID)

	_, err = h.driver.StartWorkflow(context.Background(), testInput(30), "run-fixed")
	if !errors.Is(err, history.ErrRunExists) {
		t.Errorf("second StartWorkflow() error = %v, want ErrRunExists", err)
	}
}

func TestDriverRejectsIncompleteInput(t *testing.T) {
	h := newHarness(t)
	input := testInput(30)
	input.CustomerID = ""
	if _, err := h.driver.StartWorkflow(context.Background(), input, ""); err == nil {
		t.Error("StartWorkflow() accepted input without customer_id")
	}
}

func TestDriverCancelAtSuspensionPoint(t *testing.T) {
	h := newHarness(t)
	h.traffic.release = make(chan struct{})

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	if err := h.driver.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	// The in-flight traffic attempt completes, then the run cancels instead
	// of advancing to the decision.
	close(h.traffic.release)

	st := h.await(t, runID)
	if st.State != workflow.StateCancelled {
		t.Fatalf("State = %q, want cancelled", st.State)
	}
	if h.composer.calls != 0 {
		t.Errorf("composer calls = %d, want 0 after cancellation", h.composer.calls)
	}
}

// dropDispatcher accepts tasks and loses them, simulating a crash between
// scheduling and execution.
type dropDispatcher struct{}

func (dropDispatcher) Dispatch(ctx context.Context, task activity.Task, delay time.Duration) error {
	return nil
}

func TestDriverResumeRecoversLostDispatch(t *testing.T) {
	store := history.NewMemoryStore()

	// First process: schedules FetchTraffic, then "crashes".
	lost := New(store, dropDispatcher{}, testPolicies(), 0, nil)
	runID, err := lost.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Second process: same store, working dispatcher.
	h := &harness{store: store, traffic: &fakeTraffic{delay: 45}, composer: &fakeComposer{}, notifier: &fakeNotifier{}}
	inv := activity.NewInvoker(h.traffic, h.composer, h.notifier, fakeDirectory{}, nil)
	disp := NewLocalDispatcher(inv, nil)
	h.driver = New(store, disp, testPolicies(), 0, nil)
	disp.Handler = h.driver

	if err := h.driver.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	st := h.await(t, runID)
	if st.State != workflow.StateDone {
		t.Fatalf("State = %q, want done (failure: %+v)", st.State, st.Failure)
	}

	// The lost dispatch must appear as a failed attempt, and the retry as
	// attempt 2.
	_, events, err := store.Load(context.Background(), runID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	var sawLost, sawRetry bool
	for _, ev := range events {
		if ev.Type == workflow.EventActivityFailed && ev.Failure != nil && ev.Failure.Reason == activity.ReasonDispatchLost {
			sawLost = true
		}
		if ev.Type == workflow.EventActivityScheduled && ev.Activity == workflow.ActivityFetchTraffic && ev.Attempt == 2 {
			sawRetry = true
		}
	}
	if !sawLost || !sawRetry {
		t.Errorf("history lost/retry = %v/%v, want both", sawLost, sawRetry)
	}
}

func TestDriverDropsStaleResult(t *testing.T) {
	h := newHarness(t)
	h.traffic.release = make(chan struct{})

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// A result for an attempt that is not in flight must not append.
	stale := activity.Result{RunID: runID, Activity: workflow.ActivityFetchTraffic, Attempt: 7}
	if err := h.driver.HandleResult(context.Background(), stale); err != nil {
		t.Fatalf("HandleResult() error = %v", err)
	}
	_, events, _ := h.store.Load(context.Background(), runID)
	if len(events) != 2 { // run.started + activity.scheduled
		t.Errorf("events = %d, want 2 (stale result must not append)", len(events))
	}

	close(h.traffic.release)
	h.await(t, runID)
}

func TestDriverWorkflowTimeoutFailsRun(t *testing.T) {
	h := newHarness(t)
	h.traffic.release = make(chan struct{})
	h.driver.workflowTimeout = time.Nanosecond

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// The run is past the ceiling with its traffic attempt still executing.
	h.driver.sweepTimeouts(context.Background())

	st, err := h.driver.GetStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.State != workflow.StateFailed {
		t.Fatalf("State = %q, want failed", st.State)
	}
	if st.Failure == nil || !strings.Contains(st.Failure.Reason, "workflow timeout") {
		t.Errorf("Failure = %+v, want workflow timeout cause", st.Failure)
	}

	// The blocked attempt finishes after the deadline. Its late result is
	// stale, not a divergence: the run stays failed, nothing appends, and no
	// halt is recorded.
	close(h.traffic.release)
	h.disp.Wait()

	st, err = h.driver.GetStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.State != workflow.StateFailed {
		t.Errorf("State = %q, want failed after late result", st.State)
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want none for a timed-out run", st.LastError)
	}
	_, events, _ := h.store.Load(context.Background(), runID)
	if len(events) != 3 { // run.started, activity.scheduled, run.failed
		t.Errorf("events = %d, want 3 (late result must not append)", len(events))
	}
}

func TestDriverAwaitReleasesAbandonedWaiters(t *testing.T) {
	h := newHarness(t)
	h.traffic.release = make(chan struct{})

	runID, err := h.driver.StartWorkflow(context.Background(), testInput(30), "")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	if _, err := h.driver.AwaitCompletion(context.Background(), runID, 5*time.Millisecond); !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("AwaitCompletion() error = %v, want ErrAwaitTimeout", err)
	}
	h.driver.mu.Lock()
	pending := len(h.driver.waiters[runID])
	h.driver.mu.Unlock()
	if pending != 0 {
		t.Errorf("waiters after timed-out await = %d, want 0", pending)
	}

	close(h.traffic.release)
	h.await(t, runID)

	// The early return for an already-terminal run must deregister too.
	if _, err := h.driver.AwaitCompletion(context.Background(), runID, time.Second); err != nil {
		t.Fatalf("AwaitCompletion() on terminal run error = %v", err)
	}
	h.driver.mu.Lock()
	remaining := len(h.driver.waiters)
	h.driver.mu.Unlock()
	if remaining != 0 {
		t.Errorf("registered waiters = %d, want 0", remaining)
	}
}

func TestDriverHaltsOnDivergedHistory(t *testing.T) {
	h := newHarness(t)
	h.traffic.delay = 20 // replay computes "skip"

	ctx := context.Background()
	input := testInput(30)
	first := workflow.Event{Seq: 1, Type: workflow.EventRunStarted, Input: &input, RecordedAt: testETA}
	if err := h.store.CreateRun(ctx, history.Run{ID: "run-bad", Input: input, State: workflow.StateAwaitingTraffic}, first); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	reading := &workflow.TrafficReading{NormalDurationMin: 120, CurrentDurationMin: 140, DelayMinutes: 20, Congestion: workflow.CongestionModerate}
	appendRaw := func(ev workflow.Event, state workflow.State) {
		if err := h.store.Append(ctx, "run-bad", ev, state); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	appendRaw(workflow.Event{Seq: 2, Type: workflow.EventActivityScheduled, Activity: workflow.ActivityFetchTraffic, Attempt: 1}, workflow.StateAwaitingTraffic)
	appendRaw(workflow.Event{Seq: 3, Type: workflow.EventActivityCompleted, Activity: workflow.ActivityFetchTraffic, Reading: reading}, workflow.StateEvaluating)
	// Recorded decision contradicts what replay derives from the reading.
	appendRaw(workflow.Event{Seq: 4, Type: workflow.EventDecisionRecorded, Decision: workflow.DecisionNotify}, workflow.StateAwaitingMessage)

	h.driver.Advance(ctx, "run-bad")

	st, err := h.driver.GetStatus(ctx, "run-bad")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.LastError == "" || !strings.Contains(st.LastError, "determinism") {
		t.Errorf("LastError = %q, want determinism violation", st.LastError)
	}

	// The diverged history must stay untouched.
	_, events, _ := h.store.Load(ctx, "run-bad")
	if len(events) != 4 {
		t.Errorf("events = %d, want 4 (halted run must not advance)", len(events))
	}
}
