package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/freightwatch/freightwatch/internal/logging"
	"github.com/freightwatch/freightwatch/internal/workflow"
)

// Invoker executes a single activity attempt against the injected
// collaborators. It is shared by the queue worker and the in-process
// dispatcher so both paths apply identical timeout, classification, and
// fallback behavior.
type Invoker struct {
	Traffic   TrafficProvider
	Composer  MessageComposer
	Notifier  Notifier
	Directory CustomerDirectory
	Log       *logging.Logger

	// now is swapped in tests for a fixed clock.
	now func() time.Time
}

// NewInvoker wires the collaborators for activity execution.
func NewInvoker(traffic TrafficProvider, composer MessageComposer, notifier Notifier, directory CustomerDirectory, log *logging.Logger) *Invoker {
	return &Invoker{
		Traffic:   traffic,
		Composer:  composer,
		Notifier:  notifier,
		Directory: directory,
		Log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one attempt with the task's per-attempt timeout and returns
// the recorded outcome. It never panics outward and never blocks past the
// timeout.
func (iv *Invoker) Execute(ctx context.Context, t Task) Result {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	res := Result{RunID: t.RunID, Activity: t.Activity, Attempt: t.Attempt}
	switch t.Activity {
	case workflow.ActivityFetchTraffic:
		iv.fetchTraffic(ctx, t, &res)
	case workflow.ActivityComposeMessage:
		iv.composeMessage(ctx, t, &res)
	case workflow.ActivityNotify:
		iv.notify(ctx, t, &res)
	default:
		res.Failure = Permanent(t.Activity, fmt.Sprintf("unknown activity %q", t.Activity))
	}
	res.CompletedAt = iv.now()
	return res
}

func (iv *Invoker) fetchTraffic(ctx context.Context, t Task, res *Result) {
	if t.Traffic == nil {
		res.Failure = Permanent(t.Activity, "missing traffic request payload")
		return
	}
	reading, err := iv.Traffic.FetchTraffic(ctx, *t.Traffic)
	if err != nil {
		res.Failure = Classify(t.Activity, err)
		return
	}
	res.Reading = &reading
}

// composeMessage resolves the customer name, then asks the composer for the
// message text. Every failure is retryable up to the ceiling; on the final
// attempt the deterministic fallback template is returned instead of a
// failure, so the workflow is never left without a message.
func (iv *Invoker) composeMessage(ctx context.Context, t Task, res *Result) {
	if t.Compose == nil {
		res.Failure = Permanent(t.Activity, "missing compose payload")
		return
	}
	facts := t.Compose.Facts

	cust, err := iv.Directory.Lookup(ctx, t.Compose.CustomerID)
	if err != nil {
		if !t.FinalAttempt() {
			f := Classify(t.Activity, err)
			f.Retryable = true
			res.Failure = f
			return
		}
		facts.CustomerName = FallbackCustomerName
		res.Message = FallbackMessage(facts)
		res.FallbackUsed = true
		return
	}
	facts.CustomerName = cust.Name

	text, err := iv.Composer.ComposeMessage(ctx, facts)
	if err != nil {
		if !t.FinalAttempt() {
			f := Classify(t.Activity, err)
			f.Retryable = true
			res.Failure = f
			return
		}
		iv.logEntry(ctx, t).WithError(err).Warn("compose budget exhausted, using fallback template")
		res.Message = FallbackMessage(facts)
		res.FallbackUsed = true
		return
	}
	res.Message = text
}

func (iv *Invoker) notify(ctx context.Context, t Task, res *Result) {
	if t.Notify == nil {
		res.Failure = Permanent(t.Activity, "missing notify payload")
		return
	}
	draft := t.Notify.Notification

	cust, err := iv.Directory.Lookup(ctx, t.Notify.CustomerID)
	if err != nil {
		res.Failure = Classify(t.Activity, err)
		return
	}

	body := draft.Message
	if body == "" && t.Notify.FallbackUsed {
		body = FallbackMessage(DelayFacts{
			CustomerName: cust.Name,
			ShipmentID:   draft.ShipmentID,
			OriginalETA:  draft.OriginalETA,
			NewETA:       draft.NewETA,
			DelayMinutes: draft.DelayMinutes,
			Congestion:   workflow.CongestionFor(draft.DelayMinutes),
		})
	}

	sends := channelSends(cust, body, t.Notify.IdempotencyKey)
	if len(sends) == 0 {
		res.Failure = Permanent(t.Activity, "customer has no usable contact channel")
		return
	}

	var channels []string
	for _, req := range sends {
		ack, err := iv.Notifier.Send(ctx, req)
		if err != nil {
			res.Failure = Classify(t.Activity, err)
			return
		}
		if !ack.Accepted {
			res.Failure = Transient(t.Activity, fmt.Sprintf("%s send not accepted", req.Channel))
			return
		}
		channels = append(channels, string(req.Channel))
	}

	sentAt := iv.now()
	res.SentAt = &sentAt
	res.Channels = channels
}

// channelSends maps the customer's preference onto concrete sends. The
// idempotency key is suffixed per channel so redelivery stays safe even when
// both channels are in play.
func channelSends(cust Customer, body, idemKey string) []NotifyRequest {
	var reqs []NotifyRequest
	wantEmail := cust.PreferredContact == ContactEmail || cust.PreferredContact == ContactBoth
	wantSMS := cust.PreferredContact == ContactSMS || cust.PreferredContact == ContactBoth

	if wantEmail && cust.Email != "" {
		reqs = append(reqs, NotifyRequest{
			Channel:        ChannelEmail,
			Recipient:      cust.Email,
			Subject:        "Delivery Delay Notification",
			Body:           body,
			IdempotencyKey: idemKey + ":email",
		})
	}
	if wantSMS && cust.Phone != "" {
		reqs = append(reqs, NotifyRequest{
			Channel:        ChannelSMS,
			Recipient:      cust.Phone,
			Body:           body,
			IdempotencyKey: idemKey + ":sms",
		})
	}
	return reqs
}

func (iv *Invoker) logEntry(ctx context.Context, t Task) *logging.LogEntry {
	if iv.Log == nil {
		return logging.WithContext(ctx)
	}
	return iv.Log.WithContext(ctx).WithRun(t.RunID).WithActivity(t.Activity).WithField("attempt", t.Attempt)
}
