package activity

import (
	"context"
	"errors"
	"time"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

// ErrCustomerNotFound is returned by CustomerDirectory implementations when
// the customer id does not exist. It is never retried.
var ErrCustomerNotFound = errors.New("customer not found")

// ContactMethod is a customer's preferred notification channel.
type ContactMethod string

const (
	ContactEmail ContactMethod = "email"
	ContactSMS   ContactMethod = "sms"
	ContactBoth  ContactMethod = "both"
)

// Customer as resolved from the customer directory.
type Customer struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Email            string        `json:"email"`
	Phone            string        `json:"phone,omitempty"`
	PreferredContact ContactMethod `json:"preferred_contact"`
}

// Channel is a concrete delivery channel for one notification send.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// TrafficRequest identifies the route to look up.
type TrafficRequest struct {
	Origin      string `json:"origin"`      // "lat,lon"
	Destination string `json:"destination"` // "lat,lon"
}

// TrafficProvider fetches current route conditions from a mapping service.
// Failures must be returned as *workflow.Failure so the retry engine can
// classify them: 4xx-class responses non-retryable, 5xx/network/timeout
// retryable.
type TrafficProvider interface {
	FetchTraffic(ctx context.Context, req TrafficRequest) (workflow.TrafficReading, error)
}

// MessageComposer generates the customer-facing delay message. All failures
// are retryable up to the attempt ceiling; the invoker substitutes the
// deterministic fallback template after that.
type MessageComposer interface {
	ComposeMessage(ctx context.Context, facts DelayFacts) (string, error)
}

// NotifyRequest is one channel-level send.
type NotifyRequest struct {
	Channel        Channel `json:"channel"`
	Recipient      string  `json:"recipient"`
	Subject        string  `json:"subject,omitempty"`
	Body           string  `json:"body"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// NotifyAck is the provider's acceptance of a send. At-least-once delivery:
// the same IdempotencyKey may be submitted more than once.
type NotifyAck struct {
	Accepted   bool   `json:"accepted"`
	ProviderID string `json:"provider_id,omitempty"`
}

// Notifier delivers a notification over one channel. "recipient not found"
// must surface as a non-retryable *workflow.Failure; transport errors as
// retryable ones.
type Notifier interface {
	Send(ctx context.Context, req NotifyRequest) (NotifyAck, error)
}

// CustomerDirectory resolves customer ids to contact details. Injected as an
// explicit collaborator, never a module-level cache.
type CustomerDirectory interface {
	Lookup(ctx context.Context, id string) (Customer, error)
}

// DelayFacts are the recorded facts a delay message is built from.
type DelayFacts struct {
	CustomerName string                   `json:"customer_name"`
	ShipmentID   string                   `json:"shipment_id"`
	OriginalETA  time.Time                `json:"original_eta"`
	NewETA       time.Time                `json:"new_eta"`
	DelayMinutes int                      `json:"delay_minutes"`
	Congestion   workflow.CongestionLevel `json:"congestion"`
}
