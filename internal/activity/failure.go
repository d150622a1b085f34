package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

// Failure reasons used across providers and metrics labels.
const (
	ReasonTimeout           = "timeout"
	ReasonConnectionRefused = "connection_refused"
	ReasonDNS               = "dns_error"
	ReasonNetwork           = "network"
	ReasonHTTP4xx           = "http_4xx"
	ReasonHTTP429           = "http_429"
	ReasonHTTP5xx           = "http_5xx"
	ReasonCustomerNotFound  = "customer_not_found"
	ReasonBudgetExhausted   = "retry_budget_exhausted"
	ReasonDispatchLost      = "dispatch_lost"
)

// Transient builds a retryable failure for an activity.
func Transient(activity, reason string) *workflow.Failure {
	return &workflow.Failure{Activity: activity, Reason: reason, Retryable: true}
}

// Permanent builds a non-retryable failure for an activity.
func Permanent(activity, reason string) *workflow.Failure {
	return &workflow.Failure{Activity: activity, Reason: reason, Retryable: false}
}

// Exhausted marks a transient failure that has used up its retry budget.
func Exhausted(activity string, attempts int, last *workflow.Failure) *workflow.Failure {
	reason := fmt.Sprintf("%s after %d attempts", ReasonBudgetExhausted, attempts)
	if last != nil {
		reason = fmt.Sprintf("%s, last: %s", reason, last.Reason)
	}
	return &workflow.Failure{Activity: activity, Reason: reason, Retryable: false}
}

// FromHTTP classifies an HTTP call outcome. Transport errors and 5xx are
// retryable; 429 is retryable; all other 4xx are permanent.
func FromHTTP(activity string, status int, err error) *workflow.Failure {
	if err != nil {
		return Transient(activity, classifyTransport(err))
	}
	switch {
	case status >= 500:
		return Transient(activity, fmt.Sprintf("%s (%d)", ReasonHTTP5xx, status))
	case status == 429:
		return Transient(activity, ReasonHTTP429)
	case status >= 400:
		return Permanent(activity, fmt.Sprintf("%s (%d)", ReasonHTTP4xx, status))
	}
	return nil
}

// Classify normalizes an arbitrary error from a provider call into a
// *workflow.Failure for the given activity. Already-classified failures pass
// through with the activity name filled in; context deadline errors count as
// retryable timeouts.
func Classify(activity string, err error) *workflow.Failure {
	var f *workflow.Failure
	if errors.As(err, &f) {
		if f.Activity == "" {
			f.Activity = activity
		}
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(activity, ReasonTimeout)
	}
	if errors.Is(err, ErrCustomerNotFound) {
		return Permanent(activity, ReasonCustomerNotFound)
	}
	return Transient(activity, classifyTransport(err))
}

func classifyTransport(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(msg, "connection refused"):
		return ReasonConnectionRefused
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return ReasonDNS
	}
	return ReasonNetwork
}
