package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/freightwatch/freightwatch/internal/activity"
	"github.com/freightwatch/freightwatch/internal/workflow"
)

// EmailNotifier submits email sends to a SendGrid-style v3 mail endpoint.
// The idempotency key travels as a header so a redelivered task cannot
// double-send on a cooperating provider.
type EmailNotifier struct {
	BaseURL string
	APIKey  string
	From    string
	HTTP    *http.Client
}

func NewEmailNotifier(baseURL, apiKey, from string, client *http.Client) *EmailNotifier {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &EmailNotifier{BaseURL: baseURL, APIKey: apiKey, From: from, HTTP: client}
}

type sendGridMail struct {
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
	} `json:"personalizations"`
	From struct {
		Email string `json:"email"`
	} `json:"from"`
	Subject string `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

func (n *EmailNotifier) Send(ctx context.Context, req activity.NotifyRequest) (activity.NotifyAck, error) {
	var mail sendGridMail
	mail.Personalizations = make([]struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
	}, 1)
	mail.Personalizations[0].To = []struct {
		Email string `json:"email"`
	}{{Email: req.Recipient}}
	mail.From.Email = n.From
	mail.Subject = req.Subject
	mail.Content = []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}{{Type: "text/plain", Value: req.Body}}

	return doSend(ctx, n.HTTP, n.BaseURL, "Bearer "+n.APIKey, req.IdempotencyKey, mail)
}

// SMSNotifier submits SMS sends to a JSON messaging endpoint.
type SMSNotifier struct {
	BaseURL string
	APIKey  string
	From    string
	HTTP    *http.Client
}

func NewSMSNotifier(baseURL, apiKey, from string, client *http.Client) *SMSNotifier {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SMSNotifier{BaseURL: baseURL, APIKey: apiKey, From: from, HTTP: client}
}

type smsMessage struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

func (n *SMSNotifier) Send(ctx context.Context, req activity.NotifyRequest) (activity.NotifyAck, error) {
	return doSend(ctx, n.HTTP, n.BaseURL, "Bearer "+n.APIKey, req.IdempotencyKey, smsMessage{
		To:   req.Recipient,
		From: n.From,
		Body: req.Body,
	})
}

// MultiNotifier routes each send to the notifier for its channel. A channel
// with no configured notifier is a permanent failure; the orchestrator never
// retries a send that cannot possibly go out.
type MultiNotifier struct {
	Email activity.Notifier
	SMS   activity.Notifier
}

func (m *MultiNotifier) Send(ctx context.Context, req activity.NotifyRequest) (activity.NotifyAck, error) {
	var target activity.Notifier
	switch req.Channel {
	case activity.ChannelEmail:
		target = m.Email
	case activity.ChannelSMS:
		target = m.SMS
	}
	if target == nil {
		return activity.NotifyAck{}, activity.Permanent(workflow.ActivityNotify, fmt.Sprintf("no notifier configured for channel %q", req.Channel))
	}
	return target.Send(ctx, req)
}

func doSend(ctx context.Context, client *http.Client, url, authHeader, idemKey string, payload any) (activity.NotifyAck, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return activity.NotifyAck{}, activity.Permanent(workflow.ActivityNotify, err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return activity.NotifyAck{}, activity.Permanent(workflow.ActivityNotify, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", authHeader)
	httpReq.Header.Set("Idempotency-Key", idemKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return activity.NotifyAck{}, activity.FromHTTP(workflow.ActivityNotify, 0, err)
	}
	defer resp.Body.Close()
	if f := activity.FromHTTP(workflow.ActivityNotify, resp.StatusCode, nil); f != nil {
		return activity.NotifyAck{}, f
	}

	ack := activity.NotifyAck{Accepted: true}
	ack.ProviderID = resp.Header.Get("X-Message-Id")
	return ack, nil
}
