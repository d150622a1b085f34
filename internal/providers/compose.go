package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/freightwatch/freightwatch/internal/activity"
	"github.com/freightwatch/freightwatch/internal/workflow"
)

// OpenAIComposer generates the delay message through a chat-completions
// style endpoint. Every failure here is retryable; the invoker substitutes
// the fallback template once the budget is spent.
type OpenAIComposer struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

func NewOpenAIComposer(baseURL, apiKey, model string, client *http.Client) *OpenAIComposer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAIComposer{BaseURL: baseURL, APIKey: apiKey, Model: model, HTTP: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIComposer) ComposeMessage(ctx context.Context, facts activity.DelayFacts) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: activity.BuildPrompt(facts)},
		},
		MaxTokens:   300,
		Temperature: 0.7,
	})
	if err != nil {
		return "", activity.Transient(workflow.ActivityComposeMessage, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", activity.Transient(workflow.ActivityComposeMessage, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", activity.FromHTTP(workflow.ActivityComposeMessage, 0, err)
	}
	defer resp.Body.Close()
	if f := activity.FromHTTP(workflow.ActivityComposeMessage, resp.StatusCode, nil); f != nil {
		return "", f
	}

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", activity.Transient(workflow.ActivityComposeMessage, "malformed response body")
	}
	if len(body.Choices) == 0 {
		return "", activity.Transient(workflow.ActivityComposeMessage, "empty completion")
	}
	text := strings.TrimSpace(body.Choices[0].Message.Content)
	if text == "" {
		return "", activity.Transient(workflow.ActivityComposeMessage, "blank completion")
	}
	return text, nil
}
