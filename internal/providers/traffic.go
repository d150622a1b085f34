// Package providers holds the HTTP clients behind the activity contracts:
// traffic lookup, message composition, and notification delivery.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/freightwatch/freightwatch/internal/activity"
	"github.com/freightwatch/freightwatch/internal/workflow"
)

// DistanceMatrixClient fetches route conditions from a Google distance-matrix
// style endpoint. Durations come back in seconds and are rounded to minutes.
type DistanceMatrixClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	now func() time.Time
}

func NewDistanceMatrixClient(baseURL, apiKey string, client *http.Client) *DistanceMatrixClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DistanceMatrixClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    client,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type distanceMatrixResponse struct {
	Rows []struct {
		Elements []struct {
			Status   string `json:"status"`
			Duration struct {
				Value int `json:"value"` // seconds
			} `json:"duration"`
			DurationInTraffic struct {
				Value int `json:"value"` // seconds
			} `json:"duration_in_traffic"`
		} `json:"elements"`
	} `json:"rows"`
	Status string `json:"status"`
}

func (c *DistanceMatrixClient) FetchTraffic(ctx context.Context, req activity.TrafficRequest) (workflow.TrafficReading, error) {
	q := url.Values{}
	q.Set("origins", req.Origin)
	q.Set("destinations", req.Destination)
	q.Set("mode", "driving")
	q.Set("departure_time", "now")
	q.Set("traffic_model", "best_guess")
	q.Set("key", c.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return workflow.TrafficReading{}, activity.Permanent(workflow.ActivityFetchTraffic, err.Error())
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return workflow.TrafficReading{}, activity.FromHTTP(workflow.ActivityFetchTraffic, 0, err)
	}
	defer resp.Body.Close()
	if f := activity.FromHTTP(workflow.ActivityFetchTraffic, resp.StatusCode, nil); f != nil {
		return workflow.TrafficReading{}, f
	}

	var body distanceMatrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return workflow.TrafficReading{}, activity.Transient(workflow.ActivityFetchTraffic, "malformed response body")
	}
	if len(body.Rows) == 0 || len(body.Rows[0].Elements) == 0 {
		return workflow.TrafficReading{}, activity.Transient(workflow.ActivityFetchTraffic, "empty distance matrix response")
	}
	el := body.Rows[0].Elements[0]
	if el.Status != "" && el.Status != "OK" {
		return workflow.TrafficReading{}, activity.Permanent(workflow.ActivityFetchTraffic, fmt.Sprintf("route lookup status %s", el.Status))
	}

	normal := roundToMinutes(el.Duration.Value)
	current := roundToMinutes(el.DurationInTraffic.Value)
	if current == 0 {
		current = normal
	}
	delay := current - normal
	if delay < 0 {
		delay = 0
	}

	return workflow.TrafficReading{
		NormalDurationMin:  normal,
		CurrentDurationMin: current,
		DelayMinutes:       delay,
		Congestion:         workflow.CongestionFor(delay),
		ObservedAt:         c.now(),
	}, nil
}

func roundToMinutes(seconds int) int {
	return int(math.Round(float64(seconds) / 60.0))
}
