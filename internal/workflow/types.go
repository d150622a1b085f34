package workflow

import "time"

// Activity names as they appear in run histories and task messages.
const (
	ActivityFetchTraffic   = "FetchTraffic"
	ActivityComposeMessage = "ComposeMessage"
	ActivityNotify         = "Notify"
)

// CongestionLevel classifies observed delay minutes into four buckets.
type CongestionLevel string

const (
	CongestionLow      CongestionLevel = "low"
	CongestionModerate CongestionLevel = "moderate"
	CongestionHigh     CongestionLevel = "high"
	CongestionSevere   CongestionLevel = "severe"
)

// CongestionFor maps a delay in minutes to a congestion level.
// Breakpoints: <=10 low, <=30 moderate, <=60 high, else severe.
func CongestionFor(delayMinutes int) CongestionLevel {
	switch {
	case delayMinutes <= 10:
		return CongestionLow
	case delayMinutes <= 30:
		return CongestionModerate
	case delayMinutes <= 60:
		return CongestionHigh
	default:
		return CongestionSevere
	}
}

// Input is the immutable input of a workflow run.
type Input struct {
	ShipmentID            string    `json:"shipment_id"`
	CustomerID            string    `json:"customer_id"`
	OriginCoord           string    `json:"origin_coord"`      // "lat,lon"
	DestCoord             string    `json:"dest_coord"`        // "lat,lon"
	EstimatedDelivery     time.Time `json:"estimated_delivery"`
	DelayThresholdMinutes int       `json:"delay_threshold_minutes"`
}

// TrafficReading is the recorded result of the traffic lookup activity.
// It is produced at most once per run; every later decision derives from it.
type TrafficReading struct {
	NormalDurationMin  int             `json:"normal_duration_min"`
	CurrentDurationMin int             `json:"current_duration_min"`
	DelayMinutes       int             `json:"delay_minutes"`
	Congestion         CongestionLevel `json:"congestion"`
	ObservedAt         time.Time       `json:"observed_at"`
}

// Notification is the customer-facing delay notice assembled by a run.
// Once Sent is true the notification is never mutated again.
type Notification struct {
	ShipmentID   string     `json:"shipment_id"`
	CustomerID   string     `json:"customer_id"`
	DelayMinutes int        `json:"delay_minutes"`
	OriginalETA  time.Time  `json:"original_eta"`
	NewETA       time.Time  `json:"new_eta"`
	Message      string     `json:"message"`
	Sent         bool       `json:"sent"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// ComputeNewETA shifts the original ETA by the observed delay. Negative
// delays are clamped to zero rather than moving the ETA earlier.
func ComputeNewETA(originalETA time.Time, delayMinutes int) time.Time {
	if delayMinutes < 0 {
		delayMinutes = 0
	}
	return originalETA.Add(time.Duration(delayMinutes) * time.Minute)
}

// Failure is the recorded outcome of a failed activity attempt or a failed
// run. Retryable controls whether the retry engine may dispatch again.
type Failure struct {
	Activity  string `json:"activity"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func (f *Failure) Error() string {
	return f.Activity + ": " + f.Reason
}
