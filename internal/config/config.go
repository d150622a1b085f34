package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/freightwatch/freightwatch/internal/retry"
	"github.com/freightwatch/freightwatch/internal/workflow"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TasksTopic     string // NSQ topic for activity dispatches
	ResultsTopic   string // NSQ topic for activity results
	WorkerChannel  string // NSQ channel name for activity workers
	ResultsChannel string // NSQ channel name for the orchestrator result consumer
}

type Orchestrator struct {
	HTTPPort        string        // orchestrator API/metrics port
	WorkflowTimeout time.Duration // whole-run ceiling, 0 = unlimited
	ResumeOnStart   bool          // replay and resume non-terminal runs at boot
	MonitorInterval time.Duration // run-timeout sweep interval
}

type Worker struct {
	HTTPPort    string // worker metrics port
	MaxInFlight int    // NSQ consumer max in-flight
}

type Providers struct {
	TrafficBaseURL string // distance-matrix style endpoint
	TrafficAPIKey  string
	ComposeBaseURL string // chat-completions style endpoint
	ComposeAPIKey  string
	ComposeModel   string
	EmailBaseURL   string
	EmailAPIKey    string
	EmailFrom      string
	SMSBaseURL     string
	SMSAPIKey      string
	SMSFrom        string
}

// Retry holds the per-activity policies applied by the orchestrator.
type Retry struct {
	FetchTraffic   retry.Policy
	ComposeMessage retry.Policy
	Notify         retry.Policy
}

// PolicyFor returns the policy for a named activity, defaulting when unknown.
func (r Retry) PolicyFor(activity string) retry.Policy {
	switch activity {
	case workflow.ActivityFetchTraffic:
		return r.FetchTraffic
	case workflow.ActivityComposeMessage:
		return r.ComposeMessage
	case workflow.ActivityNotify:
		return r.Notify
	}
	return retry.DefaultPolicy()
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Orchestrator Orchestrator
	Worker       Worker
	Providers    Providers
	Retry        Retry
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// policyFromEnv reads one activity's retry policy using a shared prefix,
// e.g. RETRY_NOTIFY_TIMEOUT, RETRY_NOTIFY_MAX_ATTEMPTS.
func policyFromEnv(prefix string, def retry.Policy) retry.Policy {
	return retry.Policy{
		Timeout:           getenvDuration(prefix+"_TIMEOUT", def.Timeout),
		MaxAttempts:       getenvInt(prefix+"_MAX_ATTEMPTS", def.MaxAttempts),
		InitialBackoff:    getenvDuration(prefix+"_INITIAL_BACKOFF", def.InitialBackoff),
		BackoffMultiplier: getenvFloat(prefix+"_BACKOFF_MULTIPLIER", def.BackoffMultiplier),
		MaxBackoff:        getenvDuration(prefix+"_MAX_BACKOFF", def.MaxBackoff),
		JitterPct:         getenvFloat(prefix+"_JITTER_PCT", def.JitterPct),
	}
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "freightwatch"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "freightwatch"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TasksTopic:     getenv("NSQ_TASKS_TOPIC", "activity_tasks"),
			ResultsTopic:   getenv("NSQ_RESULTS_TOPIC", "activity_results"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			ResultsChannel: getenv("NSQ_RESULTS_CHANNEL", "orchestrator"),
		},
		Orchestrator: Orchestrator{
			HTTPPort:        ":" + getenv("ORCHESTRATOR_HTTP_PORT", "8080"),
			WorkflowTimeout: getenvDuration("WORKFLOW_TIMEOUT", 0),
			ResumeOnStart:   getenvBool("RESUME_ON_START", true),
			MonitorInterval: getenvDuration("MONITOR_INTERVAL", 15*time.Second),
		},
		Worker: Worker{
			HTTPPort:    ":" + getenv("WORKER_HTTP_PORT", "8083"),
			MaxInFlight: getenvInt("NSQ_MAX_IN_FLIGHT", 100),
		},
		Providers: Providers{
			TrafficBaseURL: getenv("TRAFFIC_BASE_URL", "https://maps.googleapis.com/maps/api/distancematrix/json"),
			TrafficAPIKey:  getenv("TRAFFIC_API_KEY", ""),
			ComposeBaseURL: getenv("COMPOSE_BASE_URL", "https://api.openai.com/v1/chat/completions"),
			ComposeAPIKey:  getenv("COMPOSE_API_KEY", ""),
			ComposeModel:   getenv("COMPOSE_MODEL", "gpt-4o-mini"),
			EmailBaseURL:   getenv("EMAIL_BASE_URL", "https://api.sendgrid.com/v3/mail/send"),
			EmailAPIKey:    getenv("EMAIL_API_KEY", ""),
			EmailFrom:      getenv("EMAIL_FROM", "notifications@freightwatch.dev"),
			SMSBaseURL:     getenv("SMS_BASE_URL", ""),
			SMSAPIKey:      getenv("SMS_API_KEY", ""),
			SMSFrom:        getenv("SMS_FROM", ""),
		},
		Retry: Retry{
			FetchTraffic:   policyFromEnv("RETRY_FETCH_TRAFFIC", retry.DefaultPolicy()),
			ComposeMessage: policyFromEnv("RETRY_COMPOSE_MESSAGE", composeDefault()),
			Notify:         policyFromEnv("RETRY_NOTIFY", notifyDefault()),
		},
	}
}

func composeDefault() retry.Policy {
	p := retry.DefaultPolicy()
	p.Timeout = 30 * time.Second // language-model calls are slow
	return p
}

func notifyDefault() retry.Policy {
	p := retry.DefaultPolicy()
	p.Timeout = 15 * time.Second
	p.MaxAttempts = 5
	return p
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
