package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/freightwatch/freightwatch/internal/activity"
	"github.com/freightwatch/freightwatch/internal/config"
	"github.com/freightwatch/freightwatch/internal/db"
	"github.com/freightwatch/freightwatch/internal/health"
	"github.com/freightwatch/freightwatch/internal/logging"
	"github.com/freightwatch/freightwatch/internal/metrics"
	"github.com/freightwatch/freightwatch/internal/providers"
	"github.com/freightwatch/freightwatch/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("freightwatch-worker")

	shutdown, err := tracing.InitTracing(ctx, "freightwatch-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect (customer directory)
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// Result producer
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	invoker := buildInvoker(cfg, pool, logger)

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.TasksTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	startBacklogMonitor(cfg, logger)

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				logger.Plain().Warn("message had no response, finishing")
				m.Finish()
			}
		}()

		var t activity.Task
		if err := json.Unmarshal(m.Body, &t); err != nil {
			logger.Plain().WithError(err).Error("bad task payload")
			m.Finish() // terminal: don't retry bad payloads
			return nil
		}

		ctx := tracing.ExtractTraceFromQueue(ctx, t.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "worker.activity",
			attribute.String("run_id", t.RunID),
			attribute.String("activity", t.Activity),
			attribute.Int("attempt", t.Attempt),
		)
		defer span.End()

		start := time.Now()
		res := invoker.Execute(ctx, t)
		latency := time.Since(start)
		res.TraceHeaders = tracing.PropagateTraceToQueue(ctx)

		metrics.ActivityDurationSeconds.WithLabelValues(t.Activity).Observe(latency.Seconds())
		span.SetAttributes(attribute.Int64("activity.latency_ms", latency.Milliseconds()))
		if res.Failure != nil {
			span.SetAttributes(
				attribute.String("failure_reason", res.Failure.Reason),
				attribute.Bool("failure_retryable", res.Failure.Retryable),
			)
		}

		body, err := json.Marshal(res)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			logger.WithContext(ctx).WithRun(t.RunID).WithActivity(t.Activity).WithError(err).Error("marshal result failed")
			m.Finish()
			return nil
		}
		if err := producer.Publish(cfg.NSQ.ResultsTopic, body); err != nil {
			// The orchestrator never sees this attempt; requeue the task so
			// the whole attempt runs again under its idempotency key.
			tracing.SetSpanError(ctx, err)
			logger.WithContext(ctx).WithRun(t.RunID).WithActivity(t.Activity).WithError(err).Error("result publish failed, requeueing task")
			m.Requeue(5 * time.Second)
			return nil
		}

		logger.WithContext(ctx).WithRun(t.RunID).WithActivity(t.Activity).WithFields(map[string]any{
			"attempt": t.Attempt,
			"ok":      res.Succeeded(),
		}).Debug("activity attempt executed")
		m.Finish()
		return nil
	}))

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// buildInvoker wires the provider clients behind the activity contracts.
func buildInvoker(cfg config.Config, pool *pgxpool.Pool, logger *logging.Logger) *activity.Invoker {
	traffic := providers.NewDistanceMatrixClient(cfg.Providers.TrafficBaseURL, cfg.Providers.TrafficAPIKey, nil)
	composer := providers.NewOpenAIComposer(cfg.Providers.ComposeBaseURL, cfg.Providers.ComposeAPIKey, cfg.Providers.ComposeModel, nil)

	notifier := &providers.MultiNotifier{
		Email: providers.NewEmailNotifier(cfg.Providers.EmailBaseURL, cfg.Providers.EmailAPIKey, cfg.Providers.EmailFrom, nil),
	}
	if cfg.Providers.SMSBaseURL != "" {
		notifier.SMS = providers.NewSMSNotifier(cfg.Providers.SMSBaseURL, cfg.Providers.SMSAPIKey, cfg.Providers.SMSFrom, nil)
	}

	directory := providers.NewPGDirectory(pool)
	return activity.NewInvoker(traffic, composer, notifier, directory, logger)
}

// startBacklogMonitor starts a goroutine to periodically update task backlog metrics
func startBacklogMonitor(cfg config.Config, logger *logging.Logger) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}

		for range ticker.C {
			// Get NSQ stats from nsqd HTTP endpoint (port 4151)
			nsqdHTTPAddr := strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)
			resp, err := httpClient.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr))
			if err != nil {
				logger.Plain().WithError(err).Error("Failed to get NSQ stats")
				continue
			}

			var stats struct {
				Topics []struct {
					Name     string `json:"topic_name"`
					Channels []struct {
						Name  string `json:"channel_name"`
						Depth int64  `json:"depth"`
					} `json:"channels"`
				} `json:"topics"`
			}

			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				resp.Body.Close()
				logger.Plain().WithError(err).Error("Failed to decode NSQ stats")
				continue
			}
			resp.Body.Close()

			for _, topic := range stats.Topics {
				for _, channel := range topic.Channels {
					if topic.Name == cfg.NSQ.TasksTopic && channel.Name == cfg.NSQ.WorkerChannel {
						metrics.UpdateTaskBacklog(float64(channel.Depth))
					}
					metrics.UpdateQueueDepth(topic.Name, channel.Name, float64(channel.Depth))
				}
			}
		}
	}()
}
