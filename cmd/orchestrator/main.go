package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freightwatch/freightwatch/internal/config"
	"github.com/freightwatch/freightwatch/internal/db"
	"github.com/freightwatch/freightwatch/internal/health"
	"github.com/freightwatch/freightwatch/internal/history"
	"github.com/freightwatch/freightwatch/internal/logging"
	"github.com/freightwatch/freightwatch/internal/metrics"
	"github.com/freightwatch/freightwatch/internal/orchestrator"
	"github.com/freightwatch/freightwatch/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()

	logger := logging.New("freightwatch-orchestrator")

	shutdown, err := tracing.InitTracing(ctx, "freightwatch-orchestrator")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Task dispatch via NSQ
	dispatcher, err := orchestrator.NewNSQDispatcher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.TasksTopic)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer dispatcher.Stop()

	store := history.NewPGStore(pool)
	driver := orchestrator.New(store, dispatcher, cfg.Retry, cfg.Orchestrator.WorkflowTimeout, logger)

	// Result consumer
	consumer, err := orchestrator.NewResultConsumer(cfg.NSQ, cfg.Worker.MaxInFlight, driver, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq result consumer creation failed")
	}

	// HTTP API, health, metrics
	mux := http.NewServeMux()
	orchestrator.NewAPI(driver, logger).Register(mux)
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.Orchestrator.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("orchestrator HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("orchestrator HTTP server failed")
		}
	}()

	// Re-attach non-terminal runs before accepting traffic for them.
	if cfg.Orchestrator.ResumeOnStart {
		if err := driver.Resume(ctx); err != nil {
			logger.Plain().WithError(err).Error("resume failed")
		}
	}
	driver.StartTimeoutMonitor(ctx, cfg.Orchestrator.MonitorInterval)

	logger.Plain().Info("orchestrator service started")

	<-ctx.Done()

	logger.Plain().Info("Shutting down orchestrator service")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("orchestrator service stopped")
	_ = os.Stdout.Sync()
}
