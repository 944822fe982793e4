package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lighthook/lighthook/internal/config"
	"github.com/lighthook/lighthook/internal/db"
	"github.com/lighthook/lighthook/internal/deliverylog"
	"github.com/lighthook/lighthook/internal/dispatcher"
	"github.com/lighthook/lighthook/internal/health"
	"github.com/lighthook/lighthook/internal/logging"
	"github.com/lighthook/lighthook/internal/metrics"
	"github.com/lighthook/lighthook/internal/store/postgres"
	"github.com/lighthook/lighthook/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New("lighthook-dispatcherd")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "lighthook-dispatcherd")
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

	st := postgres.New(pool)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Dispatcher.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	audit := deliverylog.NewWriter(st.DeliveryLogs())
	disp := dispatcher.New(st, audit)
	disp.BatchSize = cfg.Dispatcher.BatchSize
	disp.Concurrency = cfg.Dispatcher.Concurrency
	disp.PollInterval = cfg.Dispatcher.PollInterval

	// Optional dead-letter publication for abandoned deliveries
	if cfg.NSQ.PublishDLQ {
		deadLetters, err := dispatcher.NewNSQDeadLetters(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq dead-letter producer creation failed")
		}
		defer deadLetters.Stop()
		disp.DeadLetters = deadLetters
	}

	logger.Plain().Info("dispatcher service started")
	disp.Run(ctx)

	logger.Plain().Info("Shutting down dispatcher service")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher service stopped")
}
