// Command transformer runs the scan measurement pipeline: SQS-notified
// object ingest on one side, an HTTP front door on the other, both
// feeding the same Firehose publisher.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/skysense/scan-transformer/internal/awsclient"
	"github.com/skysense/scan-transformer/internal/config"
	"github.com/skysense/scan-transformer/internal/consumer"
	"github.com/skysense/scan-transformer/internal/handler"
	"github.com/skysense/scan-transformer/internal/natsclient"
	"github.com/skysense/scan-transformer/internal/pipeline"
	"github.com/skysense/scan-transformer/internal/publish"
	"github.com/skysense/scan-transformer/internal/telemetry"
	"github.com/skysense/scan-transformer/internal/transform"
	"github.com/skysense/scan-transformer/internal/validate"
)

const serviceName = "scan-transformer"

// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// dependency failure at startup.
func main() {
	os.Exit(run())
}

func run() int {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- Configuration (file + env + defaults) ---
	cfg, err := config.Load(os.Getenv("SCAN_TRANSFORMER_CONFIG"))
	if err != nil {
		logger.Error("configuration error", zap.Error(err))
		return 1
	}

	// --- Vault Secret Loading (optional) ---
	if cfg.Vault.Addr != "" {
		vaultManager, err := config.NewSecretManager(cfg.Vault.Addr, cfg.Vault.Token)
		if err != nil {
			logger.Error("Vault connection failed", zap.Error(err))
			return 2
		}
		secrets, err := vaultManager.GetKV2(cfg.Vault.SecretPath)
		if err != nil {
			logger.Error("failed to load secrets from Vault", zap.Error(err))
			return 2
		}
		cfg.ApplySecrets(secrets)
		logger.Info("secrets loaded from Vault", zap.String("path", cfg.Vault.SecretPath))
	}

	// --- OpenTelemetry Tracer & Meter ---
	var counters telemetry.Counters = telemetry.NewMemCounters()
	otelEndpoint := cfg.OTLP
	if otelEndpoint == "" {
		otelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
			counters = telemetry.NewOTelCounters(otel.Meter(serviceName))
		}
		logger.Info("OTel initialized", zap.String("endpoint", otelEndpoint))
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	// --- AWS Clients & Startup Dependency Checks ---
	readiness := handler.NewReadiness("queue", "delivery_stream")

	clients, err := awsclient.New(startupCtx, cfg.ObjectStore)
	if err != nil {
		logger.Error("AWS client construction failed", zap.Error(err))
		return 2
	}

	queueURL, err := awsclient.ResolveQueueURL(startupCtx, clients.SQS, cfg.Queue)
	if err != nil {
		logger.Error("queue resolution failed", zap.Error(err))
		return 2
	}
	readiness.MarkReady("queue")
	logger.Info("work queue resolved", zap.String("url", queueURL))

	if err := awsclient.CheckDeliveryStream(startupCtx, clients.Firehose, cfg.Delivery.StreamName); err != nil {
		logger.Error("delivery stream check failed", zap.Error(err))
		return 2
	}
	readiness.MarkReady("delivery_stream")

	// --- Dead-Letter Sink (NATS JetStream, optional) ---
	var deadLetter publish.DeadLetter = publish.NewLogDeadLetter(logger)
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.NewClient(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("NATS initialization failed", zap.Error(err))
			return 2
		}
		defer natsClient.Close()

		if err := natsClient.ProvisionDeadLetterStream(); err != nil {
			logger.Error("NATS stream provisioning failed", zap.Error(err))
			return 2
		}
		deadLetter = publish.NewNATSDeadLetter(natsClient, logger)
	}

	// --- Pipeline Wiring ---
	deliverer := publish.NewFirehoseDeliverer(
		clients.Firehose,
		cfg.Delivery.StreamName,
		cfg.Delivery.MaxAttempts,
		deadLetter,
		counters,
		logger,
	)
	publisher := publish.NewPublisher(deliverer, publish.Limits{
		MaxBatchCount:      cfg.Delivery.MaxBatchSize,
		MaxBatchBytes:      cfg.Delivery.MaxBatchSizeBytes,
		MaxRecordBytes:     cfg.Delivery.MaxRecordSizeBytes,
		MaxInFlightBatches: cfg.Delivery.MaxInFlightBatches,
		MaxLinger:          cfg.Delivery.MaxLinger,
	}, counters, logger)

	validator := validate.NewValidator(validate.Limits{
		MinRSSI:             cfg.Filter.MinRSSI,
		MaxRSSI:             cfg.Filter.MaxRSSI,
		MaxLocationAccuracy: cfg.Filter.MaxLocationAccuracy,
	}, counters)
	hotspotAction := validate.ActionExclude
	if cfg.Filter.MobileHotspot.Action == config.HotspotActionFlag {
		hotspotAction = validate.ActionFlag
	}
	hotspot := validate.NewHotspotDetector(
		cfg.Filter.MobileHotspot.Enabled,
		hotspotAction,
		cfg.Filter.MobileHotspot.OUIBlacklist,
		counters,
	)
	transformer := transform.New(validator, hotspot, transform.Weights{
		Connected:    cfg.Filter.ConnectedQualityWeight,
		Scan:         cfg.Filter.ScanQualityWeight,
		LowLinkSpeed: cfg.Filter.LowLinkSpeedQualityWeight,
	}, counters, logger)

	processor := pipeline.NewProcessor(clients.S3, transformer, publisher, counters, logger)
	loop := consumer.NewIngestLoop(clients.SQS, clients.SQS, processor, publisher, consumer.Config{
		QueueURL:        queueURL,
		PollWaitSeconds: cfg.Queue.PollWaitSeconds,
		BatchSize:       cfg.Queue.BatchSize,
		Concurrency:     cfg.Concurrency,
		GracePeriod:     cfg.GracePeriod,
	}, counters, logger)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(loopCtx); err != nil {
			logger.Error("ingest loop failed", zap.Error(err))
		}
	}()

	// --- HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	scanHandler := handler.NewScanHandler(transformer, publisher, readiness, counters, logger)
	scanHandler.Register(e)

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failure", zap.Error(err))
		}
	}()

	logger.Info("scan-transformer started",
		zap.String("queue", queueURL),
		zap.String("stream", cfg.Delivery.StreamName),
	)

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("initiating graceful shutdown")

	// Stop polling; Run waits for in-flight workers within the grace
	// period and flushes the publisher before returning.
	stopLoop()
	select {
	case <-loopDone:
	case <-time.After(cfg.GracePeriod + 5*time.Second):
		logger.Warn("ingest loop did not stop within grace period")
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.GracePeriod)
	defer cancelClose()
	if err := publisher.Close(closeCtx); err != nil {
		logger.Error("publisher close error", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("scan-transformer shut down cleanly")
	return 0
}
