package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parkpass/permitd/internal/api"
	"github.com/parkpass/permitd/internal/clock/system"
	"github.com/parkpass/permitd/internal/config"
	"github.com/parkpass/permitd/internal/id/uuid"
	"github.com/parkpass/permitd/internal/logging"
	"github.com/parkpass/permitd/internal/ocr"
	"github.com/parkpass/permitd/internal/permit"
	"github.com/parkpass/permitd/internal/portal"
	"github.com/parkpass/permitd/internal/printer"
	"github.com/parkpass/permitd/internal/progress"
	"github.com/parkpass/permitd/internal/progress/taps"
	"github.com/parkpass/permitd/internal/workflow"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	limiter := rate.NewLimiter(rate.Limit(cfg.Portal.RatePerSecond), 1)
	factory := portal.NewFactory(portal.Config{
		BaseURL:   cfg.Portal.BaseURL,
		UserAgent: cfg.Portal.UserAgent,
		Timeout:   cfg.PortalTimeout(),
	}, limiter)

	solver, err := ocr.NewVisionClient(ctx, ocr.Config{
		CredentialsFile: cfg.OCR.CredentialsFile,
		Endpoint:        cfg.OCR.Endpoint,
		Timeout:         cfg.OCRTimeout(),
	}, logger.Named("ocr"))
	if err != nil {
		logger.Fatal("ocr client init failed", zap.Error(err))
	}

	var printDispatch permit.Printer = printer.Noop{}
	if cfg.Printer.Enabled {
		printDispatch = printer.NewLPR(cfg.Printer.Name, logger.Named("printer"))
	}

	promTap, err := taps.NewPrometheusTap(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}
	bus := progress.NewBroadcaster(progress.Config{
		BufferSize: cfg.Progress.BufferSize,
		Logger:     logger.Named("progress"),
	}, taps.NewLogTap(logger.Named("progress")), promTap)

	orchestrator := workflow.NewOrchestrator(
		factory,
		solver,
		printDispatch,
		bus,
		clock,
		idGen,
		workflow.OrchestratorConfig{
			MaxItemsPerRequest: cfg.Workflow.MaxItems,
			MaxInFlight:        cfg.Workflow.MaxInFlight,
			Executor: workflow.ExecutorConfig{
				IntakeURL:       factory.IntakeURL(),
				CaptchaAttempts: cfg.Workflow.CaptchaAttempts,
				NetworkRetries:  cfg.Workflow.NetworkRetries,
				BackoffInitial:  cfg.BackoffInitial(),
				BackoffMax:      cfg.BackoffMax(),
			},
		},
		logger.Named("workflow"),
	)

	apiServer := api.NewServer(orchestrator, bus, prometheus.DefaultGatherer, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := orchestrator.Close(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
