package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/ckexport/internal/api/handlers"
	"github.com/dvloznov/ckexport/internal/api/middleware"
	"github.com/dvloznov/ckexport/internal/capture"
	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/export"
	"github.com/dvloznov/ckexport/internal/jobs"
	"github.com/dvloznov/ckexport/internal/jobs/inmemory"
	"github.com/dvloznov/ckexport/internal/logger"
)

func main() {
	// Parse command-line flags
	var (
		configPath = flag.String("config", "", "path to YAML config (or set CKEXPORT_CONFIG)")
		port       = flag.String("port", "", "HTTP server port (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	ctx := logger.WithContext(context.Background(), log)

	sink, closeSink, err := export.NewSink(ctx, cfg.Export)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create export sink")
	}
	defer closeSink()

	runner := capture.NewRunner(
		capture.BrowserConnector(cfg),
		export.NewExporter(sink),
		cfg.Export.Workbook,
	)

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.Server.QueueDepth, jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	jobHandler := func(ctx context.Context, job *jobs.CaptureJob, progress domain.Progress) error {
		out, err := runner.Run(ctx, job.Command, progress)
		job.Record(out)
		return err
	}

	log.Info().Msg("Starting job worker")
	if err := jobQueue.Start(workerCtx, jobHandler); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	mux := handlers.NewRouter(
		handlers.NewCaptureHandler(jobQueue),
		handlers.NewJobsHandler(jobStore, jobQueue),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      middleware.Chain(mux, log, cfg.Server.APIKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("debugger", cfg.Browser.DebuggerURL).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// A capture in flight is stopped and still exports what it gathered.
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}
