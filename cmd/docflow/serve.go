package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/songzhibin97/docflow/api"
	"github.com/songzhibin97/docflow/config"
	"github.com/songzhibin97/docflow/logging"
	"github.com/songzhibin97/docflow/scheduler"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the deadline scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	if _, err := a.importFiles(ctx, cfg.Definitions); err != nil {
		a.close(context.Background())
		return err
	}

	sched := scheduler.New(a.engine,
		scheduler.WithInterval(cfg.Scheduler.Interval),
		scheduler.WithConcurrency(cfg.Scheduler.Concurrency),
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithRegisterer(reg))
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	schedDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		go func() {
			defer close(schedDone)
			_ = sched.Run(runCtx)
		}()
	} else {
		close(schedDone)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(a.engine, a.docs, api.WithLogger(logger.Named("api")), api.WithGatherer(reg)).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.Bool("scheduler", cfg.Scheduler.Enabled))
		serverErrors <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
		_ = server.Close()
	}
	cancelRun()
	<-schedDone
	a.close(shutdownCtx)
	logger.Info("server stopped")
	return runErr
}
