package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/treelineapp/treeline/internal/config"
	"github.com/treelineapp/treeline/internal/observability"
)

// run starts every component, then blocks until a shutdown signal and
// unwinds them in reverse order.
func run(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	if app.bridge != nil {
		if err := app.bridge.Run(ctx, app.hub); err != nil {
			logger.Fatal("failed to start channel bridge", observability.Error(err))
		}
	}

	if err := app.scheduler.Start(ctx); err != nil {
		logger.Fatal("failed to start job scheduler", observability.Error(err))
	}

	go func() {
		logger.Info("server listening", observability.String("addr", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", observability.Error(err))
		}
	}()

	if app.metricsServer != nil {
		go func() {
			logger.Info("metrics listening", observability.String("addr", app.metricsServer.Addr))
			if err := app.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", observability.Error(err))
			}
		}()
	}

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, logger)
}

// startConfigWatcher hot-reloads the settings that can change without
// a restart. Structural changes (listeners, routes) need one.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	if _, err := os.Stat(configPath); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, func(cfg *config.Config) {
		if err := observability.SetLevel(logger, cfg.Logging.Level); err != nil {
			logger.Warn("failed to apply log level", observability.Error(err))
			return
		}
		logger.Info("configuration reloaded",
			observability.String("logLevel", cfg.Logging.Level),
		)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config watcher unavailable", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("config watcher failed to start", observability.Error(err))
		return nil
	}
	return watcher
}

// waitForShutdown blocks on SIGINT/SIGTERM and drains everything.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	// Drain in-flight requests before tearing down what they use.
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	if app.metricsServer != nil {
		if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	// Closing the hub unblocks socket pumps still inside Shutdown's
	// drain window.
	app.hub.Close()
	app.scheduler.Stop()

	if app.bridge != nil {
		app.bridge.Stop()
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			logger.Error("failed to close redis client", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("shutdown complete")
}
