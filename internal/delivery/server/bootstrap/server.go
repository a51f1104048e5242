package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"foreman/internal/config"
	serverhttp "foreman/internal/delivery/server/http"
	"foreman/internal/shared/async"
	"foreman/internal/shared/logging"
)

// NewRouterDeps exposes the container's services to the HTTP layer.
func (c *Container) NewRouterDeps() serverhttp.RouterDeps {
	return serverhttp.RouterDeps{
		Status:      c.Status,
		Tasks:       c.Tasks,
		Workers:     c.Workers,
		Coordinator: c.Coordinator,
		Lifecycle:   c.Lifecycle,
		Recovery:    c.Escalations,
		Ready:       c.Ready,
		Degraded:    c.Degraded.Map,
		Origins:     c.Config.Server.AllowedOrigins,
		Logger:      logging.NewComponentLogger("HTTP"),
	}
}

// RunServer builds the container, starts the sweeper and the config
// watcher, and serves the API until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.Config, configPath string, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	container, err := BuildContainer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("[Bootstrap] Close: %v", err)
		}
	}()

	if err := container.Sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, config.WithWatchLogger(logging.NewComponentLogger("ConfigWatcher")))
		if err != nil {
			logger.Warn("[Bootstrap] Config hot reload disabled: %v", err)
		} else {
			watcher.OnReload(func(next config.Config, _ config.Metadata) {
				container.ApplyReload(next)
				logger.Info("[Bootstrap] Applied reloaded config from %s", configPath)
			})
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("[Bootstrap] Config hot reload disabled: %v", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           serverhttp.NewRouter(container.NewRouterDeps()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serveUntilDone(ctx, server, cfg.Server.ShutdownTimeout, logger)
}

func serveUntilDone(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("Server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := server.Shutdown(shutdownCtx)

		serveErr := <-errCh
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}
		logger.Info("Server stopped")
		return nil
	}
}
