package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bundlelock/bundlelock/internal/api"
	"github.com/bundlelock/bundlelock/internal/queue"
	"github.com/bundlelock/bundlelock/internal/service"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Serve lock status over HTTP",
	Long: `Serve read-only lock status over HTTP for editor integrations and
dashboards. The daemon exposes the lock manifest, the offline queue, and
connectivity health; it never mutates lock state.`,
	RunE: runDaemon,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	daemonCmd.Flags().String("address", "", "Address to listen on, defaults to daemon.address from the config")
	if err := viper.BindPFlag("address", daemonCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	address := viper.GetString("address")
	if address == "" {
		address = rt.cfg.Daemon.Address
	}

	// Drain the offline queue in the background whenever connectivity
	// returns, through the coordinator that is not wired to the queue.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	worker := queue.NewReplayWorker(rt.queue, rt.replayCoordinator, rt.monitor)
	worker.Start(workerCtx)

	svc := service.NewStatusService(rt.coordinator,
		service.WithQueue(rt.queue),
		service.WithMonitor(rt.monitor),
		service.WithBreaker(rt.runner.Breaker()),
	)

	router := api.NewServer(svc,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
		api.WithMetricsHandler(rt.metrics.Handler()),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Daemon listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start daemon", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down daemon")

	workerCancel()
	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Daemon forced to shutdown", "error", err)
		return err
	}

	slog.Info("Daemon shutdown complete")
	return nil
}
