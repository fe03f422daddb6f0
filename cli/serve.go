package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vts/obligation-engine/api"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the sync loop and the reminder scheduler",
	Long: `Start the HTTP API on --port (default 8080).

Alongside the API the server replays the offline queue whenever the
connectivity probe reports the link is back, and dispatches reminders on
the notify schedule. SIGINT/SIGTERM stop accepting connections and wait up
to 30s for in-flight requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serveRun(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun(ctx context.Context) error {
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.probe != nil {
		go a.probe.Run(runCtx)
	}
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		a.reconciler.Run(runCtx)
	}()

	if err := a.scheduler.Start(); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	handler := api.NewHandler(a.client, a.reconciler, cfg.DeviceID, logger)
	handler.Contractors = a.contractors
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "device_id", cfg.DeviceID, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	cancel()
	<-syncDone
	logger.Info("server stopped")
	return nil
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
