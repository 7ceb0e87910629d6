package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API. Scan endpoints require a bearer token signed with
api.jwt_secret whose subject is the user id; "lynxscan token" mints one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(version)
		},
	}
	cmd.Flags().String("listen", "", "listen address (default: api.listen_addr)")
	_ = viper.BindPFlag("api.listen_addr", cmd.Flags().Lookup("listen"))
	return cmd
}

func runServe(version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if cfg.API.JWTSecret == "" {
		return errors.New("api.jwt_secret must be set to serve the API (env LYNXSCAN_API_JWT_SECRET)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer app.Close()

	handler := api.NewServer(app.Orchestrator, app.Store, app.Metrics, cfg.API, app.Logger.Logger).Routes()
	srv := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.API.Timeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Infof("API listening on %s", cfg.API.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		app.Logger.Info("Received interrupt signal, shutting down gracefully...")
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scan.GlobalTimeout+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
