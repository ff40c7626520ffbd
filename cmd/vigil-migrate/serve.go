package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vigilhq/vigil-migrate/pkg/config"
	"github.com/vigilhq/vigil-migrate/pkg/server"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the migration control plane over HTTP",
		Long: `Serve the migration API: start and watch runs, stream progress events,
list backups, roll back and restore. Mutating endpoints require the
operator role; how callers are mapped to roles is set by server.auth.mode
(header, jwt or none).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := globalConfig
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listen
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "Address to listen on")

	return cmd
}

func runServe(cfg *config.Config) error {
	logger := globalLogger

	st, err := buildStack(cfg, true)
	if err != nil {
		return err
	}
	defer st.close()

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithDefaultOptions(runOptions(cfg)),
		server.WithHeartbeatInterval(cfg.Server.HeartbeatInterval),
	}

	switch cfg.Server.Auth.Mode {
	case config.AuthModeJWT:
		extractor, err := server.NewJWTRoleExtractor(server.JWTConfig{
			RoleClaim:     cfg.Server.Auth.JWT.RoleClaim,
			OperatorValue: cfg.Server.Auth.JWT.OperatorValue,
			PublicKeyPath: cfg.Server.Auth.JWT.PublicKeyPath,
			Issuer:        cfg.Server.Auth.JWT.Issuer,
			Audience:      cfg.Server.Auth.JWT.Audience,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithRoleExtractor(extractor))
		logger.Info("using JWT auth",
			"roleClaim", cfg.Server.Auth.JWT.RoleClaim,
			"operatorValue", cfg.Server.Auth.JWT.OperatorValue,
			"hasPublicKey", cfg.Server.Auth.JWT.PublicKeyPath != "")
	case config.AuthModeNone:
		serverOpts = append(serverOpts, server.WithRoleExtractor(server.AllowAll))
		logger.Warn("auth disabled, every caller is an operator")
	default:
		logger.Info("using header-based auth (X-User-Role)")
	}

	srv := server.New(st.src, st.dst, st.backups, st.reports, serverOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("migration control plane ready", "listen", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("migration control plane stopped")
	return nil
}
