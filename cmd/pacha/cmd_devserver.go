package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/pacha/internal/stubserver"
)

var devAddr string

func init() {
	rootCmd.AddCommand(devServerCmd)
	devServerCmd.Flags().StringVar(&devAddr, "addr", "", "listen address (default from config)")
}

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run a local echo backend for trying the client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		addr := devAddr
		if addr == "" {
			addr = cfg.DevServer.Addr
		}

		opts := []stubserver.Option{stubserver.WithLogger(slog.Default())}
		if cfg.Auth.Token != "" {
			opts = append(opts, stubserver.WithAuth(cfg.Auth.Header, cfg.Auth.Token))
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           stubserver.New(opts...),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signalContext()
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			slog.Info("dev server listening", "addr", addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("dev server: %w", err)
		case <-ctx.Done():
		}

		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}
