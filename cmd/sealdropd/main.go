package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/sealdrop/internal/catalog"
	"github.com/sheerbytes/sealdrop/internal/config"
	"github.com/sheerbytes/sealdrop/internal/logging"
	"github.com/sheerbytes/sealdrop/internal/server"
)

const (
	serverVersion   = "v0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cmd := &cobra.Command{
		Use:          "sealdropd",
		Short:        "Accept chunked uploads and serve stored objects",
		Version:      serverVersion,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.BindServerFlags(cmd.Flags())
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	logger := logging.New("sealdropd", cfg.LogLevel, cfg.LogFormat)

	cat, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog"))
	if err != nil {
		return err
	}
	defer cat.Close()
	if records, err := cat.List(); err == nil {
		logger.Info("catalog opened", "objects", len(records))
	}

	srv, err := server.New(server.OptionsFromConfig(cfg), cat, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "version", serverVersion)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
		return httpServer.Close()
	}
	return nil
}
