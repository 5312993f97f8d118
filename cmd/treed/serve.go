package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/jacentio/treeorder/api"
	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/engine"
	"github.com/jacentio/treeorder/internal/config"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := cfg.Log.Logger(os.Stderr)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	hub := broadcast.NewHub(broadcast.Config{Buffer: cfg.Broadcast.Buffer}, logger)
	stream := cfg.Broadcast.Source == config.SourceStream
	engCfg := engine.DefaultConfig()
	engCfg.ExternalEvents = stream

	eng := engine.New(b.store, b.locker, hub, engCfg, logger)
	srv := api.NewServer(eng, hub, api.Config{Relay: stream, Heartbeat: cfg.Server.Heartbeat}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "broadcastSource", cfg.Broadcast.Source)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Event streams only end once their subscriptions close.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
