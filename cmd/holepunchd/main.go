// Command holepunchd is the holepunch server daemon. It loads the
// layered configuration, starts the gRPC control channel and the public
// HTTP front-end, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/holepunch/holepunch/internal/config"
	"github.com/holepunch/holepunch/internal/server"
)

func main() {
	configName := flag.String("config", "holepunchd", "config file name or path (merged over /etc/holepunch)")
	flag.Parse()

	cfg, err := config.Load(*configName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "holepunchd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Core.Debug)
	slog.SetDefault(logger)

	logger.Info("holepunchd starting",
		slog.String("bind_addr", cfg.Core.BindAddr),
		slog.String("http_bind_addr", cfg.HTTP.BindAddr),
		slog.String("default_domain", cfg.HTTP.DefaultDomain),
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to assemble server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Run(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		if err := <-errCh; err != nil {
			logger.Warn("shutdown error", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}

	logger.Info("holepunchd exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr; debug raises the minimum level.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
