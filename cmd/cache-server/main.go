package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k11v/mortar/internal/cacheserver"
	"github.com/k11v/mortar/internal/cacheserver/cacheserverpg"
	"github.com/k11v/mortar/internal/cacheserver/cacheservers3"
	"github.com/k11v/mortar/internal/httputil"
	"github.com/k11v/mortar/internal/postgresutil"
)

const shutdownTimeout = 30 * time.Second

func main() {
	run := func() int {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		logger := newLogger(cfg.Development)
		slog.SetDefault(logger)

		if err = serve(ctx, cfg, logger); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}
	os.Exit(run())
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// serve expects the index and the bucket to be set up, see cmd/setup.
func serve(ctx context.Context, cfg *config, logger *slog.Logger) error {
	pool, err := postgresutil.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	metrics := cacheserver.NewMetrics()
	service := cacheserver.NewService(
		&cfg.Cache,
		cacheserverpg.NewDatabase(pool),
		cacheservers3.NewStorage(cfg.S3DSN),
		metrics,
		logger.With("component", "service"),
	)
	handler := cacheserver.NewHandler(&cacheserver.HandlerParams{
		Service:     service,
		Metrics:     metrics,
		Tokens:      cfg.Tokens,
		Development: cfg.Development,
		Logger:      logger,
	})
	server := httputil.NewServer(&cfg.Server, handler, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	evictorDone := make(chan struct{})
	go func() {
		defer close(evictorDone)
		_ = service.RunEvictor(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancelShutdown()
		err = server.Shutdown(shutdownCtx)
	}

	cancel()
	<-evictorDone
	return err
}
