package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/andy6609/line-chat-server/internal/chat"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment and flags still apply.
	_ = godotenv.Load()

	// Validated only after flags are applied, so a flag can fix a bad variable.
	cfg, err := chat.ReadEnv()
	if err != nil {
		return err
	}

	host := flag.String("host", cfg.Host, "chat listen host")
	port := flag.Int("port", cfg.Port, "chat listen port")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "metrics listen address, empty to disable")
	flag.Parse()
	cfg.Host, cfg.Port, cfg.MetricsAddr = *host, *port, *metricsAddr
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	srv := chat.NewServer(cfg, logger)
	g.Go(func() error {
		if err := srv.Serve(ctx); err != nil {
			return fmt.Errorf("chat server: %w", err)
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics endpoint started", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
