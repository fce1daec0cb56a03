package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"navfuse/internal/config"
	"navfuse/internal/logging"
	"navfuse/internal/observability"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger := logging.New(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics, err := observability.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("metrics init failed", "err", err)
		os.Exit(1)
	}

	rt, err := newRuntime(cfg, logger, metrics)
	if err != nil {
		logger.Error("runtime init failed", "err", err)
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/solve", rt.solveHandler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "err", err)
				cancel()
			}
		}()
	}

	logger.Info("navfuse starting",
		"gnss", cfg.GNSS.Enable,
		"sources", len(cfg.Corrections.Sources),
		"nats", cfg.NATS.Enable)

	if err := rt.start(ctx); err != nil {
		logger.Error("runtime start failed", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("navfuse stopping")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	rt.close()
}
