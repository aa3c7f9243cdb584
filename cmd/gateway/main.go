// Command gateway runs the MCP BLE gateway: a WebSocket server bridging
// MCP clients to BLE peripherals with batching, caching, and auth.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbeur/mcp-ble-server/internal/cache"
	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/internal/gateway"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.NewStandardLogger("main").Fatal("Invalid configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger := observability.NewStandardLoggerWithLevel("mcp-ble", observability.ParseLogLevel(cfg.Logging.Level))

	var metrics observability.MetricsClient
	var promReg *prometheus.Registry
	if cfg.Metrics.Enabled && cfg.Metrics.Type == "prometheus" {
		promClient := observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, "gateway")
		promReg = promClient.Registry()
		metrics = promClient
	} else {
		metrics = observability.NewMetricsClient()
	}

	readCache := cache.New(cfg.Cache, logger, metrics)

	srv, err := gateway.NewServer(gateway.Options{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Adapter:      nil, // no transport on this host; device ops answer BLE_NOT_AVAILABLE
		Cache:        readCache,
		PromRegistry: promReg,
		StartSpan:    observability.NewStartSpanFunc("mcp-ble-gateway"),
	})
	if err != nil {
		logger.Fatal("Failed to build gateway", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if err := srv.Start(); err != nil {
		logger.Error("Failed to start gateway", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Shutting down", map[string]interface{}{
		"signal": sig.String(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Stop(ctx)

	if err := metrics.Close(); err != nil {
		logger.Warn("Metrics close failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
