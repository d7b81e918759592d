// memcored runs the memory and skill substrate as a long-lived daemon:
// it owns the Runtime, serves Prometheus metrics and health endpoints,
// and keeps the consolidator and pub/sub listeners alive until signaled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CLIAIRMONITOR/memcore/internal/config"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
	"github.com/CLIAIRMONITOR/memcore/internal/runtime"
)

func main() {
	configPath := flag.String("config", "memcore.yaml", "Path to configuration file")
	listenAddr := flag.String("listen", ":9402", "Metrics/health listen address")
	flag.Parse()

	log := obslog.New(os.Stderr)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}

	rt, err := runtime.New(cfg, runtime.Options{Log: log})
	if err != nil {
		log.Error("failed to construct runtime", "error", err.Error())
		os.Exit(1)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		log.Error("failed to start runtime", "error", err.Error())
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Metrics.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"shared_kv":  rt.Adapters()[0].Healthy(),
			"long_waits": len(rt.Locks.DetectLongWaits()),
		})
	})

	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Info("serving metrics and health", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err.Error())
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
