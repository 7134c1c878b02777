package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/nodehive/pubsubd/internal/config"
	"github.com/nodehive/pubsubd/internal/engine"
	"github.com/nodehive/pubsubd/internal/logging"
	"github.com/nodehive/pubsubd/internal/metrics"
	"github.com/nodehive/pubsubd/internal/server"
)

func main() {
	// Basic logger for startup, before config tells us how to log
	startup := log.New(os.Stdout, "[pubsubd] ", log.LstdFlags)

	// automaxprocs automatically sets GOMAXPROCS based on container CPU limits
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Print()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	m := metrics.New()
	sysMetrics := metrics.NewSystemMetrics()

	var srv *server.Server
	eng, err := engine.New(
		engine.WithLogger(logger.With().Str("component", "dispatcher").Logger()),
		engine.WithCloseHook(func(fd int, peer string) {
			if srv != nil {
				srv.ConnectionRetired(fd, peer)
			}
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("engine construction failed")
	}

	srv = server.New(server.Config{
		Addr:           cfg.Addr,
		MaxLineBytes:   cfg.MaxLineBytes,
		MaxConnections: cfg.MaxConnections,
	}, eng, logger.With().Str("component", "server").Logger(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(ctx) }()

	go func() {
		ticker := time.NewTicker(cfg.SystemSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sysMetrics.Update()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		status := sysMetrics.Status()
		status["uptime_seconds"] = m.Uptime().Seconds()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	engExited := false
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveDone:
		if err != nil {
			logger.Error().Err(err).Msg("accept loop failed")
		}
	case err := <-engDone:
		engExited = true
		logger.Error().Err(err).Msg("dispatcher exited unexpectedly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	srv.Shutdown()
	eng.Stop()
	cancel()
	if !engExited {
		<-engDone
	}
	logger.Info().Msg("shutdown complete")
}
