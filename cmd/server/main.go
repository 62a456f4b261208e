package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intercom-orchestrator/internal/bridge"
	"intercom-orchestrator/internal/intercom"
	"intercom-orchestrator/internal/platform/config"
	"intercom-orchestrator/internal/platform/logger"
	"intercom-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	bridgePath := config.GetEnv("BRIDGE_CONFIG", "bridges.yaml")
	sweepInterval := config.GetEnvDuration("SWEEP_INTERVAL", intercom.DefaultSweepInterval)
	heartbeatTimeout := config.GetEnvDuration("HEARTBEAT_TIMEOUT", intercom.DefaultHeartbeatTimeout)
	probeInterval := config.GetEnvDuration("PROBE_INTERVAL", 15*time.Second)
	pollTimeout := config.GetEnvDuration("POLL_TIMEOUT", intercom.DefaultPollTimeout)
	sessionTTL := time.Duration(config.GetEnvInt("SESSION_TTL_SECONDS", 7200)) * time.Second

	log := logger.New(logLevel, logFormat)

	bridgeConfigs, err := config.LoadBridges(bridgePath)
	if err != nil {
		log.Error("bridge configuration error", "error", err)
		os.Exit(1)
	}

	pool, err := bridge.NewPool(bridgeConfigs, logger.Component(log, "pool"), bridge.WithProbePeriod(probeInterval))
	if err != nil {
		log.Error("bridge pool error", "error", err)
		os.Exit(1)
	}

	client := bridge.NewClient(nil)
	store := intercom.NewInMemoryStore(sessionTTL)
	met := metrics.New()
	manager := intercom.NewManager(store, client, pool, logger.Component(log, "manager"), met,
		intercom.WithSweepInterval(sweepInterval),
		intercom.WithHeartbeatTimeout(heartbeatTimeout),
	)
	facade := intercom.NewFacade(manager, client, pool, logger.Component(log, "facade"))
	h := intercom.NewHandler(facade, manager, log, met, pollTimeout)

	bg, stopBackground := context.WithCancel(context.Background())
	go pool.Run(bg)
	go manager.Run(bg)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(manager.ActiveSessionCount())
			met.SetHealthyBridges(pool.HealthyCount())
		}).ServeHTTP(w, req)
	})
	h.Register(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"bridges", len(bridgeConfigs),
		"sweep_interval", sweepInterval.String(),
		"probe_interval", probeInterval.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
