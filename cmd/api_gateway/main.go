package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moonlander/config"
	"moonlander/internal/gateway"
	"moonlander/internal/logger"
	"moonlander/internal/maintenance"
	"moonlander/internal/metrics"
	redisstore "moonlander/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[api_gateway] starting...")

	processStart := time.Now()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[api_gateway] config: %v", err)
	}

	store, err := redisstore.NewReader(redisstore.ReaderConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("[api_gateway] redis connection failed: %v", err)
	}
	log.Printf("[api_gateway] redis connected at %s", cfg.RedisAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prom := metrics.NewGatewayMetrics()
	promSrv := metrics.NewPromServer(cfg.GatewayMetricsAddr)
	promSrv.Start()

	hub := gateway.NewHub(store, cfg.ParseProducts(), cfg.ParseBarIntervals())
	hub.SetObservers(prom)

	if cfg.MaintenanceWindows != "" {
		checker, err := maintenance.NewChecker(cfg.MaintenanceWindows)
		if err != nil {
			log.Printf("[api_gateway] WARNING: bad MAINTENANCE_WINDOWS, ignoring: %v", err)
		} else {
			hub.SetMaintenance(checker)
		}
	}

	// Warm the latest-value caches from streams so the first client gets
	// a populated board instead of waiting for live traffic.
	hub.PrimeFromStreams(ctx)

	go hub.Run(ctx)
	go hub.StartMetricsBroadcast(ctx, processStart)

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub, store, cfg.AdminOTPSecret, processStart)

	alog := logger.Init("api_gateway", logger.ParseLevel(cfg.LogLevel))
	srv := &http.Server{
		Addr:    cfg.GatewayAddr,
		Handler: logger.AccessLog(alog, mux),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[api_gateway] ✅ serving at http://localhost%s", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[api_gateway] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[api_gateway] shutting down...")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv.Shutdown(shutCtx)
	promSrv.Stop(shutCtx)
	shutCancel()
	store.Close()
}
