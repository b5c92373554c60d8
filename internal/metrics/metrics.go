package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the mission daemon.
type Metrics struct {
	PollsTotal   prometheus.Counter
	PollErrors   prometheus.Counter
	PollCycleDur prometheus.Histogram

	EvalsTotal     prometheus.Counter
	EvalComputeDur prometheus.Histogram
	TicksTotal     prometheus.Counter
	BarsTotal      *prometheus.CounterVec // labels: interval

	OrdersOpen     prometheus.Gauge
	OrdersByStatus *prometheus.GaugeVec // labels: status

	MissionsTotal *prometheus.CounterVec // labels: outcome
	AlertsTotal   *prometheus.CounterVec // labels: level
	FeedStale     *prometheus.GaugeVec   // labels: product (0=live, 1=stale)

	// Backpressure metrics
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Redis resilience metrics
	RedisWriteDur            prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Maintenance window state
	MaintenanceActive prometheus.Gauge // 0=open, 1=in maintenance
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonlander_polls_total",
			Help: "Total completed poll cycles",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonlander_poll_errors_total",
			Help: "Poll cycle steps that failed (order list, price fetch)",
		}),
		PollCycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "moonlander_poll_cycle_duration_seconds",
			Help:    "Wall time of a full poll cycle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		EvalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonlander_evaluations_total",
			Help: "Total order evaluations computed",
		}),
		EvalComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "moonlander_eval_compute_duration_seconds",
			Help:    "Health evaluation latency per order",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonlander_ticks_total",
			Help: "Total price observations recorded",
		}),
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moonlander_bars_total",
			Help: "Total price bars closed (by interval seconds)",
		}, []string{"interval"}),

		OrdersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moonlander_orders_open",
			Help: "Open orders on the board after the last cycle",
		}),
		OrdersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moonlander_orders_by_status",
			Help: "Open orders by health status",
		}, []string{"status"}),

		MissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moonlander_missions_total",
			Help: "Completed missions by outcome",
		}, []string{"outcome"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moonlander_alerts_total",
			Help: "Alerts emitted by level",
		}, []string{"level"}),
		FeedStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moonlander_feed_stale",
			Help: "Price feed staleness per product (0=live, 1=stale)",
		}, []string{"product"}),

		// Backpressure
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moonlander_fanout_drops_total",
			Help: "Evaluations dropped by the fanout per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moonlander_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		// Redis resilience
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "moonlander_redis_write_duration_seconds",
			Help:    "Redis batch write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moonlander_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonlander_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonlander_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),

		MaintenanceActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moonlander_maintenance_active",
			Help: "Whether a maintenance window is active (0=open, 1=maintenance)",
		}),
	}

	prometheus.MustRegister(
		m.PollsTotal,
		m.PollErrors,
		m.PollCycleDur,
		m.EvalsTotal,
		m.EvalComputeDur,
		m.TicksTotal,
		m.BarsTotal,
		m.OrdersOpen,
		m.OrdersByStatus,
		m.MissionsTotal,
		m.AlertsTotal,
		m.FeedStale,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.MaintenanceActive,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	ExchangeOK      bool      `json:"exchange_ok"`
	LastPollTime    time.Time `json:"last_poll_time"`
	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	MaintenanceOpen bool      `json:"maintenance_open"`
	OpenOrders      int       `json:"open_orders"`
	Products        []string  `json:"products"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		MaintenanceOpen: true,
		StartedAt:       time.Now(),
	}
}

func (h *HealthStatus) SetExchangeOK(v bool) {
	h.mu.Lock()
	h.ExchangeOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPollTime(t time.Time) {
	h.mu.Lock()
	h.LastPollTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetMaintenanceOpen(v bool) {
	h.mu.Lock()
	h.MaintenanceOpen = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetOpenOrders(n int) {
	h.mu.Lock()
	h.OpenOrders = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetProducts(products []string) {
	h.mu.Lock()
	h.Products = products
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Determine overall status
	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.ExchangeOK || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}
	if !h.MaintenanceOpen {
		// Planned downtime is not a failure
		overallStatus = "maintenance"
		httpCode = http.StatusOK
	}

	// Poll age
	pollAge := ""
	if !h.LastPollTime.IsZero() {
		pollAge = time.Since(h.LastPollTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		ExchangeOK      bool     `json:"exchange_ok"`
		LastPollTime    string   `json:"last_poll_time"`
		PollAge         string   `json:"poll_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		MaintenanceOpen bool     `json:"maintenance_open"`
		OpenOrders      int      `json:"open_orders"`
		Products        []string `json:"products"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		ExchangeOK:      h.ExchangeOK,
		LastPollTime:    h.LastPollTime.Format(time.RFC3339),
		PollAge:         pollAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		MaintenanceOpen: h.MaintenanceOpen,
		OpenOrders:      h.OpenOrders,
		Products:        h.Products,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// GatewayMetrics holds Prometheus metrics for the API gateway process.
type GatewayMetrics struct {
	WSClients         prometheus.Gauge
	WSBroadcastsTotal *prometheus.CounterVec // labels: channel_type
	WSDroppedSends    prometheus.Counter
	ReplayServed      prometheus.Counter
}

// NewGatewayMetrics registers and returns the gateway metrics.
func NewGatewayMetrics() *GatewayMetrics {
	g := &GatewayMetrics{
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moonlander_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSBroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moonlander_ws_broadcasts_total",
			Help: "Envelopes broadcast to clients by channel type",
		}, []string{"channel_type"}),
		WSDroppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonlander_ws_dropped_sends_total",
			Help: "Messages dropped because a client send buffer was full",
		}),
		ReplayServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonlander_ws_replay_envelopes_total",
			Help: "Envelopes served from replay buffers for gap recovery",
		}),
	}

	prometheus.MustRegister(
		g.WSClients,
		g.WSBroadcastsTotal,
		g.WSDroppedSends,
		g.ReplayServed,
	)

	return g
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// NewPromServer creates a metrics-only server for processes that expose
// their health elsewhere.
func NewPromServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
