// Package missiond wires the mission control pipeline: the exchange
// poller feeds evaluations and ticks through fan-outs into Redis,
// SQLite, the alert engine, and the bar resampler.
package missiond

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"moonlander/config"
	"moonlander/internal/alerts"
	"moonlander/internal/feed"
	"moonlander/internal/maintenance"
	"moonlander/internal/metrics"
	"moonlander/internal/model"
	"moonlander/internal/notification"
	"moonlander/internal/poller"
	"moonlander/internal/pricefeed"
	"moonlander/internal/ringbuf"
	redisstore "moonlander/internal/store/redis"
	sqlitestore "moonlander/internal/store/sqlite"
	"moonlander/pkg/coinbase"
)

const (
	fanBufferSize   = 1024
	alertBufferSize = 256
	barBufferSize   = 256

	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
	redisBufferLimit    = 10000

	livenessInterval   = 15 * time.Second
	saturationInterval = 15 * time.Second
	registryInterval   = 30 * time.Second

	// WS ticker landing buffer between the socket read loop and the poller.
	tickRingSize = 4096

	// Stale thresholds when prices stream over WS; poll mode scales off
	// the poll interval instead.
	wsStableFor = 30 * time.Second
	wsMaxGrace  = 5 * time.Minute

	// Trend rule fires after this many consecutive health declines.
	trendStreak = 3

	// Ticks and evaluations older than this are pruned at startup.
	// Missions are kept forever.
	historyRetention = 14 * 24 * time.Hour
)

// Service is the top-level orchestrator for mission control.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg *config.Config

	exchange    *coinbase.Client
	redisWriter *redisstore.Writer
	sqlWriter   *sqlitestore.Writer
	buffered    *redisstore.BufferedWriter
	poller      *poller.Poller
	ticker      *coinbase.TickerStream
	prom        *metrics.Metrics
	health      *metrics.HealthStatus
	metricsSrv  *metrics.Server
}

// New creates a new Service from the given Config.
// It connects to the exchange, Redis, and SQLite.
func New(cfg *config.Config) (*Service, error) {
	svc := &Service{
		cfg:    cfg,
		prom:   metrics.NewMetrics(),
		health: metrics.NewHealthStatus(),
	}

	// ---- Exchange client ----
	svc.exchange = coinbase.New(coinbase.Config{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	if cfg.SimMode {
		log.Printf("[missiond] SIM mode: polling %s", cfg.BaseURL)
	}

	// ---- Connect to Redis ----
	var err error
	svc.redisWriter, err = redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, err
	}

	// ---- Open SQLite ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	svc.sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Printf("[missiond] WARNING: sqlite init failed: %v (continuing without local history)", err)
		svc.sqlWriter = nil
	}

	// ---- Build the poller ----
	svc.poller = poller.New(poller.Config{
		Interval:    cfg.PollInterval,
		OrderLimit:  cfg.OrderLimit,
		BookWorkers: cfg.BookWorkers,
		Products:    cfg.ParseProducts(),
	}, svc.exchange)

	return svc, nil
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[missiond] starting Mission Control service...")

	// ---- Maintenance windows ----
	checker, err := maintenance.NewChecker(cfg.MaintenanceWindows)
	if err != nil {
		return fmt.Errorf("maintenance windows: %w", err)
	}
	if cfg.MaintenanceWindows != "" {
		log.Printf("[missiond] maintenance windows: %s", cfg.MaintenanceWindows)
	}
	svc.poller.SetMaintenance(checker)

	// ---- Circuit breaker + buffered Redis writer ----
	cb := redisstore.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout)
	cb.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
		}
	}
	svc.buffered = redisstore.NewBufferedWriter(ctx, svc.redisWriter, cb, redisBufferLimit)
	svc.buffered.OnBuffer = func() { svc.prom.RedisBufferedWrites.Inc() }

	// ---- Prune old history ----
	if svc.sqlWriter != nil {
		if err := svc.sqlWriter.Prune(time.Now().Add(-historyRetention)); err != nil {
			log.Printf("[missiond] prune failed: %v", err)
		}
	}

	// ---- Alert engine ----
	engine := alerts.NewEngine(alertBufferSize)
	statusRule := alerts.NewStatusChangeRule()
	trendRule := alerts.NewTrendRule(trendStreak)
	staleRule := alerts.NewStaleFeedRule()
	if cfg.TickerWS != "" {
		staleRule.Configure(wsStableFor, wsMaxGrace)
	} else {
		staleRule.Configure(3*cfg.PollInterval, 10*cfg.PollInterval)
	}
	engine.Register(statusRule)
	engine.Register(trendRule)
	engine.Register(staleRule)
	svc.poller.OnDepart(statusRule, trendRule)

	// ---- Notifiers ----
	notifiers := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
		log.Println("[missiond] telegram notifier enabled")
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
		log.Println("[missiond] webhook notifier enabled")
	}
	notifier := notification.NewMulti(notifiers...)

	notifyCh := make(chan alerts.Alert, alertBufferSize)
	go svc.teeAlerts(ctx, engine.Alerts(), notifyCh)
	go notification.Run(ctx, notifyCh, notifier)

	// ---- Fan out evaluations and ticks ----
	evalFan := feed.New(fanBufferSize)
	tickFan := feed.NewTickFanOut(fanBufferSize)

	var evalSubs, tickSubs []string
	subEval := func(name string) <-chan model.OrderEval {
		evalSubs = append(evalSubs, name)
		return evalFan.Subscribe()
	}
	subTick := func(name string) <-chan model.Tick {
		tickSubs = append(tickSubs, name)
		return tickFan.Subscribe()
	}

	redisEvalCh := subEval("redis")
	redisTickCh := subTick("redis")

	var sqlEvalCh <-chan model.OrderEval
	var sqlTickCh <-chan model.Tick
	if svc.sqlWriter != nil {
		sqlEvalCh = subEval("sqlite")
		sqlTickCh = subTick("sqlite")
	}

	alertEvalCh := subEval("alerts")
	alertTickCh := subTick("alerts")

	intervals := cfg.ParseBarIntervals()
	var barTickCh <-chan model.Tick
	if len(intervals) > 0 {
		barTickCh = subTick("bars")
	}

	evalFan.OnDrop = func(i int) {
		svc.prom.FanoutDropsTotal.WithLabelValues("eval-" + evalSubs[i]).Inc()
	}
	tickFan.OnDrop = func(i int) {
		svc.prom.FanoutDropsTotal.WithLabelValues("tick-" + tickSubs[i]).Inc()
	}

	go evalFan.Run(ctx, svc.poller.Evals())
	go tickFan.Run(ctx, svc.poller.Ticks())

	// ---- Consumers ----
	go svc.buffered.Run(ctx, redisEvalCh, redisTickCh)
	if svc.sqlWriter != nil {
		go svc.sqlWriter.Run(ctx, sqlEvalCh, sqlTickCh)
	}
	go engine.Run(ctx, alertEvalCh, alertTickCh)

	// ---- Bar resampling ----
	if len(intervals) > 0 {
		svc.startBars(intervals, barTickCh)
	}

	// ---- Wire poller sinks ----
	// The nil check matters: assigning a nil *sqlitestore.Writer directly
	// would hand the poller a non-nil interface wrapping a nil pointer.
	var missionStore model.MissionStore
	if svc.sqlWriter != nil {
		missionStore = svc.sqlWriter
	}
	svc.poller.SetMissionSinks(missionStore, svc.buffered)
	svc.poller.SetBoardPublisher(svc.buffered)
	svc.poller.SetObservers(svc.prom, svc.health)

	// ---- Background reporters ----
	go svc.reportSaturation(ctx, evalFan, tickFan, evalSubs, tickSubs)
	go svc.refreshProductRegistry(ctx)

	// ---- Admin control channel ----
	svc.startAdminSubscriber(ctx)

	// ---- WS ticker ----
	if cfg.TickerWS != "" {
		if err := svc.startTicker(ctx); err != nil {
			log.Printf("[missiond] WARNING: ticker stream init failed: %v (poll-only mode)", err)
		}
	}

	// ---- Liveness checks + metrics server ----
	var sqlDB *sql.DB
	if svc.sqlWriter != nil {
		sqlDB = svc.sqlWriter.DB()
	}
	svc.health.StartLivenessChecker(ctx, svc.redisWriter.Client(), sqlDB, livenessInterval)
	probeCtx, probeCancel := context.WithTimeout(ctx, 2*time.Second)
	svc.health.CheckRedis(probeCtx, svc.redisWriter.Client())
	if sqlDB != nil {
		svc.health.CheckSQLite(probeCtx, sqlDB)
	}
	probeCancel()

	svc.metricsSrv = metrics.NewServer(cfg.MetricsAddr, svc.health)
	svc.metricsSrv.Start()

	// ---- Start polling ----
	go svc.poller.Run(ctx)

	// ---- Startup banner ----
	log.Println("[missiond] ╔════════════════════════════════════════════════════════╗")
	log.Println("[missiond] ║  Mission Control Active                                ║")
	log.Println("[missiond] ║                                                        ║")
	log.Println("[missiond] ║  [Exchange Poll] → [Evaluate] → [Redis + SQLite]       ║")
	log.Printf("[missiond] ║  Poll every %-8s order limit %-4d                 ║", cfg.PollInterval, cfg.OrderLimit)
	log.Println("[missiond] ╚════════════════════════════════════════════════════════╝")
	log.Println("[missiond] ✅ all systems running. Press Ctrl+C to stop.")

	// Block until context cancelled
	<-ctx.Done()

	// ---- Graceful shutdown ----
	svc.shutdown()
	return nil
}

// teeAlerts forwards engine alerts to the notifier channel while
// recording alert metrics and the per-product stale-feed gauge.
func (svc *Service) teeAlerts(ctx context.Context, in <-chan alerts.Alert, out chan<- alerts.Alert) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-in:
			svc.prom.AlertsTotal.WithLabelValues(string(a.Level)).Inc()
			if a.Rule == "stale_feed" && a.Product != "" {
				if a.Level == alerts.LevelWarning {
					svc.prom.FeedStale.WithLabelValues(a.Product).Set(1)
					if svc.ticker != nil {
						log.Printf("[missiond] stale feed on %s, kicking ticker stream", a.Product)
						svc.ticker.Kick()
					}
				} else {
					svc.prom.FeedStale.WithLabelValues(a.Product).Set(0)
				}
			}
			if data, err := json.Marshal(a); err == nil {
				pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if err := svc.redisWriter.PublishAlert(pubCtx, data); err != nil {
					log.Printf("[missiond] alert publish failed: %v", err)
				}
				cancel()
			}
			select {
			case out <- a:
			default:
				log.Printf("[missiond] notify channel full, dropping %s alert", a.Rule)
			}
		}
	}
}

// startBars resamples the tick stream into OHLC bars and forwards both
// forming and finalized bars to Redis.
func (svc *Service) startBars(intervals []int, tickCh <-chan model.Tick) {
	builder := pricefeed.NewBarBuilder(intervals)
	builder.OnBar = func(b model.PriceBar) {
		svc.prom.BarsTotal.WithLabelValues(strconv.Itoa(b.Interval)).Inc()
	}

	barCh := make(chan model.PriceBar, barBufferSize)
	go func() {
		builder.Run(tickCh, barCh)
		close(barCh)
	}()
	go func() {
		for b := range barCh {
			if err := svc.buffered.WriteBar(b); err != nil {
				log.Printf("[missiond] bar write failed: %v", err)
			}
		}
	}()
	log.Printf("[missiond] resampling bars at intervals %v", intervals)
}

// reportSaturation samples fan-out channel fill levels for the
// saturation gauges. Names line up with the Subscribe order.
func (svc *Service) reportSaturation(ctx context.Context, evalFan *feed.FanOut, tickFan *feed.TickFanOut, evalSubs, tickSubs []string) {
	ticker := time.NewTicker(saturationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, st := range evalFan.ChannelStats() {
				pct := float64(st.Len) / float64(st.Cap) * 100
				svc.prom.ChannelSaturationPct.WithLabelValues("eval-" + evalSubs[i]).Set(pct)
			}
			for i, st := range tickFan.ChannelStats() {
				pct := float64(st.Len) / float64(st.Cap) * 100
				svc.prom.ChannelSaturationPct.WithLabelValues("tick-" + tickSubs[i]).Set(pct)
			}
		}
	}
}

// refreshProductRegistry periodically advertises the products the poller
// is tracking so downstream consumers can discover tick streams.
func (svc *Service) refreshProductRegistry(ctx context.Context) {
	ticker := time.NewTicker(registryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			products := svc.poller.Products()
			if len(products) == 0 {
				continue
			}
			regCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := svc.redisWriter.RegisterProducts(regCtx, products); err != nil {
				log.Printf("[missiond] product registry update failed: %v", err)
			}
			cancel()
		}
	}
}

// startTicker attaches the streaming price feed. WS frames land in an
// SPSC ring so the socket read loop never blocks on the pipeline; the
// poller drains the ring into its tracker and tick stream.
func (svc *Service) startTicker(ctx context.Context) error {
	stream, err := coinbase.NewTickerStream(coinbase.StreamConfig{URL: svc.cfg.TickerWS})
	if err != nil {
		return err
	}

	ring := ringbuf.New(tickRingSize)
	stream.OnTick = func(t model.Tick) {
		ring.Push(t)
	}
	svc.poller.AttachTickerRing(ring)
	svc.ticker = stream

	go func() {
		if err := stream.Start(ctx); err != nil {
			log.Printf("[missiond] ticker stream: %v", err)
		}
	}()
	log.Printf("[missiond] WS ticker enabled: %s", svc.cfg.TickerWS)
	return nil
}

// startAdminSubscriber listens on Redis PubSub for poller control commands
// published by the gateway's admin endpoints.
func (svc *Service) startAdminSubscriber(ctx context.Context) {
	go func() {
		pubsub := svc.redisWriter.Client().Subscribe(ctx, "admin:poller")
		defer pubsub.Close()
		log.Println("[missiond] subscribed to admin:poller for remote control")

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				log.Printf("[missiond] received admin command: %s", msg.Payload)
				switch msg.Payload {
				case "restart":
					svc.poller.Poke()
				case "pause":
					svc.poller.Pause()
				case "resume":
					svc.poller.Resume()
				default:
					log.Printf("[missiond] unknown admin command %q ignored", msg.Payload)
				}
			}
		}
	}()
}

// shutdown drains the pipeline and closes connections.
func (svc *Service) shutdown() {
	log.Println("[missiond] shutdown signal received, draining pipeline...")

	// The poller closes its channels on cancel; give the fan-outs and
	// writers a moment to flush their final batches.
	time.Sleep(500 * time.Millisecond)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutCancel()
	svc.metricsSrv.Stop(shutCtx)

	if n := svc.buffered.PendingCount(); n > 0 {
		log.Printf("[missiond] WARNING: %d buffered redis writes not flushed before shutdown", n)
	}

	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	svc.buffered.Close()

	log.Println("[missiond] shutdown complete.")
}
