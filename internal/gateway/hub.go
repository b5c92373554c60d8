package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"moonlander/internal/maintenance"
	"moonlander/internal/metrics"
	redisstore "moonlander/internal/store/redis"
)

const (
	clientSendBuffer  = 256
	replayBufferSize  = 500   // envelopes kept per channel for gap backfill
	latencySampleSize = 10000 // e2e latency ring buffer

	// On startup the hub replays this much recent stream history through
	// the broadcaster so the latest-cache and replay buffers start warm.
	primeWindow      = 10 * time.Minute
	primeStreamLimit = 200

	metricsPushInterval = 2 * time.Second
)

// ActiveConfig holds the shared dashboard display configuration.
type ActiveConfig struct {
	Entries []DisplayEntry `json:"entries"`
}

// DisplayEntry pins one product card on the dashboard.
type DisplayEntry struct {
	Product  string `json:"product"`
	Interval int    `json:"interval,omitempty"` // bar interval shown on the card
	Color    string `json:"color,omitempty"`
}

// Hub is the connection registry and shared state for the WS gateway.
// The moving parts live in focused components that all hang off it:
// PubSubRouter consumes Redis and routes payloads in, Broadcaster stamps
// envelopes and fans them out, ConfigStore keeps dashboards in sync.
type Hub struct {
	Store        *redisstore.Reader
	Products     []string
	BarIntervals []int

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry // newest payload per channel, for snapshots
	seq     int64                  // global envelope counter

	channelSeqs map[string]int64         // per-channel counters for gap detection
	replayBufs  map[string]*ReplayBuffer // per-channel backfill buffers

	activeConfig ActiveConfig

	// Latency tracks poll-timestamp to WS-fan-out time end to end.
	Latency *LatencyTracker

	prom  *metrics.GatewayMetrics
	maint *maintenance.Checker

	Router      *PubSubRouter
	Broadcaster *Broadcaster
	ConfigStore *ConfigStore
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// NewHub creates the hub and wires its components. The display config is
// restored from Redis when a previous gateway run persisted one.
func NewHub(store *redisstore.Reader, products []string, barIntervals []int) *Hub {
	h := &Hub{
		Store:        store,
		Products:     products,
		BarIntervals: barIntervals,
		clients:      make(map[*Client]bool),
		latest:       make(map[string]latestEntry),
		channelSeqs:  make(map[string]int64),
		replayBufs:   make(map[string]*ReplayBuffer),
		Latency:      NewLatencyTracker(latencySampleSize),
		activeConfig: ActiveConfig{Entries: []DisplayEntry{}},
	}
	h.Router = NewPubSubRouter(h)
	h.Broadcaster = NewBroadcaster(h)
	h.ConfigStore = NewConfigStore(h, store)
	h.ConfigStore.Load(context.Background())
	return h
}

// SetObservers installs the Prometheus gateway collectors.
func (h *Hub) SetObservers(prom *metrics.GatewayMetrics) {
	h.prom = prom
}

// SetMaintenance installs the maintenance window checker reported in the
// periodic metrics broadcast.
func (h *Hub) SetMaintenance(c *maintenance.Checker) {
	h.maint = c
}

// GetActiveConfig delegates to ConfigStore.
func (h *Hub) GetActiveConfig() ActiveConfig {
	return h.ConfigStore.Get()
}

// SetActiveConfig delegates to ConfigStore.
func (h *Hub) SetActiveConfig(cfg ActiveConfig) {
	h.ConfigStore.Set(cfg)
}

// Run starts the PubSub routing loops. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	go h.Router.RunPattern(ctx)
	h.Router.RunExplicit(ctx)
}

// PrimeFromStreams replays recent stream history through the broadcaster
// so a restarted gateway serves a warm latest-cache and non-empty replay
// buffers. Runs before any client connects; only the caches fill.
func (h *Hub) PrimeFromStreams(ctx context.Context) {
	sinceID := strconv.FormatInt(time.Now().Add(-primeWindow).UnixMilli(), 10)
	total := 0
	for _, product := range h.Products {
		for _, stream := range []string{"stream:eval:" + product, "stream:tick:" + product} {
			entries, err := h.Store.ReplayFrom(ctx, stream, sinceID, primeStreamLimit)
			if err != nil {
				log.Printf("[api_gateway] prime %s: %v", stream, err)
				continue
			}
			channel := strings.TrimPrefix(stream, "stream:")
			for _, e := range entries {
				h.Broadcaster.Broadcast(channel, e.Data)
			}
			total += len(entries)
		}
	}
	if board, err := h.Store.LatestBoard(ctx); err == nil && board != nil {
		h.Broadcaster.Broadcast("board", board)
		total++
	}
	if total > 0 {
		log.Printf("[api_gateway] primed caches with %d stream entries", total)
	}
}

// HandleWSRequest registers an upgraded WebSocket connection and starts
// its pumps.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastTS string) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		hub:  h,
		subs: make(map[string]*ClientSubscription),
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.observeClientCount(count)
	log.Printf("[api_gateway] ws client connected (%d total)", count)

	go client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

// RemoveClient drops a client from the registry and releases its send
// channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	h.observeClientCount(count)
	close(c.send)
}

func (h *Hub) observeClientCount(n int) {
	if h.prom != nil {
		h.prom.WSClients.Set(float64(n))
	}
}

// pushAll enqueues a raw frame to every connected client regardless of
// subscriptions. Used for control frames (metrics, config updates).
func (h *Hub) pushAll(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
		}
	}
}

// GetLatestAll returns a snapshot of the newest payload on every channel.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(h.latest))
	for channel, entry := range h.latest {
		out[channel] = entry.Data
	}
	return out
}

// GetReplayRange returns buffered envelopes for a channel in
// [fromSeq, toSeq]. Serves the /api/missed gap backfill endpoint.
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb := h.replayBufs[channel]
	h.mu.RUnlock()
	if rb == nil {
		return nil
	}
	var out [][]byte
	for _, e := range rb.Range(fromSeq, toSeq) {
		out = append(out, e.Data)
	}
	return out
}

// GetChannelSeq returns the current sequence number for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartMetricsBroadcast pushes a system metrics frame to every client on
// a fixed cadence. Blocks until ctx is cancelled.
func (h *Hub) StartMetricsBroadcast(ctx context.Context, start time.Time) {
	ticker := time.NewTicker(metricsPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pushAll(h.metricsFrame(ctx, start))
		}
	}
}

// metricsFrame assembles the periodic system metrics control frame.
func (h *Hub) metricsFrame(ctx context.Context, start time.Time) []byte {
	now := time.Now().UTC()
	m := CollectMetrics(start)
	if v, ok := ReadBoardAge(ctx, h.Store.Client()); ok {
		m.BoardAgeMs = v
	}
	if h.Latency != nil {
		m.LatencyP50, m.LatencyP95, m.LatencyP99 = h.Latency.Percentiles()
	}

	pollOpen := true
	if h.maint != nil {
		pollOpen = h.maint.Open(now)
	}
	status := "polling"
	if !pollOpen {
		status = "maintenance"
	}

	frame, _ := json.Marshal(map[string]interface{}{
		"type":       "metrics",
		"metrics":    m,
		"pollOpen":   pollOpen,
		"pollStatus": status,
	})
	return frame
}
