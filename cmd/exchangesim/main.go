// cmd/exchangesim — Local simulated exchange.
// Streams random-walk ticker data over WebSocket and serves the two
// brokerage REST endpoints the poller calls, backed by an in-memory order
// set that fills and cancels over time. Point CB_BASE_URL and
// CB_TICKER_WS at it and the whole stack runs without credentials.
//
// Tick JSON shape is identical to model.Tick (direction is computed by
// the consumer's own tracker, so it is omitted here):
//
//	{"product_id":"BTC-USD","price":50123.5,"ts":"..."}
//
// Config (env vars):
//
//	SIM_ADDR          — listen address  (default: ":9001")
//	SIM_PRODUCTS      — comma-separated product IDs (default: "BTC-USD,ETH-USD,SOL-USD")
//	SIM_INTERVAL_MS   — tick interval milliseconds (default: "500")
//	SIM_SLIPPAGE_BPS  — fill slippage in basis points (default: "5")
//
// The -scenario flag picks the seeded order set: mixed (default),
// winners, losers or quiet.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	statusOpen      = "OPEN"
	statusFilled    = "FILLED"
	statusCancelled = "CANCELLED"

	sideBuy  = "BUY"
	sideSell = "SELL"

	kindLimit     = "limit"
	kindBracket   = "bracket"
	kindStopLimit = "stop_limit"
	kindMarket    = "market"

	// takerFeeBps is charged on every simulated fill's notional.
	takerFeeBps = 40
)

// ─── Wire types ───────────────────────────────────────────────────────────────

// tickMsg mirrors model.Tick for JSON serialisation.
type tickMsg struct {
	ProductID string    `json:"product_id"`
	Price     float64   `json:"price"`
	TS        time.Time `json:"ts"`
}

type jsonLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type jsonBook struct {
	ProductID string      `json:"product_id"`
	Bids      []jsonLevel `json:"bids"`
	Asks      []jsonLevel `json:"asks"`
}

type bookResponse struct {
	PriceBook jsonBook `json:"pricebook"`
}

type limitCfg struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	EndTime    string `json:"end_time,omitempty"`
}

type bracketCfg struct {
	BaseSize         string `json:"base_size"`
	LimitPrice       string `json:"limit_price"`
	StopTriggerPrice string `json:"stop_trigger_price"`
	EndTime          string `json:"end_time,omitempty"`
}

type stopLimitCfg struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	StopPrice  string `json:"stop_price"`
	EndTime    string `json:"end_time,omitempty"`
}

type marketCfg struct {
	BaseSize string `json:"base_size,omitempty"`
}

// orderConfig is the exchange's one-of envelope: exactly one field set.
type orderConfig struct {
	LimitGTC     *limitCfg     `json:"limit_limit_gtc,omitempty"`
	LimitGTD     *limitCfg     `json:"limit_limit_gtd,omitempty"`
	BracketGTC   *bracketCfg   `json:"trigger_bracket_gtc,omitempty"`
	BracketGTD   *bracketCfg   `json:"trigger_bracket_gtd,omitempty"`
	StopLimitGTC *stopLimitCfg `json:"stop_limit_stop_limit_gtc,omitempty"`
	StopLimitGTD *stopLimitCfg `json:"stop_limit_stop_limit_gtd,omitempty"`
	MarketIOC    *marketCfg    `json:"market_market_ioc,omitempty"`
}

type jsonOrder struct {
	OrderID            string      `json:"order_id"`
	ProductID          string      `json:"product_id"`
	Side               string      `json:"side"`
	Status             string      `json:"status"`
	CreatedTime        time.Time   `json:"created_time"`
	LastFillTime       string      `json:"last_fill_time"`
	AverageFilledPrice string      `json:"average_filled_price"`
	FilledSize         string      `json:"filled_size"`
	TotalFees          string      `json:"total_fees"`
	OrderConfiguration orderConfig `json:"order_configuration"`
}

type ordersResponse struct {
	Orders  []jsonOrder `json:"orders"`
	HasNext bool        `json:"has_next"`
	Cursor  string      `json:"cursor"`
}

// ─── Prices ───────────────────────────────────────────────────────────────────

// priceTable holds the current simulated price per product.
type priceTable struct {
	mu sync.Mutex
	px map[string]float64
}

func newPriceTable(products []string) *priceTable {
	px := make(map[string]float64, len(products))
	for _, p := range products {
		px[p] = seedPrice(p)
	}
	return &priceTable{px: px}
}

// step advances every product one random-walk tick and returns a snapshot.
func (t *priceTable) step() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[string]float64, len(t.px))
	for p, v := range t.px {
		v = walkPrice(v)
		t.px[p] = v
		snap[p] = v
	}
	return snap
}

func (t *priceTable) get(product string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.px[product]
	return v, ok
}

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price float64) float64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next <= 0 {
		next = price
	}
	return next
}

func seedPrice(product string) float64 {
	switch {
	case strings.HasPrefix(product, "BTC"):
		return 50000
	case strings.HasPrefix(product, "ETH"):
		return 3000
	case strings.HasPrefix(product, "SOL"):
		return 150
	case strings.HasPrefix(product, "DOGE"):
		return 0.12
	}
	return 100
}

// ─── Orders ───────────────────────────────────────────────────────────────────

// simOrder is the mutable exchange-side state for one order. Prices are
// plain floats here; they go out on the wire as decimal strings.
type simOrder struct {
	ID       string
	Product  string
	Side     string
	Kind     string
	Status   string
	Created  time.Time
	BaseSize float64

	Limit float64 // limit / take-profit leg
	Stop  float64 // stop trigger

	GTD      bool
	CancelAt time.Time // zero means no expiry

	AvgFill  float64
	FilledSz float64
	Fees     float64
	FilledAt time.Time
}

// orderSet holds every order the sim has issued, open and terminal.
type orderSet struct {
	mu          sync.Mutex
	orders      []*simOrder
	slippageBps int
}

func newOrderSet(slippageBps int) *orderSet {
	return &orderSet{slippageBps: slippageBps}
}

// seed populates the set for a named scenario. Spot prices are read once
// at startup so the bound math does not depend on how far the walk has
// already drifted.
func (s *orderSet) seed(scenario string, products []string, pt *priceTable, start time.Time) (int, error) {
	var orders []*simOrder
	for i, product := range products {
		spot, ok := pt.get(product)
		if !ok {
			continue
		}
		created := start.Add(-time.Duration(i+1) * time.Minute)
		switch scenario {
		case "mixed":
			orders = append(orders,
				bracketSell(product, created, spot, 2.0, 2.0, 0.5),
				limitBuy(product, created.Add(10*time.Second), spot, 0.5, 0.25),
				stopLimitSell(product, created.Add(20*time.Second), spot, 3.0, 0.5),
				limitSellGTD(product, created.Add(30*time.Second), spot, 3.0, 0.1, start.Add(90*time.Second)),
				filledMarketBuy(product, created.Add(-time.Hour), spot, 0.75),
			)
		case "winners":
			orders = append(orders, bracketSell(product, created, spot, 0.3, 3.0, 0.5))
		case "losers":
			orders = append(orders, bracketSell(product, created, spot, 3.0, 0.3, 0.5))
		case "quiet":
		default:
			return 0, fmt.Errorf("unknown scenario %q (want mixed, winners, losers or quiet)", scenario)
		}
	}
	s.mu.Lock()
	s.orders = orders
	s.mu.Unlock()
	return len(orders), nil
}

func baseOrder(product, side, kind string, created time.Time, size float64) *simOrder {
	return &simOrder{
		ID:       uuid.NewString(),
		Product:  product,
		Side:     side,
		Kind:     kind,
		Status:   statusOpen,
		Created:  created,
		BaseSize: size,
	}
}

// bracketSell exits a position with a take-profit tpPct above spot and a
// stop slPct below.
func bracketSell(product string, created time.Time, spot, tpPct, slPct, size float64) *simOrder {
	o := baseOrder(product, sideSell, kindBracket, created, size)
	o.Limit = spot * (1 + tpPct/100)
	o.Stop = spot * (1 - slPct/100)
	return o
}

// limitBuy rests belowPct under spot; the walk usually crosses it within
// a few minutes.
func limitBuy(product string, created time.Time, spot, belowPct, size float64) *simOrder {
	o := baseOrder(product, sideBuy, kindLimit, created, size)
	o.Limit = spot * (1 - belowPct/100)
	return o
}

func stopLimitSell(product string, created time.Time, spot, stopPct, size float64) *simOrder {
	o := baseOrder(product, sideSell, kindStopLimit, created, size)
	o.Stop = spot * (1 - stopPct/100)
	o.Limit = o.Stop * 0.999 // accept a hair under the trigger
	return o
}

// limitSellGTD rests abovePct over spot and expires at end.
func limitSellGTD(product string, created time.Time, spot, abovePct, size float64, end time.Time) *simOrder {
	o := baseOrder(product, sideSell, kindLimit, created, size)
	o.Limit = spot * (1 + abovePct/100)
	o.GTD = true
	o.CancelAt = end
	return o
}

// filledMarketBuy is already done when the sim starts, so the filled
// listing has content on the first poll.
func filledMarketBuy(product string, created time.Time, spot, size float64) *simOrder {
	o := baseOrder(product, sideBuy, kindMarket, created, size)
	o.Status = statusFilled
	o.AvgFill = spot
	o.FilledSz = size
	o.Fees = spot * size * takerFeeBps / 10000
	o.FilledAt = created.Add(time.Second)
	return o
}

// step walks the open orders against the latest prices: expiries cancel,
// crossed bounds fill.
func (s *orderSet) step(px map[string]float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Status != statusOpen {
			continue
		}
		if !o.CancelAt.IsZero() && now.After(o.CancelAt) {
			o.Status = statusCancelled
			log.Printf("[exchangesim] cancel: %s %s %s (expired)", o.Side, o.Product, shortID(o.ID))
			continue
		}
		p, ok := px[o.Product]
		if !ok {
			continue
		}
		if ref, hit := o.crossed(p); hit {
			s.fill(o, ref, now)
		}
	}
}

// crossed reports whether the current price triggers the order, and the
// reference price it executes against.
func (o *simOrder) crossed(p float64) (float64, bool) {
	switch o.Kind {
	case kindLimit:
		if o.Side == sideBuy && p <= o.Limit {
			return o.Limit, true
		}
		if o.Side == sideSell && p >= o.Limit {
			return o.Limit, true
		}
	case kindBracket:
		if p >= o.Limit {
			return o.Limit, true // take-profit leg
		}
		if p <= o.Stop {
			return o.Stop, true // stop leg
		}
	case kindStopLimit:
		if p <= o.Stop {
			return o.Limit, true
		}
	}
	return 0, false
}

// fill executes at ref with slippage against the taker: buys pay up,
// sells receive less.
func (s *orderSet) fill(o *simOrder, ref float64, now time.Time) {
	slip := ref * float64(s.slippageBps) / 10000
	px := ref
	if o.Side == sideBuy {
		px += slip
	} else {
		px -= slip
	}
	o.Status = statusFilled
	o.AvgFill = px
	o.FilledSz = o.BaseSize
	o.Fees = px * o.BaseSize * takerFeeBps / 10000
	o.FilledAt = now
	log.Printf("[exchangesim] fill: %s %s %s size=%s px=%s",
		o.Side, o.Product, shortID(o.ID), fmtPrice(o.BaseSize), fmtPrice(px))
}

// list returns matching orders newest-first, already in wire form.
// status "" matches everything.
func (s *orderSet) list(status string) []jsonOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jsonOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o.wire())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTime.After(out[j].CreatedTime) })
	return out
}

func (o *simOrder) wire() jsonOrder {
	w := jsonOrder{
		OrderID:            o.ID,
		ProductID:          o.Product,
		Side:               o.Side,
		Status:             o.Status,
		CreatedTime:        o.Created,
		AverageFilledPrice: "0",
		FilledSize:         "0",
		TotalFees:          "0",
	}
	if o.Status == statusFilled {
		w.LastFillTime = o.FilledAt.Format(time.RFC3339)
		w.AverageFilledPrice = fmtPrice(o.AvgFill)
		w.FilledSize = fmtPrice(o.FilledSz)
		w.TotalFees = fmtPrice(o.Fees)
	}

	size := fmtPrice(o.BaseSize)
	var end string
	if o.GTD && !o.CancelAt.IsZero() {
		end = o.CancelAt.Format(time.RFC3339)
	}
	switch o.Kind {
	case kindLimit:
		cfg := &limitCfg{BaseSize: size, LimitPrice: fmtPrice(o.Limit), EndTime: end}
		if o.GTD {
			w.OrderConfiguration.LimitGTD = cfg
		} else {
			w.OrderConfiguration.LimitGTC = cfg
		}
	case kindBracket:
		cfg := &bracketCfg{BaseSize: size, LimitPrice: fmtPrice(o.Limit), StopTriggerPrice: fmtPrice(o.Stop), EndTime: end}
		if o.GTD {
			w.OrderConfiguration.BracketGTD = cfg
		} else {
			w.OrderConfiguration.BracketGTC = cfg
		}
	case kindStopLimit:
		cfg := &stopLimitCfg{BaseSize: size, LimitPrice: fmtPrice(o.Limit), StopPrice: fmtPrice(o.Stop), EndTime: end}
		if o.GTD {
			w.OrderConfiguration.StopLimitGTD = cfg
		} else {
			w.OrderConfiguration.StopLimitGTC = cfg
		}
	case kindMarket:
		w.OrderConfiguration.MarketIOC = &marketCfg{BaseSize: size}
	}
	return w
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(c *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[c] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[c]; ok {
		close(ch)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	c.Close()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop tick
		}
	}
	h.mu.Unlock()
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true }, // local tool
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[exchangesim] upgrade failed: %v", err)
			return
		}
		log.Printf("[exchangesim] client connected: %s", conn.RemoteAddr())
		ch := h.register(conn)

		// Writer: drain the outbound channel until unregister closes it.
		go func() {
			for msg := range ch {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		// Reader: clients never send anything meaningful; exit on close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		log.Printf("[exchangesim] client disconnected: %s", conn.RemoteAddr())
		h.unregister(conn)
	}
}

// ─── REST handlers ────────────────────────────────────────────────────────────

func bookHandler(pt *priceTable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		product := r.URL.Query().Get("product_id")
		px, ok := pt.get(product)
		if !ok {
			http.Error(w, `{"error":"unknown product_id"}`, http.StatusNotFound)
			return
		}
		// One synthetic level each side, 2bps half-spread.
		resp := bookResponse{PriceBook: jsonBook{
			ProductID: product,
			Bids:      []jsonLevel{{Price: fmtPrice(px * (1 - 0.0002)), Size: "0.5"}},
			Asks:      []jsonLevel{{Price: fmtPrice(px * (1 + 0.0002)), Size: "0.5"}},
		}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func ordersHandler(set *orderSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 50
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		offset := 0
		if v := q.Get("cursor"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		matched := set.list(q.Get("order_status"))
		resp := ordersResponse{Orders: []jsonOrder{}}
		if offset < len(matched) {
			end := offset + limit
			if end > len(matched) {
				end = len(matched)
			}
			resp.Orders = matched[offset:end]
			if end < len(matched) {
				resp.HasNext = true
				resp.Cursor = strconv.Itoa(end)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

func runGenerator(h *hub, pt *priceTable, set *orderSet, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now().UTC()
		snap := pt.step()
		set.step(snap, now)
		for product, px := range snap {
			b, err := json.Marshal(tickMsg{ProductID: product, Price: px, TS: now})
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[exchangesim] starting simulated exchange...")

	scenario := flag.String("scenario", "mixed", "seeded order set: mixed, winners, losers or quiet")
	flag.Parse()

	// Config
	addr := envOrDefault("SIM_ADDR", ":9001")
	products := parseProducts(envOrDefault("SIM_PRODUCTS", "BTC-USD,ETH-USD,SOL-USD"))
	intervalMs := envIntOrDefault("SIM_INTERVAL_MS", 500)
	slippageBps := envIntOrDefault("SIM_SLIPPAGE_BPS", 5)

	if len(products) == 0 {
		log.Fatalf("[exchangesim] no products configured via SIM_PRODUCTS")
	}
	log.Printf("[exchangesim] products: %v", products)
	log.Printf("[exchangesim] tick interval: %dms, slippage: %dbps", intervalMs, slippageBps)

	pt := newPriceTable(products)
	set := newOrderSet(slippageBps)
	n, err := set.seed(*scenario, products, pt, time.Now().UTC())
	if err != nil {
		log.Fatalf("[exchangesim] %v", err)
	}
	log.Printf("[exchangesim] scenario %q seeded %d orders", *scenario, n)

	h := newHub()

	// Start tick generator
	go runGenerator(h, pt, set, intervalMs)

	// HTTP routes
	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/api/v3/brokerage/product_book", bookHandler(pt))
	http.HandleFunc("/api/v3/brokerage/orders/historical/batch", ordersHandler(set))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"exchangesim"}`)
	})

	log.Printf("[exchangesim] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[exchangesim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseProducts(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, strings.ToUpper(part))
		}
	}
	return result
}

// fmtPrice renders a float the way the exchange does: a plain decimal
// string with no exponent.
func fmtPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
