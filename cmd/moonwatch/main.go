// cmd/moonwatch — Terminal mission dashboard.
// A WebSocket client of the API gateway: live prices, per-order health
// and health history rendered with termdash. Press q to quit.
//
// Usage:
//
//	go run ./cmd/moonwatch --url=ws://localhost:8080/ws --products=BTC-USD,ETH-USD
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"moonlander/internal/gateway"
	"moonlander/internal/model"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
	snapshotWait   = 10 * time.Second
)

// envelope matches the gateway's broadcast frame.
type envelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         time.Time       `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
}

// gatewayClient subscribes to the gateway and feeds envelopes into the
// dashboard, reconnecting with the same backoff the ticker stream uses.
type gatewayClient struct {
	url      string
	products []string
	history  int

	reqSeq int
	conn   *websocket.Conn
}

// dialAndSubscribe connects, sends the SUBSCRIBE request and waits for
// the SNAPSHOT. Global channels may deliver frames before the snapshot
// lands; those are skipped.
func (c *gatewayClient) dialAndSubscribe(ctx context.Context) (*gateway.SnapshotResponse, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.reqSeq++
	sub := gateway.SubscribeMsg{
		Type:     "SUBSCRIBE",
		ReqID:    fmt.Sprintf("moonwatch-%d", c.reqSeq),
		Products: c.products,
		Channels: []string{"eval", "tick"},
		History:  gateway.HistoryRequest{Evals: c.history},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	deadline := time.Now().Add(snapshotWait)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("await snapshot: %w", err)
		}
		var probe struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		switch probe.Type {
		case "SNAPSHOT":
			var snap gateway.SnapshotResponse
			if err := json.Unmarshal(data, &snap); err != nil {
				conn.Close()
				return nil, fmt.Errorf("decode snapshot: %w", err)
			}
			conn.SetReadDeadline(time.Time{})
			c.conn = conn
			return &snap, nil
		case "ERROR":
			conn.Close()
			return nil, fmt.Errorf("gateway refused: %s", probe.Error)
		}
	}
}

// run reads broadcast envelopes into the dashboard until ctx is done.
func (c *gatewayClient) run(ctx context.Context, d *dashboard) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		if c.conn == nil {
			snap, err := c.dialAndSubscribe(ctx)
			if err != nil {
				log.Printf("[moonwatch] reconnect failed: %v (retry in %s)", err, backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = initialBackoff
			log.Printf("[moonwatch] reconnected to %s", c.url)
			feedSnapshot(snap, d)
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("[moonwatch] read error: %v", err)
			c.conn.Close()
			c.conn = nil
			continue
		}
		handleEnvelope(data, d)
	}
}

func handleEnvelope(data []byte, d *dashboard) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	kind := env.Channel
	if i := strings.Index(kind, ":"); i >= 0 {
		kind = kind[:i]
	}
	switch kind {
	case "tick":
		var t model.Tick
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return
		}
		d.send(update{product: t.Product, price: t.Price, direction: string(t.Direction), ts: t.TS})
	case "eval":
		var oe model.OrderEval
		if err := json.Unmarshal(env.Data, &oe); err != nil {
			return
		}
		d.send(evalUpdate(oe))
	}
}

// feedSnapshot replays the snapshot's eval history so the charts refill
// after an outage.
func feedSnapshot(snap *gateway.SnapshotResponse, d *dashboard) {
	for _, rows := range snap.Evals {
		for _, raw := range rows {
			var oe model.OrderEval
			if err := json.Unmarshal(raw, &oe); err != nil {
				continue
			}
			d.send(evalUpdate(oe))
		}
	}
}

func evalUpdate(oe model.OrderEval) update {
	return update{
		product: oe.Eval.Product,
		orderID: oe.Eval.OrderID,
		price:   oe.Eval.Price,
		health:  oe.Eval.Health,
		status:  string(oe.Eval.Status),
		phase:   string(oe.Eval.Phase),
		ts:      oe.Eval.TS,
	}
}

// orderSlots picks the most recent distinct orders from the snapshot's
// eval history. These get bars, buttons and chart series.
func orderSlots(snap *gateway.SnapshotResponse, max int) []string {
	products := make([]string, 0, len(snap.Evals))
	for p := range snap.Evals {
		products = append(products, p)
	}
	sort.Strings(products)

	var slots []string
	seen := make(map[string]bool)
	for _, p := range products {
		rows := snap.Evals[p]
		for i := len(rows) - 1; i >= 0 && len(slots) < max; i-- {
			var oe model.OrderEval
			if err := json.Unmarshal(rows[i], &oe); err != nil {
				continue
			}
			if id := oe.Eval.OrderID; id != "" && !seen[id] {
				seen[id] = true
				slots = append(slots, id)
			}
		}
		if len(slots) >= max {
			break
		}
	}
	return slots
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// Flags
	url := flag.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	productsCSV := flag.String("products", "BTC-USD,ETH-USD,SOL-USD", "Comma-separated products to watch")
	history := flag.Int("history", 120, "Eval history rows to request per product")
	logPath := flag.String("log", "", "Append logs to this file (default: discard once the UI starts)")
	flag.Parse()

	products := parseProducts(*productsCSV)
	if len(products) == 0 {
		log.Fatal("[moonwatch] no products specified")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := &gatewayClient{url: *url, products: products, history: *history}
	snap, err := client.dialAndSubscribe(ctx)
	if err != nil {
		log.Fatalf("[moonwatch] gateway connect failed: %v", err)
	}
	slots := orderSlots(snap, maxOrderSlots)
	log.Printf("[moonwatch] connected: %d products, %d tracked orders", len(products), len(slots))

	// The UI owns the terminal from here; logs go to a file or nowhere.
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("[moonwatch] open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	} else {
		log.SetOutput(io.Discard)
	}

	d := newDashboard(products, slots)
	if err := d.initWidgets(); err != nil {
		fmt.Fprintf(os.Stderr, "moonwatch: %v\n", err)
		os.Exit(1)
	}

	go d.runUpdates(ctx)
	feedSnapshot(snap, d)
	go client.run(ctx, d)

	if err := runDashboard(ctx, cancel, d); err != nil {
		fmt.Fprintf(os.Stderr, "moonwatch: %v\n", err)
		os.Exit(1)
	}
}

func parseProducts(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, strings.ToUpper(part))
		}
	}
	return result
}
