package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	readLimit    = 4096 // SUBSCRIBE messages carry product lists
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Per-client subscriptions, keyed by product
	subMu sync.RWMutex
	subs  map[string]*ClientSubscription
}

// initialFrame is the latest-cache entry format replayed to a fresh
// connection before live broadcasts take over.
type initialFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	TS      string          `json:"ts"`
	Initial bool            `json:"initial"`
}

// queue enqueues a frame without blocking. A slow client loses frames
// rather than stalling the caller.
func (c *Client) queue(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

// sendInitialState pushes the latest-cache to a new connection so the UI
// paints without waiting for fresh broadcasts. lastTS, sent by
// reconnecting clients, suppresses entries they have already seen.
func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = t
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		frame, err := json.Marshal(initialFrame{
			Channel: channel,
			Data:    entry.Data,
			TS:      entry.TS.Format(time.RFC3339Nano),
			Initial: true,
		})
		if err != nil {
			continue
		}
		c.queue(frame)
	}
}

func (c *Client) writePump() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeBatch(msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeBatch writes msg plus everything queued behind it as a single
// newline-separated frame, so a burst of broadcasts does not pay
// per-frame overhead.
func (c *Client) writeBatch(msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(msg)
	for queued := len(c.send); queued > 0; queued-- {
		w.Write([]byte{'\n'})
		w.Write(<-c.send)
	}
	return w.Close()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[api_gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage dispatches one inbound client message.
func (c *Client) handleMessage(msg []byte) {
	var base struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	if json.Unmarshal(msg, &base) != nil {
		return
	}

	switch base.Type {
	case "SUBSCRIBE":
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			SendError(c, "", "invalid SUBSCRIBE: "+err.Error())
			return
		}
		go c.handleSubscribe(sub)

	case "UNSUBSCRIBE":
		var unsub UnsubscribeMsg
		if json.Unmarshal(msg, &unsub) == nil {
			c.handleUnsubscribe(unsub)
		}

	default:
		// Application-level ping/pong for RTT probes
		if base.Ping > 0 {
			c.answerPing(base.Ping)
		}
	}
}

func (c *Client) answerPing(ping int64) {
	pong, _ := json.Marshal(map[string]interface{}{
		"type":      "pong",
		"ping":      ping,
		"server_ts": time.Now().UnixMilli(),
	})
	c.queue(pong)
}

// handleSubscribe processes a SUBSCRIBE message from the client.
func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if len(msg.Products) == 0 {
		SendError(c, msg.ReqID, "products are required")
		return
	}

	c.subMu.Lock()
	if c.subs == nil {
		c.subs = make(map[string]*ClientSubscription)
	}
	for _, product := range msg.Products {
		c.subs[product] = &ClientSubscription{
			Product:     product,
			Channels:    msg.Channels,
			BarInterval: msg.BarInterval,
		}
	}
	c.subMu.Unlock()

	log.Printf("[subscribe] client subscribed: products=%v channels=%v barInterval=%d",
		msg.Products, msg.Channels, msg.BarInterval)

	// Build and send snapshot
	ctx := context.Background()
	snap, err := BuildSnapshotFromRedis(ctx, c.hub.Store, c.hub.BarIntervals, msg)
	if err != nil {
		SendError(c, msg.ReqID, "snapshot build failed: "+err.Error())
		return
	}
	snap.ReqID = msg.ReqID

	SendJSON(c, snap)
	log.Printf("[subscribe] sent snapshot: products=%d evals=%d bars=%d missions=%d",
		len(msg.Products), rawCount(snap.Evals), rawCount(snap.Bars), len(snap.Missions))
}

// handleUnsubscribe removes subscriptions by product.
func (c *Client) handleUnsubscribe(msg UnsubscribeMsg) {
	c.subMu.Lock()
	for _, product := range msg.Products {
		delete(c.subs, product)
	}
	c.subMu.Unlock()

	log.Printf("[subscribe] client unsubscribed: products=%v", msg.Products)
}

// matchesChannel checks if a fan-out channel matches any of this client's
// subscriptions. Returns true if the client should receive this message.
func (c *Client) matchesChannel(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.subs) == 0 {
		// No subscriptions — firehose mode, receive everything
		return true
	}

	parsed := parseChannel(channel)
	if parsed == nil {
		return true // global channel (board, mission, alerts) — always deliver
	}

	sub, ok := c.subs[parsed.product]
	if !ok {
		return false
	}
	if !sub.wants(parsed.chType) {
		return false
	}
	if parsed.chType == "bar" && sub.BarInterval > 0 && parsed.interval != sub.BarInterval {
		return false
	}
	return true
}

// parsedChannel holds the parsed components of a fan-out channel name.
type parsedChannel struct {
	chType   string // "eval", "tick", "bar"
	interval int    // bar interval in seconds, bar channels only
	product  string // "BTC-USD"
}

// parseChannel parses a per-product channel like "eval:BTC-USD" or
// "bar:60s:BTC-USD". Global channels (board, mission, alerts) and anything
// unrecognized return nil.
func parseChannel(channel string) *parsedChannel {
	parts := strings.Split(channel, ":")

	// eval:BTC-USD / tick:BTC-USD  (2 parts)
	if len(parts) == 2 && (parts[0] == "eval" || parts[0] == "tick") {
		return &parsedChannel{chType: parts[0], product: parts[1]}
	}

	// bar:60s:BTC-USD  (3 parts)
	if len(parts) == 3 && parts[0] == "bar" {
		return &parsedChannel{
			chType:   "bar",
			interval: parseIntervalStr(parts[1]),
			product:  parts[2],
		}
	}

	return nil
}

// parseIntervalStr parses "60s" → 60.
func parseIntervalStr(s string) int {
	s = strings.TrimSuffix(s, "s")
	n := 0
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			n = n*10 + int(ch-'0')
		}
	}
	return n
}
