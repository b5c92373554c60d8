package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	goredis "github.com/go-redis/redis/v8"

	redisstore "moonlander/internal/store/redis"
)

// ── WS Protocol Message Types ──

// SubscribeMsg is the client → server SUBSCRIBE request.
type SubscribeMsg struct {
	Type        string         `json:"type"`                  // "SUBSCRIBE"
	ReqID       string         `json:"reqId"`                 // client-generated request ID
	Products    []string       `json:"products"`              // e.g. ["BTC-USD", "ETH-USD"]
	Channels    []string       `json:"channels,omitempty"`    // "eval", "tick", "bar"; empty = all
	BarInterval int            `json:"barInterval,omitempty"` // bar interval filter in seconds
	History     HistoryRequest `json:"history"`               // how much snapshot history
}

// HistoryRequest specifies how much history the snapshot should carry.
type HistoryRequest struct {
	Evals int `json:"evals"`
	Bars  int `json:"bars"`
}

// UnsubscribeMsg is the client → server UNSUBSCRIBE request.
type UnsubscribeMsg struct {
	Type     string   `json:"type"` // "UNSUBSCRIBE"
	ReqID    string   `json:"reqId"`
	Products []string `json:"products"`
}

// SnapshotResponse is the server → client SNAPSHOT with historical data.
// Stream payloads pass through as raw JSON; the gateway never re-encodes
// what the pipeline already serialized.
type SnapshotResponse struct {
	Type     string                       `json:"type"` // "SNAPSHOT"
	ReqID    string                       `json:"reqId"`
	Products []string                     `json:"products"`
	Evals    map[string][]json.RawMessage `json:"evals"`
	Bars     map[string][]json.RawMessage `json:"bars,omitempty"`
	Board    json.RawMessage              `json:"board,omitempty"`
	Missions []json.RawMessage            `json:"missions,omitempty"`
}

// ErrorResponse is the server → client ERROR message.
type ErrorResponse struct {
	Type  string `json:"type"` // "ERROR"
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

// ── Subscription State ──

// ClientSubscription holds per-product filter state for a client.
type ClientSubscription struct {
	Product     string
	Channels    []string // channel types to deliver; empty = all
	BarInterval int      // 0 = every interval
}

// wants reports whether the subscription includes a channel type.
func (s *ClientSubscription) wants(chType string) bool {
	if len(s.Channels) == 0 {
		return true
	}
	for _, ch := range s.Channels {
		if ch == chType {
			return true
		}
	}
	return false
}

// ── Redis History Fetching ──

const (
	defaultEvalHistory  = 200
	defaultBarHistory   = 120
	maxHistoryLimit     = 1000
	snapshotMissionRows = 25
)

// BuildSnapshotFromRedis reads historical evaluations, bars, the current
// board and recent missions from Redis for the products in the request.
// Individual stream failures degrade to empty history; live flow is not
// affected.
func BuildSnapshotFromRedis(ctx context.Context, store *redisstore.Reader, intervals []int, msg SubscribeMsg) (*SnapshotResponse, error) {
	evalLimit := clampLimit(msg.History.Evals, defaultEvalHistory)
	barLimit := clampLimit(msg.History.Bars, defaultBarHistory)

	snap := &SnapshotResponse{
		Type:     "SNAPSHOT",
		Products: msg.Products,
		Evals:    make(map[string][]json.RawMessage, len(msg.Products)),
	}

	rdb := store.Client()
	for _, product := range msg.Products {
		rows, err := readStreamRaw(ctx, rdb, "stream:eval:"+product, evalLimit)
		if err != nil {
			log.Printf("[subscribe] eval stream read error for %s: %v", product, err)
			rows = nil
		}
		snap.Evals[product] = rows
	}

	barInterval := msg.BarInterval
	if barInterval <= 0 && len(intervals) > 0 {
		barInterval = intervals[0]
	}
	if msg.History.Bars > 0 && barInterval > 0 {
		snap.Bars = make(map[string][]json.RawMessage, len(msg.Products))
		for _, product := range msg.Products {
			key := fmt.Sprintf("stream:bar:%ds:%s", barInterval, product)
			rows, err := readStreamRaw(ctx, rdb, key, barLimit)
			if err != nil {
				log.Printf("[subscribe] bar stream read error for %s: %v", key, err)
				rows = nil
			}
			snap.Bars[product] = rows
		}
	}

	if board, err := store.LatestBoard(ctx); err == nil && board != nil {
		snap.Board = board
	}

	if missions, err := readStreamRaw(ctx, rdb, "stream:mission", snapshotMissionRows); err == nil {
		snap.Missions = missions
	}

	return snap, nil
}

// readStreamRaw returns up to limit raw payloads from a stream in
// chronological order.
func readStreamRaw(ctx context.Context, rdb *goredis.Client, stream string, limit int) ([]json.RawMessage, error) {
	msgs, err := rdb.XRevRangeN(ctx, stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	// XREVRANGE returns newest first; reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	rows := make([]json.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		rows = append(rows, json.RawMessage(data))
	}
	return rows, nil
}

// clampLimit applies the default when n is unset and caps the result.
func clampLimit(n, def int) int {
	if n <= 0 {
		n = def
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n
}

// rawCount sums rows across a snapshot map for logging.
func rawCount(m map[string][]json.RawMessage) int {
	total := 0
	for _, rows := range m {
		total += len(rows)
	}
	return total
}

// SendJSON marshals and sends a message to the client's send channel.
func SendJSON(c *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[subscribe] json marshal error: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Println("[subscribe] client send buffer full, dropping message")
	}
}

// SendError sends an error response to the client.
func SendError(c *Client, reqID, errMsg string) {
	SendJSON(c, ErrorResponse{
		Type:  "ERROR",
		ReqID: reqID,
		Error: errMsg,
	})
}
