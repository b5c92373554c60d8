package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	redisstore "moonlander/internal/store/redis"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-OTP")
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, store *redisstore.Reader, adminSecret string, processStart time.Time) {
	// WebSocket endpoint
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[api_gateway] ws upgrade error: %v", err)
			return
		}
		lastTS := r.URL.Query().Get("last_ts")
		hub.HandleWSRequest(conn, lastTS)
	})

	// REST: current board snapshot
	mux.HandleFunc("/api/board", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		data, err := store.LatestBoard(r.Context())
		if err != nil {
			http.Error(w, `{"error":"board read failed"}`, http.StatusBadGateway)
			return
		}
		if data == nil {
			w.Write([]byte(`{"rows":[]}`))
			return
		}
		w.Write(data)
	})

	// REST: completed missions, newest first
	mux.HandleFunc("/api/missions", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		limit := queryLimit(r, "limit", 50, 500)
		missions, err := store.Missions(r.Context(), limit)
		if err != nil {
			json.NewEncoder(w).Encode([]interface{}{})
			return
		}
		json.NewEncoder(w).Encode(missions)
	})

	// REST: evaluation history for one product
	mux.HandleFunc("/api/evals/", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		product := strings.TrimPrefix(r.URL.Path, "/api/evals/")
		if product == "" {
			http.Error(w, `{"error":"product is required"}`, http.StatusBadRequest)
			return
		}
		limit := queryLimit(r, "limit", 200, 1000)
		evals, err := store.ReadEvals(r.Context(), product, limit)
		if err != nil {
			json.NewEncoder(w).Encode([]interface{}{})
			return
		}
		json.NewEncoder(w).Encode(evals)
	})

	// REST: historical bars from Redis streams
	mux.HandleFunc("/api/bars/", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		product := strings.TrimPrefix(r.URL.Path, "/api/bars/")
		if product == "" {
			http.Error(w, `{"error":"product is required"}`, http.StatusBadRequest)
			return
		}

		interval, _ := strconv.Atoi(r.URL.Query().Get("interval"))
		if interval <= 0 {
			interval = 60
			if len(hub.BarIntervals) > 0 {
				interval = hub.BarIntervals[0]
			}
		}
		limit := queryLimit(r, "limit", 200, 1000)

		streamKey := fmt.Sprintf("stream:bar:%ds:%s", interval, product)

		// Paging: "before" bounds the stream read by timestamp
		upperBound := "+"
		if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
			if t, err := time.Parse(time.RFC3339Nano, beforeStr); err == nil {
				upperBound = fmt.Sprintf("%d-0", t.UnixMilli()-1)
			} else if t, err := time.Parse(time.RFC3339, beforeStr); err == nil {
				upperBound = fmt.Sprintf("%d-0", t.UnixMilli()-1)
			}
		}

		msgs, err := store.Client().XRevRangeN(r.Context(), streamKey, upperBound, "-", int64(limit)).Result()
		if err != nil {
			json.NewEncoder(w).Encode([]interface{}{})
			return
		}

		// Reverse to chronological order
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}

		bars := make([]BarOut, 0, len(msgs))
		for _, msg := range msgs {
			dataStr, ok := msg.Values["data"].(string)
			if !ok {
				continue
			}
			var b BarOut
			if err := json.Unmarshal([]byte(dataStr), &b); err != nil {
				continue
			}
			if b.TS != "" {
				bars = append(bars, b)
			}
		}

		json.NewEncoder(w).Encode(bars)
	})

	// REST: products with live tick streams
	mux.HandleFunc("/api/products", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		products, err := store.Products(r.Context())
		if err != nil || len(products) == 0 {
			// Fall back to the configured allowlist
			products = hub.Products
		}
		if products == nil {
			products = []string{}
		}
		sort.Strings(products)
		json.NewEncoder(w).Encode(products)
	})

	// REST: available bar intervals
	mux.HandleFunc("/api/intervals", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		list := make([]IntervalInfo, len(hub.BarIntervals))
		for i, iv := range hub.BarIntervals {
			list[i] = IntervalInfo{Seconds: iv, Label: IntervalLabel(iv)}
		}
		json.NewEncoder(w).Encode(list)
	})

	// REST: latest value per fan-out channel
	mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.GetLatestAll())
	})

	// REST: GET/POST display config
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if r.Method == "POST" {
			var req ActiveConfig
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
				return
			}
			hub.SetActiveConfig(req)
			log.Printf("[api_gateway] display config updated: %d entries", len(req.Entries))
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}

		// GET
		json.NewEncoder(w).Encode(hub.GetActiveConfig())
	})

	// REST: system metrics snapshot
	mux.HandleFunc("/api/metrics/system", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		m := CollectMetrics(processStart)
		if v, ok := ReadBoardAge(r.Context(), store.Client()); ok {
			m.BoardAgeMs = v
		}
		if hub.Latency != nil {
			m.LatencyP50, m.LatencyP95, m.LatencyP99 = hub.Latency.Percentiles()
		}
		json.NewEncoder(w).Encode(m)
	})

	// REST: replay buffered envelopes for client gap backfill
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		channel := r.URL.Query().Get("channel")
		if channel == "" {
			http.Error(w, `{"error":"channel is required"}`, http.StatusBadRequest)
			return
		}
		fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)
		toSeq, _ := strconv.ParseInt(r.URL.Query().Get("to_seq"), 10, 64)
		if toSeq <= 0 {
			toSeq = hub.GetChannelSeq(channel)
		}

		envelopes := hub.GetReplayRange(channel, fromSeq, toSeq)
		if hub.prom != nil && len(envelopes) > 0 {
			hub.prom.ReplayServed.Add(float64(len(envelopes)))
		}

		out := make([]json.RawMessage, len(envelopes))
		for i, e := range envelopes {
			out[i] = json.RawMessage(e)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"channel":     channel,
			"from_seq":    fromSeq,
			"to_seq":      toSeq,
			"current_seq": hub.GetChannelSeq(channel),
			"envelopes":   out,
		})
	})

	// Admin: poller remote control, gated by a TOTP passcode
	if adminSecret != "" {
		mux.HandleFunc("/api/admin/restart-poll", adminHandler(store, adminSecret, "restart"))
		mux.HandleFunc("/api/admin/pause-poll", adminHandler(store, adminSecret, "pause"))
		mux.HandleFunc("/api/admin/resume-poll", adminHandler(store, adminSecret, "resume"))
	}

	// Health endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		redisOK := true
		if err := store.Client().Ping(r.Context()).Err(); err != nil {
			redisOK = false
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "ok",
			"redis":      redisOK,
			"ws_clients": hub.ClientCount(),
			"uptime_sec": int64(time.Since(processStart).Seconds()),
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// adminHandler publishes a poller control command after validating the
// one-time passcode from the X-Admin-OTP header.
func adminHandler(store *redisstore.Reader, secret, command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
			return
		}

		code := r.Header.Get("X-Admin-OTP")
		if code == "" || !totp.Validate(code, secret) {
			log.Printf("[api_gateway] admin %s rejected: bad OTP", command)
			http.Error(w, `{"error":"invalid OTP"}`, http.StatusUnauthorized)
			return
		}

		if err := store.Publish(r.Context(), "admin:poller", command); err != nil {
			log.Printf("[api_gateway] admin %s publish failed: %v", command, err)
			http.Error(w, `{"error":"command publish failed"}`, http.StatusBadGateway)
			return
		}

		log.Printf("[api_gateway] admin command accepted: %s", command)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "command": command})
	}
}

// queryLimit parses a positive integer query parameter with a default and cap.
func queryLimit(r *http.Request, name string, def, max int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			if n > max {
				return max
			}
			return n
		}
	}
	return def
}
