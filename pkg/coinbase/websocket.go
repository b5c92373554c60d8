package coinbase

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"moonlander/internal/model"
)

// StreamConfig holds configuration for the ticker WebSocket stream.
type StreamConfig struct {
	// URL of the ticker WebSocket, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *StreamConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// TickerStream connects to a plain-JSON ticker WebSocket (the simulator's
// /ws endpoint) and delivers model.Tick values through the OnTick
// callback. The expected wire format is identical to model.Tick:
//
//	{"product_id":"BTC-USD","price":50123.5,"ts":"..."}
//
// Between poll cycles this keeps prices, bars and the dashboard
// sub-second without hammering the REST book endpoint. OnTick runs on
// the read loop goroutine and must never block; hand the tick to a ring
// or buffered channel and return.
type TickerStream struct {
	cfg StreamConfig

	// OnTick receives every parsed tick. Required.
	OnTick func(model.Tick)

	// Optional hook — called each time a reconnection happens.
	OnReconnect func()

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewTickerStream creates a stream. Returns an error if the URL is
// unparseable.
func NewTickerStream(cfg StreamConfig) (*TickerStream, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &TickerStream{cfg: cfg}, nil
}

// Start connects and streams ticks into OnTick. Blocks until ctx is
// cancelled. Reconnects automatically on disconnect.
func (s *TickerStream) Start(ctx context.Context) error {
	delay := s.cfg.ReconnectDelay

	for {
		// Check context before each attempt
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := s.runOnce(ctx)
		if err == nil {
			// Context cancelled cleanly
			return nil
		}

		log.Printf("[ticker] disconnected (%v), reconnecting in %s...", err, delay)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// Kick closes the current connection so the reconnect loop dials again.
// Used when the feed is connected but the prices stopped moving. No-op
// when not connected.
func (s *TickerStream) Kick() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
func (s *TickerStream) runOnce(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	log.Printf("[ticker] connected to %s", s.cfg.URL)

	// Async context watcher — closes the connection when ctx is cancelled.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Check if it's a context cancellation
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var tick model.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			log.Printf("[ticker] parse error: %v (raw: %s)", err, raw)
			continue
		}

		if tick.Product == "" {
			log.Printf("[ticker] skipping tick with empty product")
			continue
		}
		if tick.TS.IsZero() {
			tick.TS = time.Now().UTC()
		}

		if s.OnTick != nil {
			s.OnTick(tick)
		}
	}
}
