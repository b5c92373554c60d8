package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"moonlander/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader serves the gateway's REST surface from the keys and streams the
// writer maintains. Evaluation flow stays on in-process channels, so
// plain reads and pub/sub are enough here.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// Client returns the underlying Redis client.
func (r *Reader) Client() *goredis.Client { return r.client }

// LatestBoard returns the newest board snapshot as raw JSON, nil when no
// snapshot has been published yet.
func (r *Reader) LatestBoard(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, "board:latest").Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get board:latest: %w", err)
	}
	return data, nil
}

// LatestEval returns the newest evaluation for one order, nil when the
// key is missing or expired.
func (r *Reader) LatestEval(ctx context.Context, product, orderID string) (*model.OrderEval, error) {
	key := "eval:latest:" + product + ":" + orderID
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var oe model.OrderEval
	if err := json.Unmarshal([]byte(data), &oe); err != nil {
		return nil, fmt.Errorf("unmarshal eval %s: %w", key, err)
	}
	return &oe, nil
}

// ReadEvals returns up to limit evaluations for a product in
// chronological order, newest window first trimmed from the stream tail.
func (r *Reader) ReadEvals(ctx context.Context, product string, limit int) ([]model.Evaluation, error) {
	stream := "stream:eval:" + product
	msgs, err := r.client.XRevRangeN(ctx, stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", stream, err)
	}

	evals := make([]model.Evaluation, 0, len(msgs))
	// XREVRANGE returns newest first; reverse while decoding.
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var oe model.OrderEval
		if err := json.Unmarshal([]byte(data), &oe); err != nil {
			log.Printf("[redis-reader] unmarshal eval error: %v", err)
			continue
		}
		evals = append(evals, oe.Eval)
	}
	return evals, nil
}

// Missions returns the newest missions first, up to limit.
func (r *Reader) Missions(ctx context.Context, limit int) ([]model.Mission, error) {
	msgs, err := r.client.XRevRangeN(ctx, "stream:mission", "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange stream:mission: %w", err)
	}

	missions := make([]model.Mission, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var m model.Mission
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			log.Printf("[redis-reader] unmarshal mission error: %v", err)
			continue
		}
		missions = append(missions, m)
	}
	return missions, nil
}

// Products returns the active product set the writer maintains.
func (r *Reader) Products(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, "products:active").Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis smembers products:active: %w", err)
	}
	return members, nil
}

// StreamEntry is one raw stream message for replay priming.
type StreamEntry struct {
	ID   string
	Data []byte
}

// ReplayFrom reads messages from a stream after startID (exclusive), up
// to limit. Use "0" to read from the beginning. Used on gateway start to
// prime replay buffers with recent history.
func (r *Reader) ReplayFrom(ctx context.Context, stream, startID string, limit int) ([]StreamEntry, error) {
	start := "(" + startID
	if startID == "" || startID == "0" {
		start = "-"
	}
	msgs, err := r.client.XRangeN(ctx, stream, start, "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s from %s: %w", stream, startID, err)
	}

	entries := make([]StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		entries = append(entries, StreamEntry{ID: msg.ID, Data: []byte(data)})
	}
	return entries, nil
}

// SubscribeChannel subscribes to a Redis Pub/Sub channel.
// Returns the PubSub handle so the caller can listen on .Channel().
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) *goredis.PubSub {
	pubsub := r.client.Subscribe(ctx, channel)
	// Wait for confirmation
	_, err := pubsub.Receive(ctx)
	if err != nil {
		log.Printf("[redis-reader] subscribe to %s failed: %v", channel, err)
		pubsub.Close()
		return nil
	}
	return pubsub
}

// PSubscribe subscribes to Pub/Sub patterns (e.g. "pub:eval:*").
func (r *Reader) PSubscribe(ctx context.Context, patterns ...string) *goredis.PubSub {
	return r.client.PSubscribe(ctx, patterns...)
}

// Publish publishes a message to a Redis Pub/Sub channel.
func (r *Reader) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
