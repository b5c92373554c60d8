package redis

import (
	"context"
	"fmt"
	"log"
	"time"
	"unsafe"

	"moonlander/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: ticks arrive roughly once a second per product,
	// so 12000 keeps ~3h of history. Evaluations come once per poll
	// cycle per order.
	streamTickMaxLen    = 12000
	streamEvalMaxLen    = 5000
	streamMissionMaxLen = 1000

	defaultLatestTTL = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer writes evaluations, ticks, bars, board snapshots and missions
// to Redis for the gateway and dashboard consumers.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
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

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// Run reads evaluations and ticks from the channels and writes them to
// Redis. Either channel may be nil. Blocks until ctx is cancelled or
// both channels are closed.
func (w *Writer) Run(ctx context.Context, evalCh <-chan model.OrderEval, tickCh <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case oe, ok := <-evalCh:
			if !ok {
				if tickCh == nil {
					return
				}
				evalCh = nil
				continue
			}
			if err := w.writeEval(ctx, oe); err != nil {
				log.Printf("[redis] eval pipeline error for %s: %v", oe.Key(), err)
			}
		case tick, ok := <-tickCh:
			if !ok {
				if evalCh == nil {
					return
				}
				tickCh = nil
				continue
			}
			if err := w.writeTick(ctx, tick); err != nil {
				log.Printf("[redis] tick pipeline error for %s: %v", tick.Product, err)
			}
		}
	}
}

// WriteEvalBatch writes a whole poll cycle in a single Redis pipeline.
// This batches XADD + SET + PUBLISH for all evaluations into one network
// roundtrip.
func (w *Writer) WriteEvalBatch(ctx context.Context, evals []model.OrderEval) {
	if len(evals) == 0 {
		return
	}

	pipe := w.client.Pipeline()
	for i := range evals {
		oe := &evals[i]
		jsonBytes := oe.JSON()
		// Zero-copy []byte→string (safe: jsonBytes is not mutated after this)
		jsonData := *(*string)(unsafe.Pointer(&jsonBytes))

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: oe.Eval.StreamKey(),
			MaxLen: streamEvalMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Set(ctx, oe.LatestKey(), jsonData, defaultLatestTTL)
		pipe.Publish(ctx, "pub:eval:"+oe.Order.Product, jsonData)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Printf("[redis] eval batch pipeline error (%d evals): %v", len(evals), err)
	}
}

// RunBars consumes resampled bars. Forming bars are published via PubSub
// only; finalized bars get the full XADD + SET + PUBLISH pipeline.
func (w *Writer) RunBars(ctx context.Context, barCh <-chan model.PriceBar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			if err := w.writeBar(ctx, bar); err != nil {
				log.Printf("[redis] bar pipeline error for %s: %v", bar.Key(), err)
			}
		}
	}
}

// WriteMission appends a completed mission to the mission stream and
// notifies subscribers.
func (w *Writer) WriteMission(ctx context.Context, m model.Mission) error {
	jsonData := string(m.JSON())

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: m.StreamKey(),
		MaxLen: streamMissionMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, "pub:mission", jsonData)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis mission pipeline: %w", err)
	}
	return nil
}

// RegisterProducts records the configured product set for discovery by
// the gateway.
func (w *Writer) RegisterProducts(ctx context.Context, products []string) error {
	if len(products) == 0 {
		return nil
	}
	members := make([]interface{}, len(products))
	for i, p := range products {
		members[i] = p
	}
	return w.client.SAdd(ctx, "products:active", members...).Err()
}

// PublishAlert broadcasts an alert to gateway subscribers. Alerts are
// transient; no stream backs them and stale ones are worthless, so a
// failed publish is not retried.
func (w *Writer) PublishAlert(ctx context.Context, data []byte) error {
	return w.client.Publish(ctx, "pub:alerts", string(data)).Err()
}

// PublishBoardJSON stores the latest board snapshot and broadcasts it.
func (w *Writer) PublishBoardJSON(ctx context.Context, data []byte) error {
	jsonData := string(data)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, "board:latest", jsonData, defaultLatestTTL)
	pipe.Publish(ctx, "pub:board", jsonData)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis board pipeline: %w", err)
	}
	return nil
}

// writeEval performs pipelined writes for one evaluation.
func (w *Writer) writeEval(ctx context.Context, oe model.OrderEval) error {
	jsonData := string(oe.JSON())

	pipe := w.client.Pipeline()

	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: oe.Eval.StreamKey(),
		MaxLen: streamEvalMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, oe.LatestKey(), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, "pub:eval:"+oe.Order.Product, jsonData)

	_, err := pipe.Exec(ctx)
	return err
}

// writeTick performs pipelined writes for one tick.
// OPTIMIZED: uses string concat instead of fmt.Sprintf.
func (w *Writer) writeTick(ctx context.Context, tick model.Tick) error {
	jsonBytes := tick.JSON()
	jsonData := *(*string)(unsafe.Pointer(&jsonBytes))

	pipe := w.client.Pipeline()

	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: tick.StreamKey(),
		MaxLen: streamTickMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, "tick:latest:"+tick.Product, jsonData, defaultLatestTTL)
	pipe.Publish(ctx, "pub:tick:"+tick.Product, jsonData)

	_, err := pipe.Exec(ctx)
	return err
}

// writeBar publishes a bar; only finalized bars hit the stream.
func (w *Writer) writeBar(ctx context.Context, bar model.PriceBar) error {
	jsonBytes := bar.JSON()
	jsonData := *(*string)(unsafe.Pointer(&jsonBytes))
	pubsubCh := "pub:bar:" + model.Itoa(bar.Interval) + "s:" + bar.Product

	if bar.Forming {
		// Forming bars: PubSub only (no XADD, no SET latest)
		return w.client.Publish(ctx, pubsubCh, jsonData).Err()
	}

	// Proportional MAXLEN: 3h of bars = 10800/interval + buffer
	maxLen := int64(10800/bar.Interval) + 100
	if maxLen < 200 {
		maxLen = 200
	}

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: bar.StreamKey(),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	latestKey := "bar:latest:" + model.Itoa(bar.Interval) + "s:" + bar.Product
	pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
	pipe.Publish(ctx, pubsubCh, jsonData)

	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
