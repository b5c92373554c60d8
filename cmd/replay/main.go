// cmd/replay — Offline mission replay.
// Feeds recorded ticks from SQLite back through the evaluator against the
// recorded order snapshots, reprinting health transitions as they
// happened. Runs entirely from the database: no Redis, no exchange.
//
// Usage:
//
//	go run ./cmd/replay --db=data/moonlander.db --product=BTC-USD --speed=10
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moonlander/internal/evaluator"
	"moonlander/internal/model"
	sqlitestore "moonlander/internal/store/sqlite"
)

// maxGap caps the scaled inter-tick sleep so quiet stretches in the
// recording do not stall playback.
const maxGap = 5 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// Flags
	dbPath := flag.String("db", "data/moonlander.db", "Path to SQLite database")
	product := flag.String("product", "", "Product to replay, e.g. BTC-USD")
	fromTS := flag.Int64("from", 0, "Unix timestamp to start replay from (0=all)")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	flag.Parse()

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatalf("[replay] sqlite open failed: %v", err)
	}
	defer reader.Close()

	if *product == "" {
		recorded, err := reader.TickProducts()
		if err != nil {
			log.Fatalf("[replay] list products failed: %v", err)
		}
		log.Fatalf("[replay] --product required (recorded: %v)", recorded)
	}

	orders, err := reader.ReadOrderSnapshots(*product)
	if err != nil {
		log.Fatalf("[replay] load orders failed: %v", err)
	}
	if len(orders) == 0 {
		log.Fatalf("[replay] no recorded orders for %s", *product)
	}

	ticks, err := reader.ReadTicks(*product, *fromTS)
	if err != nil {
		log.Fatalf("[replay] load ticks failed: %v", err)
	}
	if len(ticks) == 0 {
		log.Fatalf("[replay] no recorded ticks for %s after %d", *product, *fromTS)
	}

	log.Printf("[replay] %s: %d orders, %d ticks (%s to %s), speed=%.1fx",
		*product, len(orders), len(ticks),
		ticks[0].TS.Format(time.RFC3339), ticks[len(ticks)-1].TS.Format(time.RFC3339), *speed)
	for _, o := range orders {
		fmt.Printf("  %s %-4s %-26s stop=%s target=%s entry=%s\n",
			shortID(o.ID), o.Side, o.Config, o.StopLoss, o.TakeProfit, o.EntryPrice)
	}

	// Setup context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	replayed, transitions := run(ctx, orders, ticks, *speed)

	// Fleet health at the last replayed price
	lastTick := ticks[len(ticks)-1]
	var sum float64
	n := 0
	for _, o := range orders {
		ev := evaluator.Evaluate(o, lastTick.Price, lastTick.TS)
		if ev.Health != nil {
			sum += *ev.Health
			n++
		}
	}
	finalHealth := "n/a"
	outcome := model.StatusUnknown
	if n > 0 {
		mean := sum / float64(n)
		finalHealth = fmt.Sprintf("%.1f", mean)
		outcome = evaluator.Classify(mean)
	}

	// Print summary
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║          REPLAY COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Ticks replayed:    %-16d ║\n", replayed)
	fmt.Printf("║  Transitions:       %-16d ║\n", transitions)
	fmt.Printf("║  Final health:      %-16s ║\n", finalHealth)
	fmt.Printf("║  Outcome:           %-16s ║\n", outcome)
	fmt.Println("╚══════════════════════════════════════╝")
}

// run replays ticks through the evaluator, printing a line for every
// status transition. Returns ticks replayed and transitions seen.
func run(ctx context.Context, orders []model.Order, ticks []model.Tick, speed float64) (int, int) {
	last := make(map[string]model.HealthStatus, len(orders))
	replayed, transitions := 0, 0
	var prevTS time.Time

	for _, t := range ticks {
		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d ticks", replayed)
			return replayed, transitions
		default:
		}

		// Simulate the recorded gap between ticks
		if speed > 0 && !prevTS.IsZero() {
			gap := t.TS.Sub(prevTS)
			if gap > 0 {
				scaled := time.Duration(float64(gap) / speed)
				if scaled > maxGap {
					scaled = maxGap
				}
				select {
				case <-ctx.Done():
					return replayed, transitions
				case <-time.After(scaled):
				}
			}
		}
		prevTS = t.TS

		for _, o := range orders {
			ev := evaluator.Evaluate(o, t.Price, t.TS)
			prev, seen := last[o.ID]
			if seen && prev != ev.Status {
				transitions++
				fmt.Printf("  [%s] %s %s: %s -> %s (health %s, price %.2f)\n",
					t.TS.Format("15:04:05"), t.Product, shortID(o.ID), prev, ev.Status, healthStr(ev.Health), t.Price)
			}
			last[o.ID] = ev.Status
		}
		replayed++
	}

	log.Printf("[replay] completed: %d ticks replayed", replayed)
	return replayed, transitions
}

func healthStr(h *float64) string {
	if h == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", *h)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
