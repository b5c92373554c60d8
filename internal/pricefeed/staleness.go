package pricefeed

import (
	"log"
	"sync"
	"time"

	"moonlander/internal/model"
)

// FeedState is the health of one product's price feed.
type FeedState int

const (
	FeedLive    FeedState = iota // prices moving normally
	FeedSuspect                  // unchanged for StableFor, watching
	FeedStale                    // unchanged past MaxGrace, feed declared dead
)

func (s FeedState) String() string {
	switch s {
	case FeedLive:
		return "LIVE"
	case FeedSuspect:
		return "SUSPECT"
	case FeedStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// StaleDetector watches one product's price stream. A live crypto feed
// essentially never holds a price perfectly still, so an unchanged price
// for StableFor marks the feed suspect and MaxGrace without a change
// declares it stale.
type StaleDetector struct {
	lastPrice   float64
	stableSince time.Time
	state       FeedState

	// StableFor is how long the price must remain constant before the feed
	// is suspect. Default: 30 seconds.
	StableFor time.Duration

	// MaxGrace is the hard deadline: unchanged past this, the feed is
	// stale. Default: 5 minutes.
	MaxGrace time.Duration
}

// NewStaleDetector creates a detector with default thresholds.
func NewStaleDetector() *StaleDetector {
	return &StaleDetector{
		StableFor: 30 * time.Second,
		MaxGrace:  5 * time.Minute,
	}
}

// Observe records a price observation and returns the feed state.
func (d *StaleDetector) Observe(price float64, now time.Time) FeedState {
	if price != d.lastPrice {
		d.lastPrice = price
		d.stableSince = now
		d.state = FeedLive
		return d.state
	}

	if d.stableSince.IsZero() {
		d.stableSince = now
		return d.state
	}

	unchanged := now.Sub(d.stableSince)
	switch {
	case unchanged >= d.MaxGrace:
		d.state = FeedStale
	case unchanged >= d.StableFor:
		d.state = FeedSuspect
	}
	return d.state
}

// Unchanged returns how long the price has been constant.
func (d *StaleDetector) Unchanged(now time.Time) time.Duration {
	if d.stableSince.IsZero() {
		return 0
	}
	return now.Sub(d.stableSince)
}

// Watchdog runs one StaleDetector per product and fires hooks on state
// transitions. Thread-safe.
type Watchdog struct {
	mu        sync.Mutex
	detectors map[string]*StaleDetector

	// Threshold overrides for detectors the watchdog creates. Zero means
	// the detector default.
	StableFor time.Duration
	MaxGrace  time.Duration

	// Transition hooks (optional). Called with the lock held; keep them cheap.
	OnStale   func(product string, unchanged time.Duration)
	OnRecover func(product string)
}

// NewWatchdog creates an empty watchdog.
func NewWatchdog() *Watchdog {
	return &Watchdog{detectors: make(map[string]*StaleDetector, 16)}
}

// Observe feeds a tick to the product's detector and returns the new state.
func (w *Watchdog) Observe(t model.Tick) FeedState {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.detectors[t.Product]
	if !ok {
		d = NewStaleDetector()
		if w.StableFor > 0 {
			d.StableFor = w.StableFor
		}
		if w.MaxGrace > 0 {
			d.MaxGrace = w.MaxGrace
		}
		w.detectors[t.Product] = d
	}

	prev := d.state
	state := d.Observe(t.Price, t.TS)

	if prev != FeedStale && state == FeedStale {
		log.Printf("[pricefeed] %s feed stale: price %.8g unchanged for %s", t.Product, t.Price, d.Unchanged(t.TS))
		if w.OnStale != nil {
			w.OnStale(t.Product, d.Unchanged(t.TS))
		}
	}
	if prev == FeedStale && state == FeedLive {
		log.Printf("[pricefeed] %s feed recovered", t.Product)
		if w.OnRecover != nil {
			w.OnRecover(t.Product)
		}
	}
	return state
}

// States returns a snapshot of every product's feed state.
func (w *Watchdog) States() map[string]FeedState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]FeedState, len(w.detectors))
	for p, d := range w.detectors {
		out[p] = d.state
	}
	return out
}
