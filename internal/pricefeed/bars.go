package pricefeed

import (
	"log"
	"time"

	"moonlander/internal/model"
)

// barState holds the forming bar state for one (product, interval) pair.
type barState struct {
	bucket  int64 // bucket start = ts - ts%interval (Unix seconds)
	bar     model.PriceBar
	started bool
}

// BarBuilder resamples tick observations into OHLC bars across multiple
// intervals. Designed to run in a single goroutine (single consumer);
// updates are O(1) per tick per interval.
type BarBuilder struct {
	intervals []int // enabled intervals in seconds

	// Per-interval per-product state.
	// Key structure: states[ivIdx][product] → *barState
	states []map[string]*barState

	// Staleness validation: reject ticks whose bucket is behind the current
	// forming bucket by more than StaleTolerance. Default: 2s. 0 disables.
	StaleTolerance time.Duration

	// Metrics hooks
	OnBar       func(b model.PriceBar) // called on finalized bars (optional)
	OnStaleTick func()                 // called when a stale tick is rejected (optional)
}

// NewBarBuilder creates a builder with the given intervals (in seconds).
func NewBarBuilder(intervals []int) *BarBuilder {
	states := make([]map[string]*barState, len(intervals))
	for i := range states {
		states[i] = make(map[string]*barState, 16)
	}
	return &BarBuilder{
		intervals:      intervals,
		states:         states,
		StaleTolerance: 2 * time.Second,
	}
}

// Process handles a single tick against all enabled intervals and emits
// forming snapshots plus finalized bars to outCh. Non-blocking sends.
func (b *BarBuilder) Process(t model.Tick, outCh chan<- model.PriceBar) {
	ts := t.TS.Unix()

	for i, iv := range b.intervals {
		iv64 := int64(iv)
		bucket := ts - (ts % iv64) // align to interval boundary

		st, exists := b.states[i][t.Product]

		// Reject late ticks that would land behind an already-advancing
		// bucket; they'd corrupt the finalized history.
		if b.StaleTolerance > 0 && exists && bucket < st.bucket {
			lag := time.Duration(st.bucket-bucket) * time.Second
			if lag > b.StaleTolerance {
				if b.OnStaleTick != nil {
					b.OnStaleTick()
				}
				continue
			}
		}

		if exists && bucket > st.bucket {
			// New bucket — finalize the forming bar
			st.bar.Forming = false
			emitBar(outCh, st.bar)
			if b.OnBar != nil {
				b.OnBar(st.bar)
			}
			exists = false
		}

		if !exists {
			// Start a new forming bar for this bucket
			newState := &barState{
				bucket:  bucket,
				started: true,
				bar: model.PriceBar{
					Product:  t.Product,
					Interval: iv,
					TS:       time.Unix(bucket, 0).UTC(),
					Open:     t.Price,
					High:     t.Price,
					Low:      t.Price,
					Close:    t.Price,
					Count:    1,
					Forming:  true,
				},
			}
			b.states[i][t.Product] = newState
			// Emit immediately so the live snapshot sees the first tick.
			snap := newState.bar
			emitBar(outCh, snap)
			continue
		}

		// Same bucket — merge OHLC (O(1))
		fb := &st.bar
		if t.Price > fb.High {
			fb.High = t.Price
		}
		if t.Price < fb.Low {
			fb.Low = t.Price
		}
		fb.Close = t.Price
		fb.Count++

		// Copy before emitting so the caller can hold the value across the
		// next tick without a race.
		snap := *fb
		emitBar(outCh, snap)
	}
}

// Run consumes ticks from tickCh until ctx-free channel close, emitting bars
// to outCh. FlushAll finalizes forming bars on exit.
func (b *BarBuilder) Run(tickCh <-chan model.Tick, outCh chan<- model.PriceBar) {
	for t := range tickCh {
		b.Process(t, outCh)
	}
	b.FlushAll(outCh)
}

// FlushAll finalizes and emits all forming bars.
func (b *BarBuilder) FlushAll(outCh chan<- model.PriceBar) {
	for i := range b.intervals {
		for product, st := range b.states[i] {
			if st.started {
				st.bar.Forming = false
				emitBar(outCh, st.bar)
			}
			delete(b.states[i], product)
		}
	}
}

// Intervals returns the enabled bar intervals.
func (b *BarBuilder) Intervals() []int {
	return b.intervals
}

// emitBar sends a bar to the output channel. Non-blocking to avoid deadlocks.
func emitBar(outCh chan<- model.PriceBar, bar model.PriceBar) {
	select {
	case outCh <- bar:
	default:
		log.Printf("[pricefeed] bar outCh full, dropping bar %s iv=%d ts=%v", bar.Product, bar.Interval, bar.TS)
	}
}
