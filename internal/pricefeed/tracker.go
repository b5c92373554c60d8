// Package pricefeed tracks per-product price state derived from polled best
// bids or the streaming ticker: direction relative to the previous
// observation, a rolling window of recent prices for sparklines and trend
// rules, bar resampling, and feed staleness detection.
package pricefeed

import (
	"sync"
	"time"

	"moonlander/internal/model"
)

// Tracker maintains the last price, direction and rolling window per
// product. Thread-safe: the poller writes, the gateway snapshot reads.
type Tracker struct {
	mu         sync.RWMutex
	products   map[string]*productState
	windowSize int
}

type productState struct {
	price     float64
	direction model.Direction
	window    []float64 // circular buffer of recent prices
	pos       int
	count     int
	updated   time.Time
}

// NewTracker creates a tracker keeping the last windowSize prices per
// product. windowSize defaults to 120 when non-positive.
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = 120
	}
	return &Tracker{
		products:   make(map[string]*productState, 16),
		windowSize: windowSize,
	}
}

// Observe records a price for a product and returns the resulting tick.
// Direction is UP when the price rose since the previous observation, DOWN
// when it fell; an unchanged price keeps the prior direction. The first
// observation of a product is FLAT.
func (t *Tracker) Observe(product string, price float64, now time.Time) model.Tick {
	t.mu.Lock()
	st, ok := t.products[product]
	if !ok {
		st = &productState{
			direction: model.DirFlat,
			window:    make([]float64, t.windowSize),
		}
		t.products[product] = st
	} else {
		switch {
		case price > st.price:
			st.direction = model.DirUp
		case price < st.price:
			st.direction = model.DirDown
		}
		// Equal price keeps the previous direction.
	}

	st.price = price
	st.updated = now
	st.window[st.pos] = price
	st.pos = (st.pos + 1) % t.windowSize
	if st.count < t.windowSize {
		st.count++
	}
	dir := st.direction
	t.mu.Unlock()

	return model.Tick{
		Product:   product,
		Price:     price,
		Direction: dir,
		TS:        now,
	}
}

// Last returns the most recent tick for a product, if any.
func (t *Tracker) Last(product string) (model.Tick, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.products[product]
	if !ok {
		return model.Tick{}, false
	}
	return model.Tick{
		Product:   product,
		Price:     st.price,
		Direction: st.direction,
		TS:        st.updated,
	}, true
}

// Window returns the rolling price window for a product in chronological
// order. Nil when the product has never been observed.
func (t *Tracker) Window(product string) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.products[product]
	if !ok || st.count == 0 {
		return nil
	}

	out := make([]float64, st.count)
	if st.count == t.windowSize {
		// Buffer is full; copy from pos (oldest) to end, then start to pos
		copy(out, st.window[st.pos:])
		copy(out[t.windowSize-st.pos:], st.window[:st.pos])
	} else {
		copy(out, st.window[:st.count])
	}
	return out
}

// Products returns the products observed so far.
func (t *Tracker) Products() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.products))
	for p := range t.products {
		out = append(out, p)
	}
	return out
}
