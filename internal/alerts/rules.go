package alerts

import (
	"fmt"
	"time"

	"moonlander/internal/model"
	"moonlander/internal/pricefeed"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// StatusChangeRule fires when an order's health classification changes.
// The first observation of an order never fires; a sustained state fires
// once. Severity follows the destination status.
type StatusChangeRule struct {
	last map[string]model.HealthStatus
}

// NewStatusChangeRule creates the rule with empty state.
func NewStatusChangeRule() *StatusChangeRule {
	return &StatusChangeRule{last: make(map[string]model.HealthStatus)}
}

func (r *StatusChangeRule) Name() string { return "status_change" }

func (r *StatusChangeRule) OnTick(model.Tick) *Alert { return nil }

func (r *StatusChangeRule) OnEval(oe model.OrderEval) *Alert {
	cur := oe.Eval.Status
	prev, seen := r.last[oe.Order.ID]
	r.last[oe.Order.ID] = cur
	if !seen || prev == cur {
		return nil
	}
	msg := fmt.Sprintf("%s %s: %s -> %s", oe.Order.Product, shortID(oe.Order.ID), prev, cur)
	if oe.Eval.Health != nil {
		msg += fmt.Sprintf(" (health %.1f)", *oe.Eval.Health)
	}
	return &Alert{
		Rule:    r.Name(),
		Level:   statusLevel(cur),
		OrderID: oe.Order.ID,
		Product: oe.Order.Product,
		Message: msg,
		TS:      oe.Eval.TS,
	}
}

// Forget drops tracked state for an order that left the board.
func (r *StatusChangeRule) Forget(orderID string) {
	delete(r.last, orderID)
}

func statusLevel(s model.HealthStatus) Level {
	switch s {
	case model.StatusCritical:
		return LevelCritical
	case model.StatusUnstable, model.StatusUnknown:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// TrendRule fires when an order's health declines on each of `streak`
// consecutive evaluations. It fires once per streak and re-arms when the
// health stops falling.
type TrendRule struct {
	streak int

	lastHealth  map[string]float64
	startHealth map[string]float64
	declines    map[string]int
	fired       map[string]bool
}

// NewTrendRule creates the rule. streak is the number of consecutive
// declining evaluations required to fire.
func NewTrendRule(streak int) *TrendRule {
	if streak < 2 {
		streak = 2
	}
	return &TrendRule{
		streak:      streak,
		lastHealth:  make(map[string]float64),
		startHealth: make(map[string]float64),
		declines:    make(map[string]int),
		fired:       make(map[string]bool),
	}
}

func (r *TrendRule) Name() string { return "trend" }

func (r *TrendRule) OnTick(model.Tick) *Alert { return nil }

func (r *TrendRule) OnEval(oe model.OrderEval) *Alert {
	if oe.Eval.Health == nil {
		return nil
	}
	id := oe.Order.ID
	h := *oe.Eval.Health

	prev, seen := r.lastHealth[id]
	r.lastHealth[id] = h
	if !seen {
		return nil
	}

	if h >= prev {
		r.declines[id] = 0
		r.fired[id] = false
		return nil
	}

	if r.declines[id] == 0 {
		r.startHealth[id] = prev
	}
	r.declines[id]++

	if r.declines[id] < r.streak || r.fired[id] {
		return nil
	}
	r.fired[id] = true
	return &Alert{
		Rule:    r.Name(),
		Level:   LevelWarning,
		OrderID: id,
		Product: oe.Order.Product,
		Message: fmt.Sprintf("%s %s: health falling for %d cycles (%.1f -> %.1f)", oe.Order.Product, shortID(id), r.declines[id], r.startHealth[id], h),
		TS:      oe.Eval.TS,
	}
}

// Forget drops tracked state for an order that left the board.
func (r *TrendRule) Forget(orderID string) {
	delete(r.lastHealth, orderID)
	delete(r.startHealth, orderID)
	delete(r.declines, orderID)
	delete(r.fired, orderID)
}

// StaleFeedRule fires when a product's price feed goes stale and again
// when it recovers. It wraps a pricefeed.Watchdog; thresholds come from
// the detector defaults unless Configure is called first.
type StaleFeedRule struct {
	wd *pricefeed.Watchdog

	// Set by the watchdog hooks during Observe, drained by OnTick.
	// The engine drives one tick at a time, so no extra locking.
	staled    bool
	unchanged time.Duration
	recovered bool
}

// NewStaleFeedRule creates the rule with detector defaults.
func NewStaleFeedRule() *StaleFeedRule {
	r := &StaleFeedRule{wd: pricefeed.NewWatchdog()}
	r.wd.OnStale = func(_ string, unchanged time.Duration) {
		r.staled = true
		r.unchanged = unchanged
	}
	r.wd.OnRecover = func(string) { r.recovered = true }
	return r
}

// Configure overrides the staleness thresholds for detectors created
// after the call.
func (r *StaleFeedRule) Configure(stableFor, maxGrace time.Duration) {
	r.wd.StableFor = stableFor
	r.wd.MaxGrace = maxGrace
}

func (r *StaleFeedRule) Name() string { return "stale_feed" }

func (r *StaleFeedRule) OnEval(model.OrderEval) *Alert { return nil }

func (r *StaleFeedRule) OnTick(t model.Tick) *Alert {
	r.staled, r.recovered = false, false
	r.wd.Observe(t)

	switch {
	case r.staled:
		return &Alert{
			Rule:    r.Name(),
			Level:   LevelWarning,
			Product: t.Product,
			Message: fmt.Sprintf("%s feed stale: price unchanged for %s", t.Product, r.unchanged.Round(time.Second)),
			TS:      t.TS,
		}
	case r.recovered:
		return &Alert{
			Rule:    r.Name(),
			Level:   LevelInfo,
			Product: t.Product,
			Message: fmt.Sprintf("%s feed recovered", t.Product),
			TS:      t.TS,
		}
	}
	return nil
}
