// Package evaluator computes order health: a normalized [0,100] score
// describing where the current price sits between an order's stop-loss and
// take-profit bounds. All functions are pure and safe for concurrent use;
// an Evaluation depends only on the order snapshot and the price it was
// computed at.
package evaluator

import (
	"errors"
	"math"
	"time"

	"moonlander/internal/model"
)

// Classification thresholds on the health scale.
const (
	StableMin   = 66.0 // health >= 66 is STABLE
	UnstableMin = 33.0 // health >= 33 is UNSTABLE, below is CRITICAL
)

// stagingBand is the fractional distance from the limit entry price at
// which a staging order's health reaches zero.
const stagingBand = 0.10

// Visual position bounds keep rockets inside the rendered scene.
const (
	visualMin    = 4.0
	visualMax    = 96.0
	visualCenter = 50.0
)

var (
	// ErrMissingBound reports that a bound required for the score was
	// absent: stop or target on a sell, entry price on a buy.
	ErrMissingBound = errors.New("evaluator: missing price bound")

	// ErrDegenerateRange reports that stop and target coincide, leaving
	// the score undefined.
	ErrDegenerateRange = errors.New("evaluator: degenerate stop/target range")
)

// Health computes the raw health score for one order at price p.
//
// Sell-side: linear position of p between stop and target,
// clamp(0,100, (p-stop)/(target-stop)*100). Buy-side (staging): proximity
// of p to the limit entry within a 10% band; p at entry scores 100, p 10%
// or further away scores 0.
//
// Bounds of zero are treated as absent and return ErrMissingBound;
// stop == target returns ErrDegenerateRange.
func Health(side model.Side, entry, stop, target, p float64) (float64, error) {
	if side == model.SideBuy {
		if entry <= 0 {
			return 0, ErrMissingBound
		}
		dist := math.Abs(p-entry) / entry
		return clamp(0, 100, (1-dist/stagingBand)*100), nil
	}
	if stop <= 0 || target <= 0 {
		return 0, ErrMissingBound
	}
	if stop == target {
		return 0, ErrDegenerateRange
	}
	return clamp(0, 100, (p-stop)/(target-stop)*100), nil
}

// Classify buckets a health score. Boundaries are exact: 66.0 is STABLE,
// 65.99 is UNSTABLE.
func Classify(health float64) model.HealthStatus {
	switch {
	case health >= StableMin:
		return model.StatusStable
	case health >= UnstableMin:
		return model.StatusUnstable
	default:
		return model.StatusCritical
	}
}

// VisualPos maps a health score into the renderable [4,96] band.
func VisualPos(health float64) float64 {
	return clamp(visualMin, visualMax, health)
}

// Evaluate produces the full evaluation record for one order at one price.
// Missing or degenerate bounds are recovered locally: the result carries
// StatusUnknown with a nil health and the board keeps rendering the rest of
// the fleet. The order is never mutated.
func Evaluate(o model.Order, price float64, ts time.Time) model.Evaluation {
	ev := model.Evaluation{
		OrderID:   o.ID,
		Product:   o.Product,
		Status:    model.StatusUnknown,
		Bias:      model.BiasNone,
		Phase:     model.PhaseInFlight,
		VisualPos: visualCenter,
		Price:     price,
		TS:        ts,
	}
	if o.Side == model.SideBuy {
		ev.Phase = model.PhaseStaging
	}

	size, _ := o.Size.Float64()
	entry, _ := o.EntryPrice.Float64()
	stop, _ := o.StopLoss.Float64()
	target, _ := o.TakeProfit.Float64()

	ev.Payload = size * price
	if target > 0 {
		ev.Upside = size*target - size*price
	}

	// Bias needs only the entry reference, so it survives unknown health.
	if o.Side == model.SideSell && entry > 0 {
		switch {
		case price > entry:
			ev.Bias = model.BiasForward
		case price < entry:
			ev.Bias = model.BiasRetreat
		}
	}

	h, err := Health(o.Side, entry, stop, target, price)
	if err != nil {
		return ev
	}
	ev.Health = &h
	ev.Status = Classify(h)
	ev.VisualPos = VisualPos(h)
	return ev
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
