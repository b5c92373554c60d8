// Package history turns completed sell orders into mission records.
//
// The outcome follows the order configuration: a plain limit sell reached
// its price, a bracket is judged by which leg fired, a stop-limit is a
// stop that triggered, a market sell is a manual bail-out. Profit is
// realized by pairing the sell with the buy order that funded it.
package history

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"moonlander/internal/model"
)

// sizeTolerance is the relative size difference under which a buy is
// considered the funding order for a sell.
var sizeTolerance = decimal.NewFromFloat(0.01)

// Classify maps a completed order to its mission outcome.
func Classify(o model.Order) model.Outcome {
	if o.Status == model.StatusCancelled {
		return model.OutcomeAborted
	}
	switch {
	case o.IsLimit():
		return model.OutcomeSuccess
	case o.IsBracket():
		// Filled at or above the profit leg means it fired; below means
		// the stop trigger got there first.
		if o.AvgFill.GreaterThanOrEqual(o.TakeProfit) {
			return model.OutcomeSuccess
		}
		return model.OutcomeCrashLanded
	case o.IsStopLimit():
		return model.OutcomeCrashLanded
	default:
		return model.OutcomeAborted
	}
}

// Matcher pairs closing sells with the buys that funded them. Build one
// per order batch; candidates keep the batch's newest-first ordering.
type Matcher struct {
	buysByProduct map[string][]model.Order
	now           func() time.Time
}

// NewMatcher indexes the buy side of an order batch.
func NewMatcher(orders []model.Order) *Matcher {
	m := &Matcher{
		buysByProduct: make(map[string][]model.Order),
		now:           time.Now,
	}
	for _, o := range orders {
		if o.Side == model.SideBuy {
			m.buysByProduct[o.Product] = append(m.buysByProduct[o.Product], o)
		}
	}
	return m
}

// Match returns the buy that funded the given sell: the newest buy filled
// before the sell whose size is within tolerance of the sell size, falling
// back to the most recent prior buy of the product.
func (m *Matcher) Match(sell model.Order) (model.Order, bool) {
	buys := m.buysByProduct[sell.Product]
	sellTime := sell.FilledAt
	if sellTime.IsZero() {
		sellTime = m.now()
	}

	for _, b := range buys {
		if b.FilledAt.IsZero() || !b.FilledAt.Before(sellTime) {
			continue
		}
		diff := b.Size.Sub(sell.Size).Abs()
		if diff.LessThan(sell.Size.Mul(sizeTolerance)) {
			return b, true
		}
	}
	for _, b := range buys {
		if b.FilledAt.IsZero() || !b.FilledAt.Before(sellTime) {
			continue
		}
		return b, true
	}
	return model.Order{}, false
}

// BuildMission assembles the mission record for a completed sell.
// Proceeds are size x fill price minus fees; when a funding buy is found
// the cost basis and realized profit are filled in, otherwise profit
// stays zero and BuyOrderID empty.
func BuildMission(sell model.Order, m *Matcher) model.Mission {
	proceeds := sell.Size.Mul(sell.AvgFill).Sub(sell.Fees)
	completed := sell.FilledAt
	if completed.IsZero() {
		completed = sell.CreatedAt
	}

	mission := model.Mission{
		OrderID:     sell.ID,
		Product:     sell.Product,
		Side:        sell.Side,
		Config:      sell.Config,
		Outcome:     Classify(sell),
		Size:        sell.Size,
		AvgFill:     sell.AvgFill,
		Proceeds:    proceeds,
		CompletedAt: completed,
	}

	if buy, ok := m.Match(sell); ok {
		mission.Cost = buy.Size.Mul(buy.AvgFill).Add(buy.Fees)
		mission.Profit = proceeds.Sub(mission.Cost)
		mission.BuyOrderID = buy.ID
	}
	return mission
}

// Recorder tracks which completed orders were already turned into
// missions so each poll cycle only emits the new ones. The mission store
// is idempotent, so re-emitting after a restart is harmless.
type Recorder struct {
	mu        sync.Mutex
	processed map[string]bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{processed: make(map[string]bool)}
}

// Process classifies the unseen completed sells in the batch and returns
// their missions in batch order.
func (r *Recorder) Process(orders []model.Order) []model.Mission {
	matcher := NewMatcher(orders)

	r.mu.Lock()
	defer r.mu.Unlock()

	var missions []model.Mission
	for _, o := range orders {
		if o.Side != model.SideSell {
			continue
		}
		if r.processed[o.ID] {
			continue
		}
		r.processed[o.ID] = true
		missions = append(missions, BuildMission(o, matcher))
	}
	return missions
}
