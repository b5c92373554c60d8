package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"moonlander/internal/maintenance"
	"moonlander/internal/model"
)

type fakeExchange struct {
	mu        sync.Mutex
	open      []model.Order
	filled    []model.Order
	cancelled []model.Order
	prices    map[string]decimal.Decimal
	priceErr  map[string]error
	listCalls int
}

func (f *fakeExchange) ListOrders(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	switch status {
	case model.StatusOpen:
		return append([]model.Order(nil), f.open...), nil
	case model.StatusFilled:
		return append([]model.Order(nil), f.filled...), nil
	case model.StatusCancelled:
		return append([]model.Order(nil), f.cancelled...), nil
	}
	return nil, nil
}

func (f *fakeExchange) AssetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.priceErr[asset]; err != nil {
		return decimal.Zero, err
	}
	px, ok := f.prices[asset]
	if !ok {
		return decimal.Zero, errors.New("no price configured")
	}
	return px, nil
}

func (f *fakeExchange) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeMissionStore struct {
	mu       sync.Mutex
	recorded []model.Mission
}

func (f *fakeMissionStore) RecordMission(m model.Mission) error {
	f.mu.Lock()
	f.recorded = append(f.recorded, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeMissionStore) Missions(limit int) ([]model.Mission, error) { return nil, nil }
func (f *fakeMissionStore) Close() error                               { return nil }

func (f *fakeMissionStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorded)
}

type fakeForgetter struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeForgetter) Forget(orderID string) {
	f.mu.Lock()
	f.ids = append(f.ids, orderID)
	f.mu.Unlock()
}

func openSell(id, product string, stop, target float64) model.Order {
	return model.Order{
		ID:         id,
		Product:    product,
		Side:       model.SideSell,
		Config:     model.ConfigBracketGTC,
		Status:     model.StatusOpen,
		StopLoss:   decimal.NewFromFloat(stop),
		TakeProfit: decimal.NewFromFloat(target),
		Size:       decimal.NewFromFloat(1),
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
}

func filledBuy(id, product string, avgFill float64, filledAt time.Time) model.Order {
	return model.Order{
		ID:        id,
		Product:   product,
		Side:      model.SideBuy,
		Config:    model.ConfigLimitGTC,
		Status:    model.StatusFilled,
		Size:      decimal.NewFromFloat(1),
		AvgFill:   decimal.NewFromFloat(avgFill),
		CreatedAt: filledAt.Add(-time.Minute),
		FilledAt:  filledAt,
	}
}

func drainEvals(t *testing.T, ch <-chan model.OrderEval, want int) []model.OrderEval {
	t.Helper()
	out := make([]model.OrderEval, 0, want)
	timeout := time.After(time.Second)
	for len(out) < want {
		select {
		case oe := <-ch:
			out = append(out, oe)
		case <-timeout:
			t.Fatalf("drained %d evals, want %d", len(out), want)
		}
	}
	return out
}

func TestPoller_CycleEmitsEvals(t *testing.T) {
	ex := &fakeExchange{
		open:   []model.Order{openSell("sell-1", "BTC-USD", 100, 200)},
		prices: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(150)},
	}
	p := New(Config{}, ex)

	p.runCycle(context.Background())

	evals := drainEvals(t, p.Evals(), 1)
	oe := evals[0]
	if oe.Order.ID != "sell-1" {
		t.Fatalf("eval for order %s, want sell-1", oe.Order.ID)
	}
	if oe.Eval.Health == nil || *oe.Eval.Health != 50 {
		t.Errorf("health = %v, want 50", oe.Eval.Health)
	}
	if oe.Eval.Status != model.StatusUnstable {
		t.Errorf("status = %s, want UNSTABLE", oe.Eval.Status)
	}

	select {
	case tick := <-p.Ticks():
		if tick.Product != "BTC-USD" || tick.Price != 150 {
			t.Errorf("tick = %+v, want BTC-USD @ 150", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick emitted")
	}

	if p.Board().Len() != 1 {
		t.Errorf("board len = %d, want 1", p.Board().Len())
	}
}

func TestPoller_SellEntryEnrichment(t *testing.T) {
	ex := &fakeExchange{
		open:   []model.Order{openSell("sell-1", "ETH-USD", 100, 200)},
		filled: []model.Order{filledBuy("buy-1", "ETH-USD", 140, time.Now().UTC().Add(-30*time.Minute))},
		prices: map[string]decimal.Decimal{"ETH": decimal.NewFromFloat(150)},
	}
	p := New(Config{}, ex)

	p.runCycle(context.Background())

	oe := drainEvals(t, p.Evals(), 1)[0]
	if !oe.Order.EntryPrice.Equal(decimal.NewFromFloat(140)) {
		t.Errorf("entry price = %s, want 140", oe.Order.EntryPrice)
	}
	if oe.Eval.Bias != model.BiasForward {
		t.Errorf("bias = %s, want FORWARD (price above entry)", oe.Eval.Bias)
	}
}

func TestPoller_MissionDetection(t *testing.T) {
	sell := model.Order{
		ID:        "sell-done",
		Product:   "BTC-USD",
		Side:      model.SideSell,
		Config:    model.ConfigLimitGTC,
		Status:    model.StatusFilled,
		Size:      decimal.NewFromFloat(1),
		AvgFill:   decimal.NewFromFloat(200),
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		FilledAt:  time.Now().UTC().Add(-time.Minute),
	}
	ex := &fakeExchange{
		filled: []model.Order{sell, filledBuy("buy-1", "BTC-USD", 150, time.Now().UTC().Add(-30*time.Minute))},
		prices: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(180)},
	}
	store := &fakeMissionStore{}
	p := New(Config{}, ex)
	p.SetMissionSinks(store, nil)

	p.runCycle(context.Background())
	if store.count() != 1 {
		t.Fatalf("recorded %d missions, want 1", store.count())
	}
	got := store.recorded[0]
	if got.OrderID != "sell-done" || got.Outcome != model.OutcomeSuccess {
		t.Errorf("mission = %s %s, want sell-done SUCCESS", got.OrderID, got.Outcome)
	}
	if got.BuyOrderID != "buy-1" {
		t.Errorf("matched buy = %q, want buy-1", got.BuyOrderID)
	}

	// Second cycle must not record the same sell again
	p.runCycle(context.Background())
	if store.count() != 1 {
		t.Errorf("recorded %d missions after second cycle, want still 1", store.count())
	}
}

func TestPoller_DepartedOrderForgotten(t *testing.T) {
	ex := &fakeExchange{
		open:   []model.Order{openSell("sell-1", "BTC-USD", 100, 200)},
		prices: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(150)},
	}
	fg := &fakeForgetter{}
	p := New(Config{}, ex)
	p.OnDepart(fg)

	p.runCycle(context.Background())

	ex.mu.Lock()
	ex.open = nil
	ex.mu.Unlock()

	p.runCycle(context.Background())

	fg.mu.Lock()
	defer fg.mu.Unlock()
	if len(fg.ids) != 1 || fg.ids[0] != "sell-1" {
		t.Errorf("forgotten ids = %v, want [sell-1]", fg.ids)
	}
}

func TestPoller_MaintenanceSkipsCycle(t *testing.T) {
	now := time.Now().UTC()
	spec := now.Add(-time.Hour).Format(time.RFC3339) + "/" + now.Add(time.Hour).Format(time.RFC3339)
	checker, err := maintenance.NewChecker(spec)
	if err != nil {
		t.Fatalf("checker: %v", err)
	}

	ex := &fakeExchange{
		open:   []model.Order{openSell("sell-1", "BTC-USD", 100, 200)},
		prices: map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(150)},
	}
	p := New(Config{}, ex)
	p.SetMaintenance(checker)

	p.runCycle(context.Background())

	if calls := ex.calls(); calls != 0 {
		t.Errorf("exchange called %d times during maintenance, want 0", calls)
	}
	select {
	case oe := <-p.Evals():
		t.Errorf("unexpected eval during maintenance: %s", oe.Key())
	default:
	}
}

func TestPoller_AllowlistFiltersOrders(t *testing.T) {
	ex := &fakeExchange{
		open: []model.Order{
			openSell("sell-btc", "BTC-USD", 100, 200),
			openSell("sell-eth", "ETH-USD", 100, 200),
		},
		prices: map[string]decimal.Decimal{
			"BTC": decimal.NewFromFloat(150),
			"ETH": decimal.NewFromFloat(150),
		},
	}
	p := New(Config{Products: []string{"BTC-USD"}}, ex)

	p.runCycle(context.Background())

	evals := drainEvals(t, p.Evals(), 1)
	if evals[0].Order.Product != "BTC-USD" {
		t.Errorf("eval product = %s, want BTC-USD", evals[0].Order.Product)
	}
	select {
	case oe := <-p.Evals():
		t.Errorf("unexpected extra eval for %s", oe.Order.Product)
	default:
	}
}

func TestPoller_PriceErrorSkipsProduct(t *testing.T) {
	ex := &fakeExchange{
		open: []model.Order{
			openSell("sell-btc", "BTC-USD", 100, 200),
			openSell("sell-eth", "ETH-USD", 100, 200),
		},
		prices:   map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(150)},
		priceErr: map[string]error{"ETH": errors.New("book unavailable")},
	}
	p := New(Config{}, ex)

	p.runCycle(context.Background())

	evals := drainEvals(t, p.Evals(), 1)
	if evals[0].Order.Product != "BTC-USD" {
		t.Errorf("eval product = %s, want BTC-USD", evals[0].Order.Product)
	}
	if p.Board().Len() != 1 {
		t.Errorf("board len = %d, want 1 (ETH order has no price yet)", p.Board().Len())
	}
}
