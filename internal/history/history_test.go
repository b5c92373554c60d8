package history

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"moonlander/internal/model"
)

func filledOrder(id string, side model.Side, config string, size, avg, fees float64, filledAt time.Time) model.Order {
	return model.Order{
		ID:        id,
		Product:   "BTC-USD",
		Side:      side,
		Config:    config,
		Status:    model.StatusFilled,
		Size:      decimal.NewFromFloat(size),
		AvgFill:   decimal.NewFromFloat(avg),
		Fees:      decimal.NewFromFloat(fees),
		CreatedAt: filledAt.Add(-time.Hour),
		FilledAt:  filledAt,
	}
}

func TestClassify(t *testing.T) {
	base := model.Order{Side: model.SideSell, Status: model.StatusFilled}

	tests := []struct {
		name   string
		mutate func(*model.Order)
		want   model.Outcome
	}{
		{"limit_gtc", func(o *model.Order) {
			o.Config = model.ConfigLimitGTC
		}, model.OutcomeSuccess},
		{"limit_gtd", func(o *model.Order) {
			o.Config = model.ConfigLimitGTD
		}, model.OutcomeSuccess},
		{"bracket_filled_at_target", func(o *model.Order) {
			o.Config = model.ConfigBracketGTC
			o.TakeProfit = decimal.NewFromInt(200)
			o.AvgFill = decimal.NewFromInt(200)
		}, model.OutcomeSuccess},
		{"bracket_stopped_out", func(o *model.Order) {
			o.Config = model.ConfigBracketGTC
			o.TakeProfit = decimal.NewFromInt(200)
			o.AvgFill = decimal.NewFromInt(120)
		}, model.OutcomeCrashLanded},
		{"stop_limit", func(o *model.Order) {
			o.Config = model.ConfigStopLimitGTC
		}, model.OutcomeCrashLanded},
		{"market_ioc", func(o *model.Order) {
			o.Config = model.ConfigMarketIOC
		}, model.OutcomeAborted},
		{"cancelled_limit", func(o *model.Order) {
			o.Config = model.ConfigLimitGTC
			o.Status = model.StatusCancelled
		}, model.OutcomeAborted},
		{"no_config", func(o *model.Order) {}, model.OutcomeAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mutate(&o)
			if got := Classify(o); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMatcher_PrefersSizeMatch(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sell := filledOrder("sell-1", model.SideSell, model.ConfigLimitGTC, 1.0, 150, 0.5, base)

	orders := []model.Order{
		sell,
		// Newest first, as the exchange lists them.
		filledOrder("buy-big", model.SideBuy, model.ConfigMarketIOC, 5.0, 100, 1, base.Add(-time.Hour)),
		filledOrder("buy-match", model.SideBuy, model.ConfigMarketIOC, 1.005, 100, 1, base.Add(-2*time.Hour)),
	}

	buy, ok := NewMatcher(orders).Match(sell)
	if !ok {
		t.Fatal("expected a funding buy")
	}
	if buy.ID != "buy-match" {
		t.Errorf("expected size-matched buy-match, got %s", buy.ID)
	}
}

func TestMatcher_FallbackMostRecent(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sell := filledOrder("sell-1", model.SideSell, model.ConfigLimitGTC, 1.0, 150, 0.5, base)

	orders := []model.Order{
		sell,
		filledOrder("buy-recent", model.SideBuy, model.ConfigMarketIOC, 3.0, 100, 1, base.Add(-time.Hour)),
		filledOrder("buy-old", model.SideBuy, model.ConfigMarketIOC, 2.0, 90, 1, base.Add(-3*time.Hour)),
	}

	buy, ok := NewMatcher(orders).Match(sell)
	if !ok {
		t.Fatal("expected a funding buy")
	}
	if buy.ID != "buy-recent" {
		t.Errorf("expected fallback to buy-recent, got %s", buy.ID)
	}
}

func TestMatcher_IgnoresBuysAfterSell(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sell := filledOrder("sell-1", model.SideSell, model.ConfigLimitGTC, 1.0, 150, 0.5, base)

	orders := []model.Order{
		filledOrder("buy-later", model.SideBuy, model.ConfigMarketIOC, 1.0, 100, 1, base.Add(time.Hour)),
		sell,
	}

	if _, ok := NewMatcher(orders).Match(sell); ok {
		t.Error("a buy filled after the sell must not fund it")
	}
}

func TestBuildMission_Profit(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sell := filledOrder("sell-1", model.SideSell, model.ConfigLimitGTC, 2.0, 150, 2, base)
	buy := filledOrder("buy-1", model.SideBuy, model.ConfigMarketIOC, 2.0, 100, 1, base.Add(-time.Hour))

	mission := BuildMission(sell, NewMatcher([]model.Order{sell, buy}))

	if mission.Outcome != model.OutcomeSuccess {
		t.Errorf("expected SUCCESS, got %s", mission.Outcome)
	}
	if mission.BuyOrderID != "buy-1" {
		t.Errorf("expected funding buy-1, got %q", mission.BuyOrderID)
	}
	// proceeds = 2*150 - 2 = 298, cost = 2*100 + 1 = 201
	if mission.Proceeds.String() != "298" {
		t.Errorf("expected proceeds 298, got %s", mission.Proceeds)
	}
	if mission.Cost.String() != "201" {
		t.Errorf("expected cost 201, got %s", mission.Cost)
	}
	if mission.Profit.String() != "97" {
		t.Errorf("expected profit 97, got %s", mission.Profit)
	}
	if !mission.CompletedAt.Equal(base) {
		t.Errorf("expected completion at fill time, got %s", mission.CompletedAt)
	}
}

func TestBuildMission_NoFundingBuy(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sell := filledOrder("sell-1", model.SideSell, model.ConfigLimitGTC, 2.0, 150, 2, base)

	mission := BuildMission(sell, NewMatcher([]model.Order{sell}))

	if mission.BuyOrderID != "" {
		t.Errorf("expected no funding buy, got %q", mission.BuyOrderID)
	}
	if !mission.Profit.IsZero() || !mission.Cost.IsZero() {
		t.Errorf("expected zero cost and profit, got cost=%s profit=%s", mission.Cost, mission.Profit)
	}
}

func TestRecorder_Dedup(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder()

	batch := []model.Order{
		filledOrder("sell-1", model.SideSell, model.ConfigLimitGTC, 1.0, 150, 0.5, base),
		filledOrder("buy-1", model.SideBuy, model.ConfigMarketIOC, 1.0, 100, 0.5, base.Add(-time.Hour)),
	}

	if got := rec.Process(batch); len(got) != 1 || got[0].OrderID != "sell-1" {
		t.Fatalf("first cycle: expected [sell-1], got %+v", got)
	}
	if got := rec.Process(batch); len(got) != 0 {
		t.Errorf("second cycle: expected no new missions, got %d", len(got))
	}

	batch = append(batch, filledOrder("sell-2", model.SideSell, model.ConfigMarketIOC, 1.0, 140, 0.5, base.Add(time.Hour)))
	got := rec.Process(batch)
	if len(got) != 1 || got[0].OrderID != "sell-2" {
		t.Errorf("expected only the new sell-2, got %+v", got)
	}
}
