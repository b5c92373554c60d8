package coinbase

import (
	"encoding/json"
	"testing"

	"moonlander/internal/model"
)

func parseWire(t *testing.T, raw string) model.Order {
	t.Helper()
	var w wireOrder
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		t.Fatalf("unmarshal wire order: %v", err)
	}
	return w.toModel()
}

func TestToModel_SellLimit(t *testing.T) {
	o := parseWire(t, `{
		"order_id": "a1",
		"product_id": "BTC-USD",
		"side": "SELL",
		"status": "OPEN",
		"created_time": "2024-03-01T12:00:00Z",
		"average_filled_price": "0",
		"filled_size": "0",
		"total_fees": "0",
		"order_configuration": {
			"limit_limit_gtc": {"base_size": "0.5", "limit_price": "60000"}
		}
	}`)

	if o.Config != model.ConfigLimitGTC {
		t.Fatalf("expected limit_limit_gtc, got %s", o.Config)
	}
	if !o.HasTakeProfit() || o.TakeProfit.String() != "60000" {
		t.Errorf("sell limit price should land in TakeProfit, got %s", o.TakeProfit)
	}
	if o.HasStopLoss() {
		t.Errorf("sell limit should carry no stop, got %s", o.StopLoss)
	}
	if !o.EntryPrice.IsZero() {
		t.Errorf("sell limit should not set entry, got %s", o.EntryPrice)
	}
	if o.Size.String() != "0.5" {
		t.Errorf("expected size 0.5, got %s", o.Size)
	}
}

func TestToModel_BuyLimit(t *testing.T) {
	o := parseWire(t, `{
		"order_id": "a2",
		"product_id": "ETH-USD",
		"side": "BUY",
		"status": "OPEN",
		"created_time": "2024-03-01T12:00:00Z",
		"order_configuration": {
			"limit_limit_gtd": {"base_size": "2", "limit_price": "2500", "end_time": "2024-04-01T00:00:00Z"}
		}
	}`)

	if o.Config != model.ConfigLimitGTD {
		t.Fatalf("expected limit_limit_gtd, got %s", o.Config)
	}
	if o.EntryPrice.String() != "2500" {
		t.Errorf("buy limit price is the entry reference, got %s", o.EntryPrice)
	}
	if o.HasTakeProfit() || o.HasStopLoss() {
		t.Error("buy limit should carry no stop/target bounds")
	}
}

func TestToModel_Bracket(t *testing.T) {
	o := parseWire(t, `{
		"order_id": "a3",
		"product_id": "SOL-USD",
		"side": "SELL",
		"status": "OPEN",
		"created_time": "2024-03-01T12:00:00Z",
		"order_configuration": {
			"trigger_bracket_gtc": {"base_size": "10", "limit_price": "200", "stop_trigger_price": "120"}
		}
	}`)

	if o.Config != model.ConfigBracketGTC {
		t.Fatalf("expected trigger_bracket_gtc, got %s", o.Config)
	}
	if o.TakeProfit.String() != "200" {
		t.Errorf("expected take-profit 200, got %s", o.TakeProfit)
	}
	if o.StopLoss.String() != "120" {
		t.Errorf("expected stop-loss 120, got %s", o.StopLoss)
	}
}

func TestToModel_StopLimit(t *testing.T) {
	o := parseWire(t, `{
		"order_id": "a4",
		"product_id": "BTC-USD",
		"side": "SELL",
		"status": "OPEN",
		"created_time": "2024-03-01T12:00:00Z",
		"order_configuration": {
			"stop_limit_stop_limit_gtc": {"base_size": "1", "limit_price": "48000", "stop_price": "49000", "stop_direction": "STOP_DIRECTION_STOP_DOWN"}
		}
	}`)

	if o.Config != model.ConfigStopLimitGTC {
		t.Fatalf("expected stop_limit_stop_limit_gtc, got %s", o.Config)
	}
	if o.StopLoss.String() != "49000" {
		t.Errorf("expected stop-loss 49000, got %s", o.StopLoss)
	}
	// The stop-limit's limit leg is the exit print, not a take-profit bound.
	if o.HasTakeProfit() {
		t.Errorf("stop-limit should carry no take-profit, got %s", o.TakeProfit)
	}
}

func TestToModel_MarketFallsBackToFilledSize(t *testing.T) {
	o := parseWire(t, `{
		"order_id": "a5",
		"product_id": "BTC-USD",
		"side": "SELL",
		"status": "FILLED",
		"created_time": "2024-03-01T12:00:00Z",
		"average_filled_price": "51000.25",
		"filled_size": "0.75",
		"total_fees": "12.50",
		"order_configuration": {
			"market_market_ioc": {"quote_size": "38000"}
		}
	}`)

	if o.Config != model.ConfigMarketIOC {
		t.Fatalf("expected market_market_ioc, got %s", o.Config)
	}
	if o.Size.String() != "0.75" {
		t.Errorf("market size should come from filled_size, got %s", o.Size)
	}
	if o.AvgFill.String() != "51000.25" {
		t.Errorf("expected avg fill 51000.25, got %s", o.AvgFill)
	}
	if o.Fees.String() != "12.5" {
		t.Errorf("expected fees 12.5, got %s", o.Fees)
	}
}

func TestToModel_GarbagePricesTreatedAsAbsent(t *testing.T) {
	o := parseWire(t, `{
		"order_id": "a6",
		"product_id": "BTC-USD",
		"side": "SELL",
		"status": "OPEN",
		"created_time": "2024-03-01T12:00:00Z",
		"order_configuration": {
			"trigger_bracket_gtc": {"base_size": "1", "limit_price": "not-a-number", "stop_trigger_price": ""}
		}
	}`)

	if o.HasTakeProfit() || o.HasStopLoss() {
		t.Errorf("unparsable prices should read as absent: tp=%s sl=%s", o.TakeProfit, o.StopLoss)
	}
}

func TestSign_Deterministic(t *testing.T) {
	c := New(Config{APIKey: "key", APISecret: "secret"})

	sig1 := c.sign("1700000000", "GET", "/api/v3/brokerage/orders/historical/batch", "")
	sig2 := c.sign("1700000000", "GET", "/api/v3/brokerage/orders/historical/batch", "")
	if sig1 != sig2 {
		t.Fatal("same inputs must produce the same signature")
	}
	if len(sig1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig1))
	}
	if sig3 := c.sign("1700000001", "GET", "/api/v3/brokerage/orders/historical/batch", ""); sig3 == sig1 {
		t.Fatal("different timestamps must change the signature")
	}
}
