package evaluator

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"moonlander/internal/model"
)

func sellOrder(stop, target float64) model.Order {
	return model.Order{
		ID:         "ord-sell-1",
		Product:    "BTC-USD",
		Side:       model.SideSell,
		Config:     model.ConfigBracketGTC,
		Status:     model.StatusOpen,
		StopLoss:   decimal.NewFromFloat(stop),
		TakeProfit: decimal.NewFromFloat(target),
		Size:       decimal.NewFromFloat(1),
		CreatedAt:  time.Now().UTC(),
	}
}

func buyOrder(entry float64) model.Order {
	return model.Order{
		ID:         "ord-buy-1",
		Product:    "ETH-USD",
		Side:       model.SideBuy,
		Config:     model.ConfigLimitGTC,
		Status:     model.StatusOpen,
		EntryPrice: decimal.NewFromFloat(entry),
		Size:       decimal.NewFromFloat(2),
		CreatedAt:  time.Now().UTC(),
	}
}

func TestHealth_SellBounds(t *testing.T) {
	// Price at the stop scores exactly 0, at the target exactly 100.
	h, err := Health(model.SideSell, 0, 100, 200, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != 0 {
		t.Errorf("expected health=0 at P=S, got %.4f", h)
	}

	h, err = Health(model.SideSell, 0, 100, 200, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != 100 {
		t.Errorf("expected health=100 at P=T, got %.4f", h)
	}
}

func TestHealth_SellExamples(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		health float64
		status model.HealthStatus
	}{
		{"midpoint", 150, 50, model.StatusUnstable},
		{"near_target", 199, 99, model.StatusStable},
		{"near_stop", 110, 10, model.StatusCritical},
		{"above_target_clamped", 250, 100, model.StatusStable},
		{"below_stop_clamped", 50, 0, model.StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Health(model.SideSell, 0, 100, 200, tt.price)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(h-tt.health) > 0.0001 {
				t.Errorf("P=%.2f: expected health=%.2f, got %.4f", tt.price, tt.health, h)
			}
			if got := Classify(h); got != tt.status {
				t.Errorf("P=%.2f: expected status=%s, got %s", tt.price, tt.status, got)
			}
		})
	}
}

func TestHealth_Monotonic(t *testing.T) {
	prev := -1.0
	for p := 100.0; p <= 200.0; p += 0.5 {
		h, err := Health(model.SideSell, 0, 100, 200, p)
		if err != nil {
			t.Fatalf("P=%.2f: unexpected error: %v", p, err)
		}
		if h < prev {
			t.Fatalf("P=%.2f: health %.4f dropped below previous %.4f", p, h, prev)
		}
		prev = h
	}
}

func TestHealth_DegenerateRange(t *testing.T) {
	if _, err := Health(model.SideSell, 0, 100, 100, 150); err != ErrDegenerateRange {
		t.Fatalf("expected ErrDegenerateRange, got %v", err)
	}

	ev := Evaluate(sellOrder(100, 100), 150, time.Now().UTC())
	if ev.Status != model.StatusUnknown {
		t.Errorf("expected UNKNOWN status, got %s", ev.Status)
	}
	if ev.Health != nil {
		t.Errorf("expected nil health, got %.4f", *ev.Health)
	}
}

func TestHealth_MissingBounds(t *testing.T) {
	tests := []struct {
		name         string
		stop, target float64
	}{
		{"no_stop", 0, 200},
		{"no_target", 100, 0},
		{"neither", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Health(model.SideSell, 0, tt.stop, tt.target, 150); err != ErrMissingBound {
				t.Fatalf("expected ErrMissingBound, got %v", err)
			}
			ev := Evaluate(sellOrder(tt.stop, tt.target), 150, time.Now().UTC())
			if ev.Status != model.StatusUnknown {
				t.Errorf("expected UNKNOWN status, got %s", ev.Status)
			}
			if ev.Health != nil {
				t.Errorf("expected nil health, got %.4f", *ev.Health)
			}
		})
	}
}

func TestClassify_Boundaries(t *testing.T) {
	tests := []struct {
		health float64
		status model.HealthStatus
	}{
		{100, model.StatusStable},
		{66.01, model.StatusStable},
		{66, model.StatusStable},
		{65.99, model.StatusUnstable},
		{50, model.StatusUnstable},
		{33, model.StatusUnstable},
		{32.99, model.StatusCritical},
		{0, model.StatusCritical},
	}
	for _, tt := range tests {
		if got := Classify(tt.health); got != tt.status {
			t.Errorf("health=%.2f: expected %s, got %s", tt.health, tt.status, got)
		}
	}
}

func TestEvaluate_Bias(t *testing.T) {
	o := sellOrder(100, 200)
	o.EntryPrice = decimal.NewFromFloat(150)

	ev := Evaluate(o, 160, time.Now().UTC())
	if ev.Bias != model.BiasForward {
		t.Errorf("P above entry: expected FORWARD, got %s", ev.Bias)
	}
	ev = Evaluate(o, 140, time.Now().UTC())
	if ev.Bias != model.BiasRetreat {
		t.Errorf("P below entry: expected RETREAT, got %s", ev.Bias)
	}
	ev = Evaluate(o, 150, time.Now().UTC())
	if ev.Bias != model.BiasNone {
		t.Errorf("P at entry: expected NONE, got %s", ev.Bias)
	}

	// Entry unknown: bias stays neutral even though health computes.
	ev = Evaluate(sellOrder(100, 200), 160, time.Now().UTC())
	if ev.Bias != model.BiasNone {
		t.Errorf("no entry: expected NONE, got %s", ev.Bias)
	}
	if ev.Health == nil {
		t.Fatal("expected health with both bounds present")
	}
}

func TestEvaluate_BiasSurvivesUnknownHealth(t *testing.T) {
	// A stop-limit sell has no target, so health is unknown, but the
	// entry reference still yields a direction.
	o := sellOrder(100, 0)
	o.Config = model.ConfigStopLimitGTC
	o.EntryPrice = decimal.NewFromFloat(150)

	ev := Evaluate(o, 160, time.Now().UTC())
	if ev.Status != model.StatusUnknown {
		t.Errorf("expected UNKNOWN status, got %s", ev.Status)
	}
	if ev.Bias != model.BiasForward {
		t.Errorf("expected FORWARD bias, got %s", ev.Bias)
	}
}

func TestEvaluate_Staging(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		health float64
	}{
		{"at_entry", 100, 100},
		{"half_band_above", 105, 50},
		{"half_band_below", 95, 50},
		{"band_edge", 110, 0},
		{"beyond_band", 130, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Evaluate(buyOrder(100), tt.price, time.Now().UTC())
			if ev.Phase != model.PhaseStaging {
				t.Fatalf("expected STAGING phase, got %s", ev.Phase)
			}
			if ev.Bias != model.BiasNone {
				t.Errorf("staging orders carry no bias, got %s", ev.Bias)
			}
			if ev.Health == nil {
				t.Fatal("expected non-nil health")
			}
			if math.Abs(*ev.Health-tt.health) > 0.0001 {
				t.Errorf("P=%.2f: expected health=%.2f, got %.4f", tt.price, tt.health, *ev.Health)
			}
		})
	}
}

func TestEvaluate_StagingMissingEntry(t *testing.T) {
	ev := Evaluate(buyOrder(0), 100, time.Now().UTC())
	if ev.Status != model.StatusUnknown {
		t.Errorf("expected UNKNOWN status, got %s", ev.Status)
	}
	if ev.Health != nil {
		t.Errorf("expected nil health, got %.4f", *ev.Health)
	}
}

func TestEvaluate_Pure(t *testing.T) {
	o := sellOrder(100, 200)
	ts := time.Now().UTC()

	before := o
	ev1 := Evaluate(o, 150, ts)
	ev2 := Evaluate(o, 150, ts)

	if *ev1.Health != *ev2.Health || ev1.Status != ev2.Status || ev1.Bias != ev2.Bias {
		t.Errorf("same inputs produced different evaluations: %+v vs %+v", ev1, ev2)
	}
	if !o.StopLoss.Equal(before.StopLoss) || !o.TakeProfit.Equal(before.TakeProfit) || o.Status != before.Status {
		t.Error("Evaluate mutated the order snapshot")
	}
}

func TestEvaluate_PayloadAndUpside(t *testing.T) {
	o := sellOrder(100, 200)
	o.Size = decimal.NewFromFloat(2)

	ev := Evaluate(o, 150, time.Now().UTC())
	if math.Abs(ev.Payload-300) > 0.0001 {
		t.Errorf("expected payload=300, got %.4f", ev.Payload)
	}
	if math.Abs(ev.Upside-100) > 0.0001 {
		t.Errorf("expected upside=100, got %.4f", ev.Upside)
	}
}

func TestEvaluate_VisualPosClamped(t *testing.T) {
	// Health 0 and 100 still land inside the [4,96] scene band.
	ev := Evaluate(sellOrder(100, 200), 50, time.Now().UTC())
	if ev.VisualPos != 4 {
		t.Errorf("expected visual_pos=4 at health 0, got %.2f", ev.VisualPos)
	}
	ev = Evaluate(sellOrder(100, 200), 300, time.Now().UTC())
	if ev.VisualPos != 96 {
		t.Errorf("expected visual_pos=96 at health 100, got %.2f", ev.VisualPos)
	}
	ev = Evaluate(sellOrder(100, 100), 150, time.Now().UTC())
	if ev.VisualPos != 50 {
		t.Errorf("expected centered visual_pos for unknown health, got %.2f", ev.VisualPos)
	}
}
