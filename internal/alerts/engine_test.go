package alerts

import (
	"context"
	"testing"
	"time"

	"moonlander/internal/model"
)

func TestEngine_RoutesEvalsToRules(t *testing.T) {
	eng := NewEngine(10)
	eng.Register(NewStatusChangeRule())

	evalCh := make(chan model.OrderEval, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx, evalCh, nil)

	evalCh <- healthEval("ord-1", model.StatusStable, fptr(80))
	evalCh <- healthEval("ord-1", model.StatusCritical, fptr(10))

	select {
	case a := <-eng.Alerts():
		if a.Level != LevelCritical || a.OrderID != "ord-1" {
			t.Errorf("unexpected alert %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert")
	}
}

func TestEngine_RoutesTicksToRules(t *testing.T) {
	eng := NewEngine(10)
	rule := NewStaleFeedRule()
	rule.Configure(time.Second, 2*time.Second)
	eng.Register(rule)

	tickCh := make(chan model.Tick, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx, nil, tickCh)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tickCh <- model.Tick{Product: "BTC-USD", Price: 100, TS: base}
	tickCh <- model.Tick{Product: "BTC-USD", Price: 100, TS: base.Add(3 * time.Second)}

	select {
	case a := <-eng.Alerts():
		if a.Rule != "stale_feed" || a.Level != LevelWarning {
			t.Errorf("unexpected alert %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stale alert")
	}
}

func TestEngine_EmitDropsWhenFull(t *testing.T) {
	eng := NewEngine(1)

	eng.Emit(Alert{Rule: "board", Level: LevelInfo, Message: "first"})
	eng.Emit(Alert{Rule: "board", Level: LevelInfo, Message: "second"}) // dropped, must not block

	a := <-eng.Alerts()
	if a.Message != "first" {
		t.Errorf("expected first alert kept, got %s", a.Message)
	}
	if a.TS.IsZero() {
		t.Error("Emit must stamp the alert")
	}
	select {
	case a := <-eng.Alerts():
		t.Errorf("expected second alert dropped, got %+v", a)
	default:
	}
}
