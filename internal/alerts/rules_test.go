package alerts

import (
	"strings"
	"testing"
	"time"

	"moonlander/internal/model"
)

func fptr(v float64) *float64 { return &v }

func healthEval(id string, status model.HealthStatus, health *float64) model.OrderEval {
	return model.OrderEval{
		Order: model.Order{ID: id, Product: "BTC-USD", Side: model.SideSell},
		Eval:  model.Evaluation{OrderID: id, Product: "BTC-USD", Status: status, Health: health},
	}
}

func TestStatusChangeRule(t *testing.T) {
	r := NewStatusChangeRule()

	if a := r.OnEval(healthEval("ord-1", model.StatusStable, fptr(80))); a != nil {
		t.Fatalf("first observation must not fire, got %+v", a)
	}
	if a := r.OnEval(healthEval("ord-1", model.StatusStable, fptr(75))); a != nil {
		t.Fatalf("unchanged status must not fire, got %+v", a)
	}

	a := r.OnEval(healthEval("ord-1", model.StatusUnstable, fptr(50)))
	if a == nil {
		t.Fatal("expected alert on STABLE -> UNSTABLE")
	}
	if a.Level != LevelWarning {
		t.Errorf("expected WARNING, got %s", a.Level)
	}
	if !strings.Contains(a.Message, "STABLE -> UNSTABLE") {
		t.Errorf("message missing transition: %s", a.Message)
	}

	a = r.OnEval(healthEval("ord-1", model.StatusCritical, fptr(10)))
	if a == nil || a.Level != LevelCritical {
		t.Fatalf("expected CRITICAL alert, got %+v", a)
	}

	if a := r.OnEval(healthEval("ord-1", model.StatusCritical, fptr(8))); a != nil {
		t.Errorf("sustained state must fire once, got %+v", a)
	}
}

func TestStatusChangeRule_Forget(t *testing.T) {
	r := NewStatusChangeRule()
	r.OnEval(healthEval("ord-1", model.StatusStable, fptr(80)))
	r.Forget("ord-1")

	if a := r.OnEval(healthEval("ord-1", model.StatusCritical, fptr(5))); a != nil {
		t.Errorf("after Forget the next eval is a first observation, got %+v", a)
	}
}

func TestTrendRule(t *testing.T) {
	r := NewTrendRule(3)

	for _, h := range []float64{90, 85, 80} {
		if a := r.OnEval(healthEval("ord-1", model.StatusStable, fptr(h))); a != nil {
			t.Fatalf("streak not complete at %.0f, got %+v", h, a)
		}
	}

	a := r.OnEval(healthEval("ord-1", model.StatusUnstable, fptr(75)))
	if a == nil {
		t.Fatal("expected alert after 3 consecutive declines")
	}
	if !strings.Contains(a.Message, "90.0 -> 75.0") {
		t.Errorf("message missing streak range: %s", a.Message)
	}

	if a := r.OnEval(healthEval("ord-1", model.StatusUnstable, fptr(70))); a != nil {
		t.Errorf("streak fires once, got %+v", a)
	}

	// A rise re-arms the rule.
	r.OnEval(healthEval("ord-1", model.StatusUnstable, fptr(72)))
	r.OnEval(healthEval("ord-1", model.StatusUnstable, fptr(71)))
	r.OnEval(healthEval("ord-1", model.StatusUnstable, fptr(70)))
	a = r.OnEval(healthEval("ord-1", model.StatusUnstable, fptr(69)))
	if a == nil {
		t.Fatal("expected alert after re-armed streak")
	}
	if !strings.Contains(a.Message, "72.0 -> 69.0") {
		t.Errorf("message missing re-armed range: %s", a.Message)
	}
}

func TestTrendRule_SkipsUnknownHealth(t *testing.T) {
	r := NewTrendRule(2)

	r.OnEval(healthEval("ord-1", model.StatusStable, fptr(90)))
	r.OnEval(healthEval("ord-1", model.StatusStable, fptr(85)))
	// Unknown health neither fires nor breaks the streak.
	if a := r.OnEval(healthEval("ord-1", model.StatusUnknown, nil)); a != nil {
		t.Fatalf("unknown health must not fire, got %+v", a)
	}
	if a := r.OnEval(healthEval("ord-1", model.StatusUnstable, fptr(80))); a == nil {
		t.Error("expected streak to survive an unknown-health gap")
	}
}

func TestStaleFeedRule(t *testing.T) {
	r := NewStaleFeedRule()
	r.Configure(3*time.Second, 10*time.Second)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tick := func(price float64, at time.Time) *Alert {
		return r.OnTick(model.Tick{Product: "ETH-USD", Price: price, TS: at})
	}

	if a := tick(100, base); a != nil {
		t.Fatalf("live feed must not fire, got %+v", a)
	}
	if a := tick(100, base.Add(4*time.Second)); a != nil {
		t.Fatalf("suspect transition must not fire, got %+v", a)
	}

	a := tick(100, base.Add(11*time.Second))
	if a == nil || a.Level != LevelWarning {
		t.Fatalf("expected WARNING on stale transition, got %+v", a)
	}
	if !strings.Contains(a.Message, "ETH-USD feed stale") {
		t.Errorf("unexpected message: %s", a.Message)
	}

	a = tick(101, base.Add(12*time.Second))
	if a == nil || a.Level != LevelInfo {
		t.Fatalf("expected INFO on recovery, got %+v", a)
	}

	if a := tick(101, base.Add(12*time.Second)); a != nil {
		t.Errorf("stable live feed must not refire, got %+v", a)
	}
}
