package board

import (
	"testing"
	"time"

	"moonlander/internal/model"
)

func boardEval(id string, created time.Time, status model.HealthStatus) model.OrderEval {
	return model.OrderEval{
		Order: model.Order{
			ID:        id,
			Product:   "BTC-USD",
			Side:      model.SideSell,
			Status:    model.StatusOpen,
			CreatedAt: created,
		},
		Eval: model.Evaluation{OrderID: id, Product: "BTC-USD", Status: status},
	}
}

func TestBoard_OrderedNewestFirst(t *testing.T) {
	b := New()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order; snapshot must come back newest-first.
	b.Apply([]model.OrderEval{
		boardEval("mid", base.Add(time.Minute), model.StatusStable),
		boardEval("old", base, model.StatusStable),
		boardEval("new", base.Add(2*time.Minute), model.StatusStable),
	})

	snap := b.Snapshot()
	if len(snap.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(snap.Rows))
	}
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if snap.Rows[i].Order.ID != id {
			t.Errorf("row %d: expected %s, got %s", i, id, snap.Rows[i].Order.ID)
		}
	}
}

func TestBoard_TieBreakByID(t *testing.T) {
	b := New()
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	b.Apply([]model.OrderEval{
		boardEval("bbb", created, model.StatusStable),
		boardEval("aaa", created, model.StatusStable),
	})

	snap := b.Snapshot()
	if snap.Rows[0].Order.ID != "aaa" || snap.Rows[1].Order.ID != "bbb" {
		t.Errorf("expected [aaa bbb], got [%s %s]", snap.Rows[0].Order.ID, snap.Rows[1].Order.ID)
	}
}

func TestBoard_ApplyDiff(t *testing.T) {
	b := New()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	diff := b.Apply([]model.OrderEval{
		boardEval("a", base, model.StatusStable),
		boardEval("b", base.Add(time.Minute), model.StatusStable),
	})
	if len(diff.Added) != 2 || len(diff.Departed) != 0 {
		t.Fatalf("first cycle: expected 2 added, 0 departed, got %+v", diff)
	}

	// Second cycle: "a" filled and left the board, "c" is new.
	diff = b.Apply([]model.OrderEval{
		boardEval("b", base.Add(time.Minute), model.StatusUnstable),
		boardEval("c", base.Add(2*time.Minute), model.StatusStable),
	})
	if len(diff.Added) != 1 || diff.Added[0] != "c" {
		t.Errorf("expected added [c], got %v", diff.Added)
	}
	if len(diff.Departed) != 1 || diff.Departed[0] != "a" {
		t.Errorf("expected departed [a], got %v", diff.Departed)
	}
	if b.Len() != 2 {
		t.Errorf("expected board size 2, got %d", b.Len())
	}
}

func TestBoard_UpdateRefreshesEval(t *testing.T) {
	b := New()
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	b.Apply([]model.OrderEval{boardEval("a", created, model.StatusStable)})
	diff := b.Apply([]model.OrderEval{boardEval("a", created, model.StatusCritical)})

	if !diff.Empty() {
		t.Errorf("same membership should produce empty diff, got %+v", diff)
	}
	snap := b.Snapshot()
	if len(snap.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(snap.Rows))
	}
	if snap.Rows[0].Eval.Status != model.StatusCritical {
		t.Errorf("expected refreshed status CRITICAL, got %s", snap.Rows[0].Eval.Status)
	}
}

func TestBoard_SnapshotIsCopy(t *testing.T) {
	b := New()
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	b.Apply([]model.OrderEval{boardEval("a", created, model.StatusStable)})

	snap := b.Snapshot()
	snap.Rows[0].Eval.Status = model.StatusCritical

	if got := b.Snapshot().Rows[0].Eval.Status; got != model.StatusStable {
		t.Errorf("mutating a snapshot leaked into the board: %s", got)
	}
}
