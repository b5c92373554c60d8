// Package board maintains the mission board: the live, ordered set of
// watched orders with their latest evaluations.
//
// The board is rebuilt from each poll cycle and reports which orders
// appeared or departed so downstream consumers can announce changes.
package board

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"moonlander/internal/model"
)

// Diff describes how one poll cycle changed the board.
type Diff struct {
	Added    []string `json:"added,omitempty"`
	Departed []string `json:"departed,omitempty"`
}

// Empty reports whether the cycle changed the board membership at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Departed) == 0
}

// Snapshot is the full board state at one instant, rows newest-first.
type Snapshot struct {
	Rows      []model.OrderEval `json:"rows"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Board holds the active orders sorted newest-first by creation time.
type Board struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[*model.OrderEval]
	byID    map[string]*model.OrderEval
	updated time.Time
}

// New creates an empty Board.
func New() *Board {
	// Sorted newest first; ID breaks ties so the ordering is total.
	tree := btree.NewBTreeG(func(a, b *model.OrderEval) bool {
		if !a.Order.CreatedAt.Equal(b.Order.CreatedAt) {
			return a.Order.CreatedAt.After(b.Order.CreatedAt)
		}
		return a.Order.ID < b.Order.ID
	})
	return &Board{
		tree: tree,
		byID: make(map[string]*model.OrderEval),
	}
}

// Apply replaces the board membership with the given poll cycle and
// returns the membership diff. Orders already on the board keep their
// row identity and get their snapshot and evaluation refreshed.
func (b *Board) Apply(evals []model.OrderEval) Diff {
	b.mu.Lock()
	defer b.mu.Unlock()

	var diff Diff
	seen := make(map[string]bool, len(evals))
	for i := range evals {
		oe := evals[i]
		seen[oe.Order.ID] = true
		if existing, ok := b.byID[oe.Order.ID]; ok {
			// Delete before mutating: the tree locates items through
			// the (CreatedAt, ID) comparator.
			b.tree.Delete(existing)
			existing.Order = oe.Order
			existing.Eval = oe.Eval
			b.tree.Set(existing)
			continue
		}
		entry := &oe
		b.byID[oe.Order.ID] = entry
		b.tree.Set(entry)
		diff.Added = append(diff.Added, oe.Order.ID)
	}

	for id, entry := range b.byID {
		if seen[id] {
			continue
		}
		b.tree.Delete(entry)
		delete(b.byID, id)
		diff.Departed = append(diff.Departed, id)
	}

	b.updated = time.Now().UTC()
	return diff
}

// Snapshot returns a copy of the board, rows newest-first.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rows := make([]model.OrderEval, 0, b.tree.Len())
	b.tree.Scan(func(e *model.OrderEval) bool {
		rows = append(rows, *e)
		return true
	})
	return Snapshot{Rows: rows, UpdatedAt: b.updated}
}

// SnapshotJSON returns the JSON-encoded snapshot for publishing.
func (b *Board) SnapshotJSON() []byte {
	snap := b.Snapshot()
	buf, _ := json.Marshal(&snap)
	return buf
}

// Len returns the number of orders on the board.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}
