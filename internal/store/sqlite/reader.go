package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"moonlander/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to SQLite for replay and inspection.
// Satisfies model.TickReader and model.EvalReader.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadTicks returns ticks for a product after the given unix timestamp
// (seconds), ordered by timestamp ascending for correct replay order.
func (r *Reader) ReadTicks(product string, afterTS int64) ([]model.Tick, error) {
	rows, err := r.db.Query(`
		SELECT product, ts, price, direction
		FROM ticks
		WHERE product = ? AND ts > ?
		ORDER BY ts ASC
	`, product, afterTS*1000)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []model.Tick
	for rows.Next() {
		var t model.Tick
		var tsMilli int64
		var direction string
		if err := rows.Scan(&t.Product, &tsMilli, &t.Price, &direction); err != nil {
			return nil, fmt.Errorf("sqlite scan ticks: %w", err)
		}
		t.TS = time.UnixMilli(tsMilli).UTC()
		t.Direction = model.Direction(direction)
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// ReadEvals returns up to limit evaluations for a product in chronological
// order. The newest rows are selected first, then reversed, so a small
// limit always covers the most recent activity.
func (r *Reader) ReadEvals(ctx context.Context, product string, limit int) ([]model.Evaluation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data
		FROM evaluations
		WHERE product = ?
		ORDER BY ts DESC
		LIMIT ?
	`, product, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query evaluations: %w", err)
	}
	defer rows.Close()

	var evals []model.Evaluation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			log.Printf("[sqlite-reader] eval scan error: %v", err)
			continue
		}
		var oe model.OrderEval
		if err := json.Unmarshal([]byte(data), &oe); err != nil {
			log.Printf("[sqlite-reader] eval decode error: %v", err)
			continue
		}
		evals = append(evals, oe.Eval)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(evals)-1; i < j; i, j = i+1, j-1 {
		evals[i], evals[j] = evals[j], evals[i]
	}
	return evals, nil
}

// ReadOrderSnapshots returns the newest recorded snapshot of every order
// seen for a product. Replay re-evaluates these against historical ticks.
func (r *Reader) ReadOrderSnapshots(product string) ([]model.Order, error) {
	rows, err := r.db.Query(`
		SELECT data
		FROM evaluations
		WHERE id IN (
			SELECT MAX(id) FROM evaluations WHERE product = ? GROUP BY order_id
		)
		ORDER BY order_id
	`, product)
	if err != nil {
		return nil, fmt.Errorf("sqlite query order snapshots: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			log.Printf("[sqlite-reader] snapshot scan error: %v", err)
			continue
		}
		var oe model.OrderEval
		if err := json.Unmarshal([]byte(data), &oe); err != nil {
			log.Printf("[sqlite-reader] snapshot decode error: %v", err)
			continue
		}
		orders = append(orders, oe.Order)
	}
	return orders, rows.Err()
}

// TickProducts returns the distinct products with recorded ticks.
func (r *Reader) TickProducts() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT product FROM ticks ORDER BY product`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query products: %w", err)
	}
	defer rows.Close()

	var products []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("sqlite scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// TickRange returns the first and last recorded tick time for a product.
// Returns zero times when no ticks exist.
func (r *Reader) TickRange(product string) (time.Time, time.Time, error) {
	var minTS, maxTS sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MIN(ts), MAX(ts) FROM ticks WHERE product = ?`,
		product,
	).Scan(&minTS, &maxTS)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("sqlite tick range: %w", err)
	}
	if !minTS.Valid || !maxTS.Valid {
		return time.Time{}, time.Time{}, nil
	}
	return time.UnixMilli(minTS.Int64).UTC(), time.UnixMilli(maxTS.Int64).UTC(), nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
