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

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/moonlander.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// It persists ticks and evaluations for replay, and records completed
// missions. Satisfies model.EvalWriter and model.MissionStore.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			product   TEXT    NOT NULL,
			ts        INTEGER NOT NULL,
			price     REAL    NOT NULL,
			direction TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (product, ts)
		);

		CREATE TABLE IF NOT EXISTS evaluations (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT    NOT NULL,
			product  TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			status   TEXT    NOT NULL,
			health   REAL,
			data     TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_evaluations_product_ts ON evaluations (product, ts);
		CREATE INDEX IF NOT EXISTS idx_evaluations_order ON evaluations (order_id);

		CREATE TABLE IF NOT EXISTS missions (
			order_id     TEXT PRIMARY KEY,
			product      TEXT    NOT NULL,
			outcome      TEXT    NOT NULL,
			profit       TEXT    NOT NULL,
			completed_at INTEGER NOT NULL,
			data         TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_missions_completed ON missions (completed_at);
	`)
	return err
}

// Run reads evaluations and ticks from the channels and inserts them in
// batched transactions. Flushes every batchSize rows OR every flushDelay,
// whichever first. Blocks until ctx is cancelled or both channels are closed.
func (w *Writer) Run(ctx context.Context, evalCh <-chan model.OrderEval, tickCh <-chan model.Tick) {
	evalBatch := make([]model.OrderEval, 0, defaultBatchSize)
	tickBatch := make([]model.Tick, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(tickBatch) > 0 {
			start := time.Now()
			if err := w.insertTickBatch(tickBatch); err != nil {
				log.Printf("[sqlite] tick batch insert error: %v", err)
			} else {
				log.Printf("[sqlite] committed %d ticks in %v", len(tickBatch), time.Since(start))
			}
			tickBatch = tickBatch[:0]
		}
		if len(evalBatch) > 0 {
			start := time.Now()
			if err := w.insertEvalBatch(evalBatch); err != nil {
				log.Printf("[sqlite] eval batch insert error: %v", err)
			} else {
				log.Printf("[sqlite] committed %d evaluations in %v", len(evalBatch), time.Since(start))
			}
			evalBatch = evalBatch[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case oe, ok := <-evalCh:
			if !ok {
				if tickCh == nil {
					flush()
					return
				}
				evalCh = nil
				continue
			}
			evalBatch = append(evalBatch, oe)
			if len(evalBatch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case tick, ok := <-tickCh:
			if !ok {
				if evalCh == nil {
					flush()
					return
				}
				tickCh = nil
				continue
			}
			tickBatch = append(tickBatch, tick)
			if len(tickBatch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertTickBatch inserts a batch of ticks in a single transaction.
// Timestamps are stored with millisecond precision so same-second
// observations do not collide on the primary key.
func (w *Writer) insertTickBatch(ticks []model.Tick) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO ticks (product, ts, price, direction)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range ticks {
		_, err := stmt.Exec(t.Product, t.TS.UnixMilli(), t.Price, string(t.Direction))
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// insertEvalBatch inserts a batch of evaluations in a single transaction.
func (w *Writer) insertEvalBatch(evals []model.OrderEval) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO evaluations (order_id, product, ts, status, health, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range evals {
		e := &evals[i].Eval
		_, err := stmt.Exec(e.OrderID, e.Product, e.TS.UnixMilli(), string(e.Status), e.Health, string(evals[i].JSON()))
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// RecordMission persists a completed mission. The order_id primary key
// makes recording idempotent: re-processing the same sell after a restart
// is a no-op.
func (w *Writer) RecordMission(m model.Mission) error {
	_, err := w.db.Exec(`
		INSERT OR IGNORE INTO missions (order_id, product, outcome, profit, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.OrderID, m.Product, string(m.Outcome), m.Profit.String(), m.CompletedAt.UnixMilli(), string(m.JSON()))
	if err != nil {
		return fmt.Errorf("sqlite insert mission: %w", err)
	}
	return nil
}

// Missions returns the newest missions first, up to limit.
func (w *Writer) Missions(limit int) ([]model.Mission, error) {
	rows, err := w.db.Query(`
		SELECT data FROM missions ORDER BY completed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query missions: %w", err)
	}
	defer rows.Close()

	missions := make([]model.Mission, 0, limit)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			log.Printf("[sqlite] mission scan error: %v", err)
			continue
		}
		var m model.Mission
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			log.Printf("[sqlite] mission decode error: %v", err)
			continue
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// LastTickTS returns the newest stored tick timestamp for a product in
// unix milliseconds, or 0 if none exist.
func (w *Writer) LastTickTS(product string) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM ticks WHERE product = ?`,
		product,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Prune deletes ticks and evaluations older than the cutoff. Missions are
// kept forever.
func (w *Writer) Prune(olderThan time.Time) error {
	cutoff := olderThan.UnixMilli()
	res, err := w.db.Exec(`DELETE FROM ticks WHERE ts < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("sqlite prune ticks: %w", err)
	}
	ticksGone, _ := res.RowsAffected()

	res, err = w.db.Exec(`DELETE FROM evaluations WHERE ts < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("sqlite prune evaluations: %w", err)
	}
	evalsGone, _ := res.RowsAffected()

	if ticksGone > 0 || evalsGone > 0 {
		log.Printf("[sqlite] pruned %d ticks, %d evaluations older than %s", ticksGone, evalsGone, olderThan.UTC().Format(time.RFC3339))
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
