package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple business logic from concrete storage implementations
// (Redis, SQLite). Each implementation satisfies one or more of these interfaces.

// EvalWriter consumes evaluation batches and ticks and persists them.
type EvalWriter interface {
	// Run reads from the channels and writes until ctx is cancelled or both
	// channels are closed.
	Run(ctx context.Context, evalCh <-chan OrderEval, tickCh <-chan Tick)

	// Close releases underlying resources.
	Close() error
}

// EvalReader reads recent evaluations for snapshots and REST queries.
type EvalReader interface {
	// ReadEvals returns up to limit evaluations for a product in
	// chronological order.
	ReadEvals(ctx context.Context, product string, limit int) ([]Evaluation, error)

	// Close releases underlying resources.
	Close() error
}

// TickReader reads recorded ticks for replay.
type TickReader interface {
	// ReadTicks returns ticks for a product after the given unix
	// timestamp, ascending.
	ReadTicks(product string, afterTS int64) ([]Tick, error)

	// Close releases underlying resources.
	Close() error
}

// MissionStore records and lists completed missions.
type MissionStore interface {
	// RecordMission persists a mission. Recording the same order twice is
	// a no-op so poll cycles can overlap safely.
	RecordMission(m Mission) error

	// Missions returns the newest missions first, up to limit.
	Missions(limit int) ([]Mission, error)

	// Close releases underlying resources.
	Close() error
}

// BoardPublisher pushes board snapshots for dashboard consumers. Snapshots
// travel as raw JSON to avoid a model→board→model import cycle.
type BoardPublisher interface {
	// PublishBoardJSON stores and broadcasts a JSON-encoded board snapshot.
	PublishBoardJSON(ctx context.Context, data []byte) error
}
