// Package alerts provides the rule engine for operator notifications.
//
// A Rule receives pipeline output (evaluations, ticks) and emits alerts
// when something needs attention. The Engine manages rule lifecycle:
// registration, data routing, and alert collection.
package alerts

import (
	"context"
	"log"
	"time"

	"moonlander/internal/model"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is a single operator notification.
type Alert struct {
	Rule    string    `json:"rule"`
	Level   Level     `json:"level"`
	OrderID string    `json:"order_id,omitempty"`
	Product string    `json:"product_id,omitempty"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// Rule is the interface all alert rules implement.
type Rule interface {
	// Name returns the unique name of the rule.
	Name() string

	// OnEval is called for each order evaluation.
	// Return an Alert if the rule wants to fire, or nil to skip.
	OnEval(oe model.OrderEval) *Alert

	// OnTick is called for each price tick (optional, can return nil).
	OnTick(tick model.Tick) *Alert
}

// Engine manages registered rules and routes pipeline data to them.
type Engine struct {
	rules   []Rule
	alertCh chan Alert
}

// NewEngine creates a new alert engine.
func NewEngine(alertBufferSize int) *Engine {
	return &Engine{
		alertCh: make(chan Alert, alertBufferSize),
	}
}

// Register adds a rule to the engine.
func (e *Engine) Register(r Rule) {
	e.rules = append(e.rules, r)
}

// Alerts returns the channel of alerts emitted by rules.
func (e *Engine) Alerts() <-chan Alert {
	return e.alertCh
}

// Emit queues an alert from outside the rule set (board membership
// changes, shutdown notices). Drops when the channel is full.
func (e *Engine) Emit(a Alert) {
	if a.TS.IsZero() {
		a.TS = time.Now().UTC()
	}
	select {
	case e.alertCh <- a:
	default:
		log.Printf("[alerts] alert channel full, dropping %s alert from %s", a.Level, a.Rule)
	}
}

// Run consumes evaluations and ticks and routes them to all registered
// rules. Either channel may be nil. Blocks until ctx is cancelled or
// both channels are closed.
func (e *Engine) Run(ctx context.Context, evalCh <-chan model.OrderEval, tickCh <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case oe, ok := <-evalCh:
			if !ok {
				if tickCh == nil {
					return
				}
				evalCh = nil
				continue
			}
			for _, r := range e.rules {
				if a := r.OnEval(oe); a != nil {
					e.Emit(*a)
				}
			}
		case tick, ok := <-tickCh:
			if !ok {
				if evalCh == nil {
					return
				}
				tickCh = nil
				continue
			}
			for _, r := range e.rules {
				if a := r.OnTick(tick); a != nil {
					e.Emit(*a)
				}
			}
		}
	}
}
