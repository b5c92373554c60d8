package model

import (
	"encoding/json"
	"time"
)

// HealthStatus classifies an order's health score.
type HealthStatus string

const (
	StatusStable   HealthStatus = "STABLE"
	StatusUnstable HealthStatus = "UNSTABLE"
	StatusCritical HealthStatus = "CRITICAL"
	StatusUnknown  HealthStatus = "UNKNOWN" // sentinel: health could not be computed
)

// Bias is the directional tendency of an in-flight order since entry.
type Bias string

const (
	BiasForward Bias = "FORWARD" // moving toward take-profit
	BiasRetreat Bias = "RETREAT" // moving toward stop-loss
	BiasNone    Bias = "NONE"
)

// Phase is the rocket metaphor for order state: a buy limit waits on the
// pad, a sell tracks toward its bounds.
type Phase string

const (
	PhaseStaging  Phase = "STAGING"
	PhaseInFlight Phase = "IN_FLIGHT"
)

// Evaluation is the derived health record for one order at one price.
// Recomputed on every tick; owns no state. Health is nil when the order's
// bounds make the score undefined (missing bound, degenerate range), which
// serializes as JSON null.
type Evaluation struct {
	OrderID   string       `json:"order_id"`
	Product   string       `json:"product_id"`
	Health    *float64     `json:"health"` // [0,100], nil when unknown
	Status    HealthStatus `json:"status"`
	Bias      Bias         `json:"bias"`
	Phase     Phase        `json:"phase"`
	VisualPos float64      `json:"visual_pos"` // [4,96] render position
	Payload   float64      `json:"payload"`    // size x price
	Upside    float64      `json:"upside"`     // size x target - size x price
	Price     float64      `json:"price"`      // price evaluated at
	TS        time.Time    `json:"ts"`
}

// StreamKey returns the Redis stream key: "stream:eval:{product}".
func (e *Evaluation) StreamKey() string {
	return "stream:eval:" + e.Product
}

// JSON returns the JSON-encoded evaluation.
func (e *Evaluation) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// OrderEval is the pipeline unit: an order snapshot with its evaluation.
// The fanout carries these to the stores, the board and the alert engine.
type OrderEval struct {
	Order Order      `json:"order"`
	Eval  Evaluation `json:"eval"`
}

// Key returns "product:orderID", unique per live order.
func (oe *OrderEval) Key() string {
	return oe.Order.Product + ":" + oe.Order.ID
}

// LatestKey returns the Redis key holding the newest evaluation:
// "eval:latest:{product}:{orderID}".
func (oe *OrderEval) LatestKey() string {
	return "eval:latest:" + oe.Order.Product + ":" + oe.Order.ID
}

// JSON returns the JSON-encoded pair.
func (oe *OrderEval) JSON() []byte {
	b, _ := json.Marshal(oe)
	return b
}
