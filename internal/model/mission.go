package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the terminal classification of a completed mission.
type Outcome string

const (
	OutcomeSuccess     Outcome = "SUCCESS"      // reached its take-profit
	OutcomeCrashLanded Outcome = "CRASH_LANDED" // stop leg fired
	OutcomeAborted     Outcome = "ABORTED"      // cancelled or manual bail-out
)

// Mission is a closed order with its outcome and realized profit. Profit is
// computed by matching the closing sell against the buy that funded it;
// BuyOrderID records which buy was matched (empty when no candidate existed).
type Mission struct {
	OrderID     string          `json:"order_id"`
	Product     string          `json:"product_id"`
	Side        Side            `json:"side"`
	Config      string          `json:"order_config"`
	Outcome     Outcome         `json:"outcome"`
	Size        decimal.Decimal `json:"size"`
	AvgFill     decimal.Decimal `json:"avg_fill"`
	Proceeds    decimal.Decimal `json:"proceeds"`
	Cost        decimal.Decimal `json:"cost"`
	Profit      decimal.Decimal `json:"profit"`
	BuyOrderID  string          `json:"buy_order_id"`
	CompletedAt time.Time       `json:"completed_at"`
}

// StreamKey returns the Redis stream key shared by all missions.
func (m *Mission) StreamKey() string {
	return "stream:mission"
}

// JSON returns the JSON-encoded mission.
func (m *Mission) JSON() []byte {
	b, _ := json.Marshal(m)
	return b
}
