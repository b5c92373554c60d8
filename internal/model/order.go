package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side as reported by the exchange.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the exchange-reported lifecycle state.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Order configuration keys as they appear in the exchange's
// order_configuration envelope. History outcome rules key off these.
const (
	ConfigLimitGTC     = "limit_limit_gtc"
	ConfigLimitGTD     = "limit_limit_gtd"
	ConfigBracketGTC   = "trigger_bracket_gtc"
	ConfigBracketGTD   = "trigger_bracket_gtd"
	ConfigStopLimitGTC = "stop_limit_stop_limit_gtc"
	ConfigStopLimitGTD = "stop_limit_stop_limit_gtd"
	ConfigMarketIOC    = "market_market_ioc"
)

// Order is a read-only snapshot of an exchange order. Money fields ride as
// decimals because the exchange serializes them as JSON strings; a zero
// decimal means the field was absent from the order configuration.
type Order struct {
	ID         string          `json:"order_id"`
	Product    string          `json:"product_id"`
	Side       Side            `json:"side"`
	Config     string          `json:"order_config"` // order_configuration key
	Status     OrderStatus     `json:"status"`
	EntryPrice decimal.Decimal `json:"entry_price"` // buy: limit price; sell: funding buy fill when matchable
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Size       decimal.Decimal `json:"size"`
	AvgFill    decimal.Decimal `json:"avg_fill"`
	Fees       decimal.Decimal `json:"fees"`
	CreatedAt  time.Time       `json:"created_at"`
	FilledAt   time.Time       `json:"filled_at,omitempty"` // zero until the exchange reports a fill
}

// HasStopLoss reports whether the order carries a stop bound.
func (o *Order) HasStopLoss() bool {
	return o.StopLoss.Sign() > 0
}

// HasTakeProfit reports whether the order carries a target bound.
func (o *Order) HasTakeProfit() bool {
	return o.TakeProfit.Sign() > 0
}

// IsBracket reports whether the order is a two-legged bracket.
func (o *Order) IsBracket() bool {
	return o.Config == ConfigBracketGTC || o.Config == ConfigBracketGTD
}

// IsStopLimit reports whether the order is a stop-limit.
func (o *Order) IsStopLimit() bool {
	return o.Config == ConfigStopLimitGTC || o.Config == ConfigStopLimitGTD
}

// IsLimit reports whether the order is a plain limit.
func (o *Order) IsLimit() bool {
	return o.Config == ConfigLimitGTC || o.Config == ConfigLimitGTD
}

// IsMarket reports whether the order is a market IOC.
func (o *Order) IsMarket() bool {
	return o.Config == ConfigMarketIOC
}
