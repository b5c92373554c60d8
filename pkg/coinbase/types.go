package coinbase

import (
	"time"

	"github.com/shopspring/decimal"

	"moonlander/internal/model"
)

// Wire types for the Advanced Trade JSON surface. Prices arrive as strings
// and are parsed into decimals exactly once, in toModel.

type priceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type productBook struct {
	ProductID string       `json:"product_id"`
	Bids      []priceLevel `json:"bids"`
	Asks      []priceLevel `json:"asks"`
}

type productBookResponse struct {
	PriceBook productBook `json:"pricebook"`
}

type limitConfig struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	PostOnly   bool   `json:"post_only,omitempty"`
	EndTime    string `json:"end_time,omitempty"`
}

type bracketConfig struct {
	BaseSize         string `json:"base_size"`
	LimitPrice       string `json:"limit_price"`
	StopTriggerPrice string `json:"stop_trigger_price"`
	EndTime          string `json:"end_time,omitempty"`
}

type stopLimitConfig struct {
	BaseSize      string `json:"base_size"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	StopDirection string `json:"stop_direction,omitempty"`
	EndTime       string `json:"end_time,omitempty"`
}

type marketConfig struct {
	BaseSize  string `json:"base_size,omitempty"`
	QuoteSize string `json:"quote_size,omitempty"`
}

// orderConfiguration is the exchange's one-of envelope: exactly one field
// is set per order.
type orderConfiguration struct {
	LimitGTC     *limitConfig     `json:"limit_limit_gtc,omitempty"`
	LimitGTD     *limitConfig     `json:"limit_limit_gtd,omitempty"`
	BracketGTC   *bracketConfig   `json:"trigger_bracket_gtc,omitempty"`
	BracketGTD   *bracketConfig   `json:"trigger_bracket_gtd,omitempty"`
	StopLimitGTC *stopLimitConfig `json:"stop_limit_stop_limit_gtc,omitempty"`
	StopLimitGTD *stopLimitConfig `json:"stop_limit_stop_limit_gtd,omitempty"`
	MarketIOC    *marketConfig    `json:"market_market_ioc,omitempty"`
}

type wireOrder struct {
	OrderID            string             `json:"order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	Status             string             `json:"status"`
	CreatedTime        time.Time          `json:"created_time"`
	LastFillTime       string             `json:"last_fill_time"` // empty until filled
	AverageFilledPrice string             `json:"average_filled_price"`
	FilledSize         string             `json:"filled_size"`
	TotalFees          string             `json:"total_fees"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type listOrdersResponse struct {
	Orders  []wireOrder `json:"orders"`
	HasNext bool        `json:"has_next"`
	Cursor  string      `json:"cursor"`
}

// toModel flattens the configuration envelope into the order's bound
// fields. For a buy limit the limit price is the entry reference; for a
// sell limit it is the take-profit. Brackets carry both bounds, stop-limits
// only the stop. Unparsable price strings leave the field zero, which
// downstream treats as absent.
func (w *wireOrder) toModel() model.Order {
	o := model.Order{
		ID:        w.OrderID,
		Product:   w.ProductID,
		Side:      model.Side(w.Side),
		Status:    model.OrderStatus(w.Status),
		AvgFill:   parseDec(w.AverageFilledPrice),
		Fees:      parseDec(w.TotalFees),
		CreatedAt: w.CreatedTime,
	}
	if w.LastFillTime != "" {
		if ts, err := time.Parse(time.RFC3339, w.LastFillTime); err == nil {
			o.FilledAt = ts
		}
	}

	cfg := w.OrderConfiguration
	switch {
	case cfg.LimitGTC != nil, cfg.LimitGTD != nil:
		lc := cfg.LimitGTC
		o.Config = model.ConfigLimitGTC
		if lc == nil {
			lc = cfg.LimitGTD
			o.Config = model.ConfigLimitGTD
		}
		o.Size = parseDec(lc.BaseSize)
		limit := parseDec(lc.LimitPrice)
		if o.Side == model.SideBuy {
			o.EntryPrice = limit
		} else {
			o.TakeProfit = limit
		}
	case cfg.BracketGTC != nil, cfg.BracketGTD != nil:
		bc := cfg.BracketGTC
		o.Config = model.ConfigBracketGTC
		if bc == nil {
			bc = cfg.BracketGTD
			o.Config = model.ConfigBracketGTD
		}
		o.Size = parseDec(bc.BaseSize)
		o.TakeProfit = parseDec(bc.LimitPrice)
		o.StopLoss = parseDec(bc.StopTriggerPrice)
	case cfg.StopLimitGTC != nil, cfg.StopLimitGTD != nil:
		sc := cfg.StopLimitGTC
		o.Config = model.ConfigStopLimitGTC
		if sc == nil {
			sc = cfg.StopLimitGTD
			o.Config = model.ConfigStopLimitGTD
		}
		o.Size = parseDec(sc.BaseSize)
		o.StopLoss = parseDec(sc.StopPrice)
	case cfg.MarketIOC != nil:
		o.Config = model.ConfigMarketIOC
		o.Size = parseDec(cfg.MarketIOC.BaseSize)
	}

	// Market orders report size through the fill.
	if o.Size.IsZero() {
		o.Size = parseDec(w.FilledSize)
	}
	return o
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
