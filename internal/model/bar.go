package model

import (
	"encoding/json"
	"time"
)

// PriceBar is a resampled OHLC bar over best-bid observations for one
// product. Interval is the bucket width in seconds. Bars back the gateway's
// sparkline snapshot and the replay timeline.
type PriceBar struct {
	Product  string    `json:"product_id"`
	Interval int       `json:"interval"` // bucket width in seconds
	TS       time.Time `json:"ts"`       // bucket start time (UTC, interval-aligned)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Count    int       `json:"count"`   // observations merged into this bar
	Forming  bool      `json:"forming"` // true if bucket is still open
}

// Key returns the product identifier.
func (b *PriceBar) Key() string {
	return b.Product
}

// StreamKey returns the Redis stream key: "stream:bar:{interval}s:{product}".
func (b *PriceBar) StreamKey() string {
	return "stream:bar:" + Itoa(b.Interval) + "s:" + b.Product
}

// JSON returns the JSON-encoded bar.
func (b *PriceBar) JSON() []byte {
	j, _ := json.Marshal(b)
	return j
}
