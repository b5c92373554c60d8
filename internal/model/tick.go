package model

import (
	"encoding/json"
	"time"
)

// Direction is the per-product price direction relative to the previous
// observation. An unchanged price keeps the prior direction, so FLAT only
// appears before the second observation of a product.
type Direction string

const (
	DirUp   Direction = "UP"
	DirDown Direction = "DOWN"
	DirFlat Direction = "FLAT"
)

// Tick is one best-bid observation for a product. Prices are float64 from
// the moment the poller converts the exchange decimal; everything downstream
// (direction tracking, bars, health math) consumes the float.
type Tick struct {
	Product   string    `json:"product_id"`
	Price     float64   `json:"price"`
	Direction Direction `json:"direction"`
	TS        time.Time `json:"ts"` // UTC observation time
}

// Key returns the product identifier.
func (t *Tick) Key() string {
	return t.Product
}

// StreamKey returns the Redis stream key: "stream:tick:{product}".
func (t *Tick) StreamKey() string {
	return "stream:tick:" + t.Product
}

// JSON returns the JSON-encoded tick (ignoring errors for hot-path usage).
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
