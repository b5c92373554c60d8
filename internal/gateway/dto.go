package gateway

// IntervalInfo is the REST response type for /api/intervals.
type IntervalInfo struct {
	Seconds int    `json:"seconds"`
	Label   string `json:"label"`
}

// BarOut is the REST response type for /api/bars. Field names follow the
// pipeline's bar serialization so stream payloads decode directly.
type BarOut struct {
	TS       string  `json:"ts"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Count    int     `json:"count"`
	Product  string  `json:"product_id"`
	Interval int     `json:"interval"`
	Forming  bool    `json:"forming"`
}
