package gateway

import (
	"encoding/json"
	"testing"
	"time"
)

// envelope is the parsed WS message structure.
type envelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
}

func TestBroadcastEnvelopeFormat(t *testing.T) {
	channel := "eval:BTC-USD"
	data := []byte(`{"order":{"order_id":"ord-1"},"eval":{"health":72.5,"status":"STABLE","ts":"2026-08-01T10:00:00Z"}}`)
	now := time.Date(2026, 8, 1, 10, 0, 1, 0, time.UTC)
	var seq int64 = 42

	buf := appendEnvelope(nil, channel, data, now, seq, 7)

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}

	if env.Channel != channel {
		t.Errorf("channel: got %q, want %q", env.Channel, channel)
	}
	if env.Seq != seq {
		t.Errorf("seq: got %d, want %d", env.Seq, seq)
	}
	if env.ChannelSeq != 7 {
		t.Errorf("channel_seq: got %d, want 7", env.ChannelSeq)
	}

	// Data should be parseable JSON
	var payload map[string]interface{}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("data is not valid JSON: %v", err)
	}
	if _, ok := payload["eval"]; !ok {
		t.Error("data missing 'eval' field")
	}

	// TS should be valid RFC3339Nano
	parsed, err := time.Parse(time.RFC3339Nano, env.TS)
	if err != nil {
		t.Errorf("ts is not valid RFC3339Nano: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("ts: got %v, want %v", parsed, now)
	}
}

func TestBroadcastEnvelopeNestedData(t *testing.T) {
	channel := "board"
	data := []byte(`{"rows":[{"order":{"order_id":"a"}},{"order":{"order_id":"b"}}],"updated_at":"2026-08-01T10:00:00Z"}`)

	buf := appendEnvelope(nil, channel, data, time.Now().UTC(), 999, 1)

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Seq != 999 {
		t.Errorf("seq: got %d, want 999", env.Seq)
	}
	if env.Channel != "board" {
		t.Errorf("channel: got %q, want board", env.Channel)
	}
}

func TestEnvelopeSeqMonotonic(t *testing.T) {
	channel := "tick:BTC-USD"
	data := []byte(`{}`)
	now := time.Now().UTC()

	for i := int64(1); i <= 100; i++ {
		buf := appendEnvelope(nil, channel, data, now, i, i)
		var env envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			t.Fatalf("seq=%d: invalid JSON: %v", i, err)
		}
		if env.Seq != i {
			t.Errorf("seq: got %d, want %d", env.Seq, i)
		}
	}
}

// TestEnvelopePerChannelSeq verifies channel_seq tracks independently of
// the global seq when broadcasts interleave across channels.
func TestEnvelopePerChannelSeq(t *testing.T) {
	channelA := "eval:BTC-USD"
	channelB := "bar:60s:BTC-USD"
	data := []byte(`{}`)
	now := time.Now().UTC()

	var globalSeq int64

	for i := int64(1); i <= 3; i++ {
		globalSeq++
		buf := appendEnvelope(nil, channelA, data, now, globalSeq, i)
		var env envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			t.Fatalf("channelA seq=%d: invalid JSON: %v", i, err)
		}
		if env.ChannelSeq != i {
			t.Errorf("channelA channel_seq: got %d, want %d", env.ChannelSeq, i)
		}
		if env.Seq != globalSeq {
			t.Errorf("channelA global seq: got %d, want %d", env.Seq, globalSeq)
		}
	}

	for i := int64(1); i <= 2; i++ {
		globalSeq++
		buf := appendEnvelope(nil, channelB, data, now, globalSeq, i)
		var env envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			t.Fatalf("channelB seq=%d: invalid JSON: %v", i, err)
		}
		if env.ChannelSeq != i {
			t.Errorf("channelB channel_seq: got %d, want %d", env.ChannelSeq, i)
		}
		if env.Channel != channelB {
			t.Errorf("channelB: got %q, want %q", env.Channel, channelB)
		}
	}

	if globalSeq != 5 {
		t.Errorf("global seq: got %d, want 5", globalSeq)
	}
}

func TestChannelParsing(t *testing.T) {
	tests := []struct {
		name         string
		channel      string
		wantType     string
		wantProduct  string
		wantInterval int
		wantNil      bool
	}{
		{"eval", "eval:BTC-USD", "eval", "BTC-USD", 0, false},
		{"tick", "tick:ETH-USD", "tick", "ETH-USD", 0, false},
		{"bar_60s", "bar:60s:BTC-USD", "bar", "BTC-USD", 60, false},
		{"bar_300s", "bar:300s:SOL-USD", "bar", "SOL-USD", 300, false},
		{"board_is_global", "board", "", "", 0, true},
		{"mission_is_global", "mission", "", "", 0, true},
		{"alerts_is_global", "alerts", "", "", 0, true},
		{"garbage", "garbage:x:y:z", "", "", 0, true},
		{"bare_type", "eval", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := parseChannel(tt.channel)
			if tt.wantNil {
				if parsed != nil {
					t.Errorf("expected nil, got %+v", parsed)
				}
				return
			}
			if parsed == nil {
				t.Fatal("expected non-nil parsed channel")
			}
			if parsed.chType != tt.wantType {
				t.Errorf("chType: got %q, want %q", parsed.chType, tt.wantType)
			}
			if parsed.product != tt.wantProduct {
				t.Errorf("product: got %q, want %q", parsed.product, tt.wantProduct)
			}
			if parsed.interval != tt.wantInterval {
				t.Errorf("interval: got %d, want %d", parsed.interval, tt.wantInterval)
			}
		})
	}
}

func TestExtractTS(t *testing.T) {
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		payload string
		want    time.Time
	}{
		{"tick_payload", `{"product_id":"BTC-USD","price":50000,"direction":"UP","ts":"2026-08-01T10:00:00Z"}`, want},
		{"nested_eval", `{"order":{"order_id":"a"},"eval":{"health":50,"ts":"2026-08-01T10:00:00Z"}}`, want},
		{"no_ts", `{"rows":[]}`, time.Time{}},
		{"numeric_ts", `{"ts":1690000000}`, time.Time{}},
		{"malformed_ts", `{"ts":"yesterday"}`, time.Time{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractTS([]byte(tc.payload))
			if !got.Equal(tc.want) {
				t.Errorf("extractTS = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestChannelType(t *testing.T) {
	cases := map[string]string{
		"eval:BTC-USD":   "eval",
		"tick:BTC-USD":   "tick",
		"bar:60s:ETH-USD": "bar",
		"board":          "board",
		"alerts":         "alerts",
	}
	for channel, want := range cases {
		if got := channelType(channel); got != want {
			t.Errorf("channelType(%q) = %q, want %q", channel, got, want)
		}
	}
}

func TestMatchesChannel(t *testing.T) {
	sub := func(product string, channels []string, barInterval int) *ClientSubscription {
		return &ClientSubscription{Product: product, Channels: channels, BarInterval: barInterval}
	}

	tests := []struct {
		name    string
		subs    map[string]*ClientSubscription
		channel string
		want    bool
	}{
		{"no_subs_firehose", nil, "eval:BTC-USD", true},
		{"global_always_delivered", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", nil, 0)}, "board", true},
		{"alerts_always_delivered", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", nil, 0)}, "alerts", true},
		{"subscribed_product", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", nil, 0)}, "eval:BTC-USD", true},
		{"other_product_filtered", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", nil, 0)}, "eval:ETH-USD", false},
		{"channel_type_filtered", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", []string{"eval"}, 0)}, "tick:BTC-USD", false},
		{"channel_type_matched", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", []string{"eval", "tick"}, 0)}, "tick:BTC-USD", true},
		{"bar_interval_matched", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", nil, 60)}, "bar:60s:BTC-USD", true},
		{"bar_interval_filtered", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", nil, 60)}, "bar:300s:BTC-USD", false},
		{"bar_any_interval", map[string]*ClientSubscription{"BTC-USD": sub("BTC-USD", nil, 0)}, "bar:300s:BTC-USD", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{subs: tt.subs}
			if got := c.matchesChannel(tt.channel); got != tt.want {
				t.Errorf("matchesChannel(%q) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}
}
