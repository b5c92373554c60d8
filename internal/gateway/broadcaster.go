package gateway

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// Broadcaster stamps outbound payloads into envelopes and fans them out
// to every subscribed client.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Broadcast delivers data on a channel to all subscribed clients. The
// envelope carries a global seq plus a per-channel seq so clients can
// detect gaps and request a backfill.
func (b *Broadcaster) Broadcast(channel string, data []byte) {
	now := time.Now().UTC()
	b.observeLatency(now, data)

	seq, channelSeq, rb := b.stamp(channel, data, now)

	buf := appendEnvelope(make([]byte, 0, len(channel)+len(data)+160), channel, data, now, seq, channelSeq)
	rb.Push(channelSeq, buf)

	if b.hub.prom != nil {
		b.hub.prom.WSBroadcastsTotal.WithLabelValues(channelType(channel)).Inc()
	}
	b.fanout(channel, buf)
}

// stamp advances the global and per-channel sequence numbers, records
// the latest entry for snapshots, and hands back the channel's replay
// buffer, creating it on first use.
func (b *Broadcaster) stamp(channel string, data []byte, now time.Time) (seq, channelSeq int64, rb *ReplayBuffer) {
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	h.channelSeqs[channel]++
	channelSeq = h.channelSeqs[channel]
	h.seq++
	seq = h.seq
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}

	rb = h.replayBufs[channel]
	if rb == nil {
		rb = NewReplayBuffer(replayBufferSize)
		h.replayBufs[channel] = rb
	}
	return seq, channelSeq, rb
}

func (b *Broadcaster) fanout(channel string, buf []byte) {
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for client := range b.hub.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
			if b.hub.prom != nil {
				b.hub.prom.WSDroppedSends.Inc()
			}
		}
	}
}

// observeLatency folds the payload's source timestamp into the e2e
// latency tracker when the payload carries one.
func (b *Broadcaster) observeLatency(now time.Time, data []byte) {
	if b.hub.Latency == nil {
		return
	}
	src := extractTS(data)
	if src.IsZero() {
		return
	}
	if ms := float64(now.Sub(src).Microseconds()) / 1000.0; ms >= 0 {
		b.hub.Latency.Record(ms)
	}
}

// appendEnvelope writes the envelope JSON by hand. Broadcast sits on the
// tick hot path; appending beats json.Marshal by an order of magnitude
// and the shape never varies.
func appendEnvelope(buf []byte, channel string, data []byte, ts time.Time, seq, channelSeq int64) []byte {
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}

// channelType returns the leading segment of a channel name:
// "eval:BTC-USD" → "eval", "board" → "board".
func channelType(channel string) string {
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		return channel[:i]
	}
	return channel
}

var tsKey = []byte(`"ts":"`)

// extractTS pulls the source timestamp out of a payload without decoding
// the whole document. Every pipeline payload that has one writes it as
// an RFC3339 "ts" field; anything else yields the zero time and skips
// latency tracking.
func extractTS(data []byte) time.Time {
	i := bytes.Index(data, tsKey)
	if i < 0 {
		return time.Time{}
	}
	rest := data[i+len(tsKey):]
	j := bytes.IndexByte(rest, '"')
	if j < 0 {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, string(rest[:j]))
	if err != nil {
		return time.Time{}
	}
	return ts
}
