package gateway

import (
	"context"
	"log"
	"strings"

	goredis "github.com/go-redis/redis/v8"
)

// PubSubRouter consumes the missiond Redis channels and feeds payloads
// into the broadcaster. Two subscriptions cover the whole surface: a
// pattern subscribe for the per-product data channels and an explicit
// subscribe for the singletons.
type PubSubRouter struct {
	hub *Hub
}

// NewPubSubRouter creates a PubSubRouter backed by the given Hub.
func NewPubSubRouter(hub *Hub) *PubSubRouter {
	return &PubSubRouter{hub: hub}
}

// RunExplicit consumes the singleton channels (board, mission, alerts).
// Blocks until ctx is cancelled.
func (r *PubSubRouter) RunExplicit(ctx context.Context) {
	pubsub := r.hub.Store.Client().Subscribe(ctx, "pub:board", "pub:mission", "pub:alerts")
	log.Printf("[api_gateway] subscribed to board/mission/alerts channels")
	r.consume(ctx, pubsub)
}

// RunPattern consumes the per-product data channels via wildcard
// patterns, so new products need no gateway restart. Blocks until ctx
// is cancelled.
func (r *PubSubRouter) RunPattern(ctx context.Context) {
	r.consume(ctx, r.hub.Store.PSubscribe(ctx, "pub:eval:*", "pub:tick:*", "pub:bar:*"))
}

// consume drains one subscription into the broadcaster until ctx is
// cancelled or the subscription closes.
func (r *PubSubRouter) consume(ctx context.Context, pubsub *goredis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Writers publish under "pub:"; clients subscribe to the
			// bare name (pub:eval:BTC-USD → eval:BTC-USD).
			channel := strings.TrimPrefix(msg.Channel, "pub:")
			r.hub.Broadcaster.Broadcast(channel, []byte(msg.Payload))
		}
	}
}
