package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/autoqa/controlplane/pkg/clock"
)

// relayChannel is the single Redis channel every Relay instance shares.
const relayChannel = "autoqa:pubsub:relay"

// relayEnvelope is what actually crosses the wire: the published Message
// plus the originating instance's ID, so a replica can ignore its own
// echo coming back from Redis.
type relayEnvelope struct {
	Origin string  `json:"origin"`
	Msg    Message `json:"msg"`
}

// Relay fans a Bus's Publish calls out to every other replica subscribed
// to the same Redis channel (D.2). It is an additive backend behind Bus:
// the in-memory bus still does all local delivery and bookkeeping: Relay
// only widens Publish's reach across instances.
type Relay struct {
	bus    *Bus
	rdb    *redis.Client
	log    *slog.Logger
	origin string
}

// NewRelay wires bus to rdb. Call Run in a goroutine to start receiving
// other replicas' published messages.
func NewRelay(bus *Bus, rdb *redis.Client, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{bus: bus, rdb: rdb, log: logger, origin: clock.NewClientID()}
}

// Publish publishes msg to the local bus and broadcasts it to every other
// replica via Redis. Returns the local delivered count, matching Bus.Publish.
func (r *Relay) Publish(ctx context.Context, msg Message) int {
	delivered := r.bus.Publish(msg)

	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Msg: msg})
	if err != nil {
		r.log.Error("relay: marshalling message", "error", err)
		return delivered
	}
	if err := r.rdb.Publish(ctx, relayChannel, payload).Err(); err != nil {
		r.log.Error("relay: publishing to redis", "error", err)
	}
	return delivered
}

// Run subscribes to the shared Redis channel and re-publishes every other
// replica's messages onto the local bus. It blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	defer sub.Close()

	r.log.Info("pubsub relay started", "channel", relayChannel, "origin", r.origin)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("pubsub relay stopped")
			return nil
		case redisMsg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(redisMsg.Payload), &env); err != nil {
				r.log.Warn("relay: discarding malformed payload", "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue // our own echo
			}
			r.bus.Publish(env.Msg)
		}
	}
}
