// Package fanout delivers room events published on the Coordination Store
// to the sockets this process holds. Every process subscribes once to all
// room channels; the process that published an event receives it the same
// way as any other.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"collabcanvas/internal/coord"
	"collabcanvas/internal/protocol"
	"collabcanvas/internal/session"
	"collabcanvas/internal/telemetry"
)

type Fanout struct {
	rdb      redis.UniversalClient
	registry *session.Registry
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func New(rdb redis.UniversalClient, registry *session.Registry, metrics *telemetry.Metrics, logger *slog.Logger) *Fanout {
	return &Fanout{
		rdb:      rdb,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "fanout"),
	}
}

// Start subscribes to every room channel and returns once the subscription
// is confirmed, so events published afterwards are not missed. Delivery
// runs until ctx is done or Close is called.
func (f *Fanout) Start(ctx context.Context) error {
	f.pubsub = f.rdb.PSubscribe(ctx, coord.ChannelPattern)
	if _, err := f.pubsub.Receive(ctx); err != nil {
		f.pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", coord.ChannelPattern, coord.Unavailable("psubscribe", err))
	}

	ch := f.pubsub.Channel()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				f.handle(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	f.logger.Info("Subscribed to room channels", "pattern", coord.ChannelPattern)
	return nil
}

func (f *Fanout) handle(ctx context.Context, msg *redis.Message) {
	roomID, ok := coord.RoomFromChannel(msg.Channel)
	if !ok {
		return
	}
	ev, err := protocol.ParseEvent([]byte(msg.Payload))
	if err != nil {
		f.logger.Warn("Dropping undecodable room event", "room", roomID, "error", err)
		return
	}
	f.Deliver(ctx, roomID, ev)
}

// Deliver writes ev to every local connection bound to roomID. Closed or
// failing sockets are skipped. ROOM_EXPIRED also unbinds the connections
// and closes them once the frame is written.
func (f *Fanout) Deliver(ctx context.Context, roomID string, ev protocol.Event) int {
	delivered := 0
	expired := ev.Type == protocol.TypeRoomExpired

	f.registry.ForEachInRoom(roomID, func(c *session.Conn) {
		if expired {
			f.registry.Unbind(roomID, c)
			c.Expire(ev)
			delivered++
			return
		}
		if c.Deliver(ev) {
			delivered++
		}
	})

	f.metrics.Delivered(ctx, ev.Type, delivered)
	if delivered > 0 {
		f.logger.Debug("Fanned out event", "room", roomID, "type", ev.Type, "connections", delivered)
	}
	return delivered
}

// Close ends the subscription and waits for the delivery loop.
func (f *Fanout) Close() error {
	var err error
	if f.pubsub != nil {
		err = f.pubsub.Close()
	}
	f.wg.Wait()
	return err
}
