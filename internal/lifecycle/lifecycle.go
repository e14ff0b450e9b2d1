// Package lifecycle evicts expired rooms. It is the only component that
// closes sockets without the client asking to leave.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"collabcanvas/internal/coord"
	"collabcanvas/internal/membership"
	"collabcanvas/internal/protocol"
	"collabcanvas/internal/rooms"
	"collabcanvas/internal/telemetry"
)

const (
	DefaultInterval = 30 * time.Second
	lockName        = "room-sweeper"
)

type Sweeper struct {
	directory rooms.Directory
	bus       *coord.Bus
	members   *membership.Tracker
	locker    *coord.Locker
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
}

// NewSweeper builds a sweeper. With a nil locker every process sweeps every
// interval; eviction is idempotent, so that only costs duplicate work.
func NewSweeper(directory rooms.Directory, bus *coord.Bus, members *membership.Tracker, locker *coord.Locker, metrics *telemetry.Metrics, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		directory: directory,
		bus:       bus,
		members:   members,
		locker:    locker,
		metrics:   metrics,
		logger:    logger.With("component", "sweeper"),
		interval:  interval,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("Sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep evicts every room the directory reports expired and returns how
// many it evicted. For each room it publishes ROOM_EXPIRED, so every
// process closes its sockets for the room, then deletes the room's
// membership and log, then the directory record. A room whose eviction
// fails part way stays in the directory and is retried next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, lockName, s.leaseTTL())
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
	}

	expired, err := s.directory.ListExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, roomID := range expired {
		if err := s.evict(ctx, roomID); err != nil {
			s.logger.Warn("Evicting room failed", "room", roomID, "error", err)
			continue
		}
		evicted++
		s.metrics.RoomExpired(ctx)
		s.logger.Info("Room expired", "room", roomID)
	}
	return evicted, nil
}

func (s *Sweeper) evict(ctx context.Context, roomID string) error {
	ev, err := protocol.NewEvent(protocol.TypeRoomExpired, protocol.RoomExpired{RoomID: roomID})
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, roomID, ev); err != nil {
		return err
	}
	if err := s.members.Purge(ctx, roomID); err != nil {
		return err
	}
	return s.directory.Delete(ctx, roomID)
}

// leaseTTL lapses just before the next tick, so at most one process sweeps
// per interval and a crashed sweeper is replaced one interval later.
func (s *Sweeper) leaseTTL() time.Duration {
	ttl := s.interval - time.Second
	if ttl < s.interval/2 {
		ttl = s.interval / 2
	}
	return ttl
}
