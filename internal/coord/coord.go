// Package coord holds the contract every process shares with the
// Coordination Store (Redis): the per-room key namespace, the room event
// channel, and the error that marks the store as unreachable.
//
// The Coordination Store is the only authority for cross-process facts.
// Nothing here caches.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"collabcanvas/internal/protocol"
)

const (
	channelPrefix = "room:"
	membersPrefix = "room:users:"
	logPrefix     = "room:strokes:"
	seqPrefix     = "room:seq:"

	// ChannelPattern matches every room channel.
	ChannelPattern = channelPrefix + "*"
)

// MembersKey is the set of connection ids joined to a room.
func MembersKey(roomID string) string { return membersPrefix + roomID }

// LogKey is the ordered list of a room's operations.
func LogKey(roomID string) string { return logPrefix + roomID }

// SeqKey counts changes to a room's log. Every append and removal bumps it
// in the same transaction as the change.
func SeqKey(roomID string) string { return seqPrefix + roomID }

// RoomKeys lists every key holding state for the room.
func RoomKeys(roomID string) []string {
	return []string{MembersKey(roomID), LogKey(roomID), SeqKey(roomID)}
}

// Channel is the pub/sub channel for a room's events.
func Channel(roomID string) string { return channelPrefix + roomID }

// RoomFromChannel reverses Channel.
func RoomFromChannel(channel string) (string, bool) {
	roomID, ok := strings.CutPrefix(channel, channelPrefix)
	return roomID, ok && roomID != ""
}

// ErrUnavailable is matched by every store failure. Callers treat it as
// transient: log, skip the operation, keep the connection.
var ErrUnavailable = errors.New("coordination store unavailable")

// UnavailableError records which store operation failed.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps a store error, or returns nil for nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// Bus publishes room events.
type Bus struct {
	rdb redis.UniversalClient
}

func NewBus(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb}
}

// Publish sends ev on the room's channel. Every process subscribed to the
// channel pattern, this one included, receives it.
func (b *Bus) Publish(ctx context.Context, roomID string, ev protocol.Event) error {
	return Unavailable("publish "+string(ev.Type), b.rdb.Publish(ctx, Channel(roomID), ev.Frame).Err())
}

// Locker hands out short-lived cluster-wide leases.
type Locker struct {
	rdb   redis.UniversalClient
	owner string
}

func NewLocker(rdb redis.UniversalClient, owner string) *Locker {
	return &Locker{rdb: rdb, owner: owner}
}

// TryLock takes the named lease for ttl if nobody holds it. The lease is
// never released explicitly; it lapses.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, "lock:"+name, l.owner, ttl).Result()
	if err != nil {
		return false, Unavailable("lock "+name, err)
	}
	return ok, nil
}
