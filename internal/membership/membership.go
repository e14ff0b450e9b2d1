// Package membership tracks which connections are joined to each room. The
// set lives in the Coordination Store and is shared by every process; the
// live count of a room is the cardinality of that set.
package membership

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"collabcanvas/internal/coord"
)

// DefaultCooldown is how long an empty room keeps its history.
const DefaultCooldown = 24 * time.Hour

type Tracker struct {
	rdb      redis.UniversalClient
	cooldown time.Duration
}

func NewTracker(rdb redis.UniversalClient, cooldown time.Duration) *Tracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Tracker{rdb: rdb, cooldown: cooldown}
}

// Join adds connID to the room and returns the new member count.
//
// Before adding, members for which stale returns true are removed. The
// caller passes a predicate that recognises ids issued by its own process
// for connections it no longer holds; ids owned by other processes are left
// alone. Joining cancels any pending cooldown on the room's state: an
// occupied room never expires.
func (t *Tracker) Join(ctx context.Context, roomID, connID string, stale func(memberID string) bool) (int64, error) {
	key := coord.MembersKey(roomID)

	var prune []interface{}
	if stale != nil {
		members, err := t.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return 0, coord.Unavailable("smembers "+key, err)
		}
		for _, m := range members {
			if m != connID && stale(m) {
				prune = append(prune, m)
			}
		}
	}

	var card *redis.IntCmd
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(prune) > 0 {
			pipe.SRem(ctx, key, prune...)
		}
		pipe.SAdd(ctx, key, connID)
		card = pipe.SCard(ctx, key)
		for _, k := range coord.RoomKeys(roomID) {
			pipe.Persist(ctx, k)
		}
		return nil
	})
	if err != nil {
		return 0, coord.Unavailable("join "+roomID, err)
	}
	return card.Val(), nil
}

// KEYS: members, log, seq. ARGV: connection id, cooldown in ms.
var leaveScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
local n = redis.call('SCARD', KEYS[1])
if n == 0 then
	for i = 1, #KEYS do
		redis.call('PEXPIRE', KEYS[i], ARGV[2])
	end
end
return n
`)

// Leave removes connID from the room and returns the remaining count. When
// the room empties, its state gets the cooldown as time-to-live rather than
// being deleted, so a participant returning inside the window still sees
// the drawing. The removal and the expiry are one atomic step, so a join
// racing the last leave cannot end up in a room that is counting down.
func (t *Tracker) Leave(ctx context.Context, roomID, connID string) (int64, error) {
	n, err := leaveScript.Run(ctx, t.rdb, coord.RoomKeys(roomID), connID, t.cooldown.Milliseconds()).Int64()
	if err != nil {
		return 0, coord.Unavailable("leave "+roomID, err)
	}
	return n, nil
}

// Count returns the room's current member count.
func (t *Tracker) Count(ctx context.Context, roomID string) (int64, error) {
	n, err := t.rdb.SCard(ctx, coord.MembersKey(roomID)).Result()
	if err != nil {
		return 0, coord.Unavailable("scard "+roomID, err)
	}
	return n, nil
}

// Members lists the connection ids joined to the room.
func (t *Tracker) Members(ctx context.Context, roomID string) ([]string, error) {
	ids, err := t.rdb.SMembers(ctx, coord.MembersKey(roomID)).Result()
	if err != nil {
		return nil, coord.Unavailable("smembers "+roomID, err)
	}
	return ids, nil
}

// Purge deletes the room's membership set, operation log and sequence.
func (t *Tracker) Purge(ctx context.Context, roomID string) error {
	return coord.Unavailable("purge "+roomID, t.rdb.Del(ctx, coord.RoomKeys(roomID)...).Err())
}
