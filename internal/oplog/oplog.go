// Package oplog is the ordered, replayable log of drawing operations per
// room. The list in the Coordination Store is authoritative: its order is the
// replay order every client converges on.
package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"collabcanvas/internal/coord"
	"collabcanvas/internal/protocol"
)

var (
	// ErrNotFound: no operation with that stroke id. Undo treats it as
	// success, since another tab may already have removed the stroke.
	ErrNotFound = errors.New("oplog: stroke not found")

	// ErrNotOwner: the stroke belongs to another author and was left in place.
	ErrNotOwner = errors.New("oplog: stroke owned by another user")
)

type Log struct {
	rdb      redis.UniversalClient
	cooldown time.Duration
	logger   *slog.Logger
}

func New(rdb redis.UniversalClient, cooldown time.Duration, logger *slog.Logger) *Log {
	return &Log{rdb: rdb, cooldown: cooldown, logger: logger.With("component", "oplog")}
}

// KEYS: members, log, seq. ARGV: entry, cooldown in ms.
var appendScript = redis.NewScript(`
redis.call('RPUSH', KEYS[2], ARGV[1])
local seq = redis.call('INCR', KEYS[3])
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
	redis.call('PEXPIRE', KEYS[3], ARGV[2])
end
return seq
`)

// KEYS: log, seq. ARGV: entry. Returns 0 when the entry is gone.
var removeScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
return redis.call('INCR', KEYS[2])
`)

// Append adds op at the tail and returns the room's new log sequence
// number. The log of an occupied room has no expiry; if nobody is joined
// the cooldown applies, as it would after the last leave.
func (l *Log) Append(ctx context.Context, roomID string, op protocol.Operation) (int64, error) {
	entry, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encode operation %s: %w", op.StrokeID, err)
	}

	seq, err := appendScript.Run(ctx, l.rdb, coord.RoomKeys(roomID), entry, l.cooldown.Milliseconds()).Int64()
	if err != nil {
		return 0, coord.Unavailable("append "+roomID, err)
	}
	return seq, nil
}

// Reappend puts op back at the tail. Redo is "append again": the stroke
// lands after everything drawn since, never at its old index.
func (l *Log) Reappend(ctx context.Context, roomID string, op protocol.Operation) (int64, error) {
	return l.Append(ctx, roomID, op)
}

// Snapshot returns the room's operations in log order. Entries that cannot
// be decoded are skipped.
func (l *Log) Snapshot(ctx context.Context, roomID string) ([]protocol.Operation, error) {
	ops, _, err := l.SnapshotAt(ctx, roomID)
	return ops, err
}

// SnapshotAt is Snapshot together with the log sequence number the
// snapshot reflects, read in one transaction.
func (l *Log) SnapshotAt(ctx context.Context, roomID string) ([]protocol.Operation, int64, error) {
	var (
		lrange *redis.StringSliceCmd
		get    *redis.StringCmd
	)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, coord.LogKey(roomID), 0, -1)
		get = pipe.Get(ctx, coord.SeqKey(roomID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, coord.Unavailable("snapshot "+roomID, err)
	}

	seq, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		seq = 0
	} else if err != nil {
		return nil, 0, coord.Unavailable("snapshot "+roomID, err)
	}

	entries := lrange.Val()
	ops := make([]protocol.Operation, 0, len(entries))
	for _, entry := range entries {
		var op protocol.Operation
		if err := json.Unmarshal([]byte(entry), &op); err != nil {
			l.logger.Warn("Skipping undecodable log entry", "room", roomID, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, seq, nil
}

// RemoveByID removes the first operation carrying strokeID and returns it
// with the room's new log sequence number.
func (l *Log) RemoveByID(ctx context.Context, roomID, strokeID string) (protocol.Operation, int64, error) {
	return l.remove(ctx, roomID, strokeID, "")
}

// RemoveOwned removes the stroke only if requester authored it. Ownership
// is checked before anything is mutated, so a rejected undo leaves the log
// exactly as it was, position included.
func (l *Log) RemoveOwned(ctx context.Context, roomID, strokeID, requester string) (protocol.Operation, int64, error) {
	return l.remove(ctx, roomID, strokeID, requester)
}

func (l *Log) remove(ctx context.Context, roomID, strokeID, requester string) (protocol.Operation, int64, error) {
	key := coord.LogKey(roomID)
	entries, err := l.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return protocol.Operation{}, 0, coord.Unavailable("lrange "+roomID, err)
	}

	for _, entry := range entries {
		var op protocol.Operation
		if json.Unmarshal([]byte(entry), &op) != nil || op.StrokeID != strokeID {
			continue
		}
		if requester != "" && op.AuthorID != requester {
			return op, 0, ErrNotOwner
		}

		// LREM by value: if a concurrent undo got there first it removes
		// nothing and we report not found.
		seq, err := removeScript.Run(ctx, l.rdb, []string{key, coord.SeqKey(roomID)}, entry).Int64()
		if err != nil {
			return protocol.Operation{}, 0, coord.Unavailable("remove "+roomID, err)
		}
		if seq == 0 {
			return protocol.Operation{}, 0, ErrNotFound
		}
		return op, seq, nil
	}
	return protocol.Operation{}, 0, ErrNotFound
}
