// Package replica keeps an agent's local copy of room drawings in a bbolt
// file, one bucket per room, strokes keyed by arrival sequence so iteration
// order is log order.
package replica

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabcanvas/internal/protocol"
)

type Replica struct {
	db *bolt.DB
}

func Open(path string) (*Replica, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open replica %s: %w", path, err)
	}
	return &Replica{db: db}, nil
}

func (r *Replica) Close() error {
	return r.db.Close()
}

func bucketName(roomID string) []byte {
	return []byte("room:" + roomID)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Reset replaces the room's strokes with a snapshot.
func (r *Replica) Reset(roomID string, strokes []json.RawMessage) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName(roomID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(bucketName(roomID))
		if err != nil {
			return err
		}
		for _, s := range strokes {
			if err := put(b, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// Append adds a stroke after every stroke already held.
func (r *Replica) Append(roomID string, stroke json.RawMessage) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(roomID))
		if err != nil {
			return err
		}
		return put(b, stroke)
	})
}

func put(b *bolt.Bucket, stroke json.RawMessage) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put(seqKey(seq), stroke)
}

// Remove deletes the first stroke carrying strokeID and reports whether
// there was one.
func (r *Replica) Remove(roomID, strokeID string) (bool, error) {
	removed := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(roomID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if id, _, ok := protocol.StrokeRef(v); ok && id == strokeID {
				removed = true
				return c.Delete()
			}
		}
		return nil
	})
	return removed, err
}

// List returns the room's strokes in order.
func (r *Replica) List(roomID string) ([]json.RawMessage, error) {
	strokes := []json.RawMessage{}
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(roomID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			strokes = append(strokes, append(json.RawMessage(nil), v...))
			return nil
		})
	})
	return strokes, err
}

// Drop forgets the room entirely.
func (r *Replica) Drop(roomID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(bucketName(roomID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
