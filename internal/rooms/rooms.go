// Package rooms is the engine's view of the room directory: whether a room
// exists and is unexpired, which rooms have expired, and removing them.
// Creating rooms belongs to the room service, not to the engine.
package rooms

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRoomNotFound is reported to joiners of missing or expired rooms.
var ErrRoomNotFound = errors.New("room not found or expired")

type Directory interface {
	// Exists reports whether the room exists and has not expired.
	Exists(ctx context.Context, roomID string) (bool, error)
	// ListExpired returns rooms whose expiry is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	// Delete removes the room record. Deleting a missing room is not an error.
	Delete(ctx context.Context, roomID string) error
}

// Memory is an in-process Directory.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]time.Time
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]time.Time), now: time.Now}
}

// Add records a room expiring at expiresAt.
func (m *Memory) Add(roomID string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = expiresAt
}

func (m *Memory) Exists(_ context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiresAt, ok := m.rooms[roomID]
	return ok && expiresAt.After(m.now()), nil
}

func (m *Memory) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var expired []string
	for id, expiresAt := range m.rooms {
		if !expiresAt.After(now) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Delete(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	return nil
}
