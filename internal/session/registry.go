// Package session holds the connections a single process has accepted: the
// per-connection state and pumps, the Session Registry used for local
// delivery, and the heartbeat that evicts half-open sockets.
//
// The registry only answers "which sockets on this process belong to room
// X". Room membership counts come from the Coordination Store, never from
// here.
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

type roomBucket struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	dead  bool // emptied and removed from Registry.rooms
}

// Registry is safe for concurrent use. Each room has its own lock, and
// callbacks run on a copy taken under it, so no lock is held while writing
// to sockets or calling the store.
type Registry struct {
	instance string

	mu    sync.RWMutex
	conns map[string]*Conn

	rooms sync.Map // room id -> *roomBucket
}

// NewRegistry creates the registry for the process identified by instance.
// Connection ids it issues are prefixed with the instance id.
func NewRegistry(instance string) *Registry {
	return &Registry{
		instance: instance,
		conns:    make(map[string]*Conn),
	}
}

func (r *Registry) Instance() string { return r.instance }

// NewID issues a process-local unique connection id.
func (r *Registry) NewID() string {
	return r.instance + ":" + uuid.NewString()
}

func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Unregister forgets the connection and drops it from whatever room bucket
// still references it.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()

	r.rooms.Range(func(key, value any) bool {
		r.drop(key.(string), value.(*roomBucket), connID)
		return true
	})
}

// Holds reports whether this process still holds the connection.
func (r *Registry) Holds(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// IsStale reports whether connID was issued by this process for a
// connection it no longer holds. Ids from other processes are never stale
// here: this process cannot prove anything about them.
func (r *Registry) IsStale(connID string) bool {
	if !strings.HasPrefix(connID, r.instance+":") {
		return false
	}
	return !r.Holds(connID)
}

// Bind makes c a local delivery target for roomID.
func (r *Registry) Bind(roomID string, c *Conn) {
	for {
		v, _ := r.rooms.LoadOrStore(roomID, &roomBucket{conns: make(map[string]*Conn)})
		b := v.(*roomBucket)
		b.mu.Lock()
		if !b.dead {
			b.conns[c.ID()] = c
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
}

// Unbind stops delivering roomID events to c.
func (r *Registry) Unbind(roomID string, c *Conn) {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return
	}
	r.drop(roomID, v.(*roomBucket), c.ID())
}

func (r *Registry) drop(roomID string, b *roomBucket, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, connID)
	if len(b.conns) == 0 && !b.dead {
		b.dead = true
		r.rooms.CompareAndDelete(roomID, b)
	}
}

// ForEachInRoom calls fn for every local connection bound to roomID.
func (r *Registry) ForEachInRoom(roomID string, fn func(*Conn)) {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return
	}
	b := v.(*roomBucket)
	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

// Each calls fn for every registered connection.
func (r *Registry) Each(fn func(*Conn)) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
