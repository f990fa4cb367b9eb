package server

import (
	"context"
	"sync"

	"github.com/aeolun/pairchat/pkg/room"
	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
)

const registryShards = 32

// Member is a live connection that can receive room events
type Member interface {
	ID() string
	// Deliver queues payload without blocking. Returns false if the member
	// is gone or too slow to accept it.
	Deliver(payload []byte) bool
}

// Broadcaster fans an encoded event out to every member of a room
type Broadcaster interface {
	Broadcast(ctx context.Context, key room.Key, payload []byte) error
}

// Registry tracks which connections are joined to which room. Rooms are
// spread over shards so that unrelated rooms rarely share a lock, and each
// room has its own lock for join/leave/send ordering.
type Registry struct {
	shards  [registryShards]*registryShard
	metrics *Metrics
}

type registryShard struct {
	mu     sync.Mutex
	groups map[room.Key]*group
}

type group struct {
	mu      sync.RWMutex
	members map[string]Member
}

// NewRegistry creates an empty registry
func NewRegistry(metrics *Metrics) *Registry {
	r := &Registry{metrics: metrics}
	for i := range r.shards {
		r.shards[i] = &registryShard{groups: make(map[room.Key]*group)}
	}
	return r
}

func (r *Registry) shard(key room.Key) *registryShard {
	return r.shards[xxhash.Sum64String(string(key))%registryShards]
}

// Join adds a member to a room, creating the group on first join
func (r *Registry) Join(key room.Key, m Member) {
	sh := r.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g, ok := sh.groups[key]
	if !ok {
		g = &group{members: make(map[string]Member, 2)}
		sh.groups[key] = g
	}

	g.mu.Lock()
	g.members[m.ID()] = m
	g.mu.Unlock()
}

// Leave removes a member from a room. The group is dropped once empty.
// Leaving a room the member is not in is a no-op.
func (r *Registry) Leave(key room.Key, m Member) {
	sh := r.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g, ok := sh.groups[key]
	if !ok {
		return
	}

	g.mu.Lock()
	delete(g.members, m.ID())
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		delete(sh.groups, key)
	}
}

// Send delivers payload to every member currently joined to the room,
// including the originator. Returns the number of members that accepted it.
func (r *Registry) Send(key room.Key, payload []byte) int {
	sh := r.shard(key)
	sh.mu.Lock()
	g, ok := sh.groups[key]
	sh.mu.Unlock()
	if !ok {
		return 0
	}

	// Hold the room read lock for the fan-out so a concurrent leave
	// waits until delivery has finished
	g.mu.RLock()
	defer g.mu.RUnlock()

	delivered := 0
	for _, m := range g.members {
		if m.Deliver(payload) {
			delivered++
		}
	}

	r.metrics.RecordBroadcast(delivered, len(g.members)-delivered)
	return delivered
}

// Broadcast implements Broadcaster for a single node
func (r *Registry) Broadcast(_ context.Context, key room.Key, payload []byte) error {
	r.Send(key, payload)
	return nil
}

// MemberIDs returns the ids of the members currently joined to a room
func (r *Registry) MemberIDs(key room.Key) []string {
	sh := r.shard(key)
	sh.mu.Lock()
	g, ok := sh.groups[key]
	sh.mu.Unlock()
	if !ok {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return lo.Keys(g.members)
}

// RoomCount returns the number of rooms with at least one member
func (r *Registry) RoomCount() int {
	return lo.SumBy(r.shards[:], func(sh *registryShard) int {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return len(sh.groups)
	})
}
