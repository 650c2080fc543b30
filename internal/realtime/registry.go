// Package realtime implements live checklist collaboration over WebSocket:
// rooms keyed by ship id, the gateway that admits authenticated connections
// and the dispatcher that applies updates and fans them out.
package realtime

import (
	"sort"
	"sync"
)

// Member is anything that can sit in a room and receive frames
type Member interface {
	ID() string
	// Send queues msg without blocking and reports whether it was accepted
	Send(msg []byte) bool
}

// Registry tracks which members are in which ship room. It is in-memory only
// and rebuilt from nothing on restart; clients re-join after reconnecting.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[int64]map[string]Member
	joined map[string]map[int64]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[int64]map[string]Member),
		joined: make(map[string]map[int64]struct{}),
	}
}

// Join adds m to the room of shipID. Joining twice is a no-op.
func (r *Registry) Join(m Member, shipID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[shipID]
	if !ok {
		room = make(map[string]Member)
		r.rooms[shipID] = room
	}
	room[m.ID()] = m

	rooms, ok := r.joined[m.ID()]
	if !ok {
		rooms = make(map[int64]struct{})
		r.joined[m.ID()] = rooms
	}
	rooms[shipID] = struct{}{}
}

// Leave removes m from every room it joined
func (r *Registry) Leave(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for shipID := range r.joined[m.ID()] {
		room := r.rooms[shipID]
		delete(room, m.ID())
		if len(room) == 0 {
			delete(r.rooms, shipID)
		}
	}
	delete(r.joined, m.ID())
}

// Members returns the current members of a room
func (r *Registry) Members(shipID int64) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[shipID]
	out := make([]Member, 0, len(room))
	for _, m := range room {
		out = append(out, m)
	}
	return out
}

// Rooms lists the ship ids m has joined, sorted
func (r *Registry) Rooms(m Member) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int64, 0, len(r.joined[m.ID()]))
	for shipID := range r.joined[m.ID()] {
		out = append(out, shipID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
