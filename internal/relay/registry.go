package relay

import (
	"sort"
	"sync"

	"github.com/zsprackett/pi-control/internal/events"
)

// Peer is one connected client, browser or device.
type Peer interface {
	ID() string
	// Send queues e for delivery. It must not block; a peer that cannot keep
	// up drops the event.
	Send(e events.Event)
}

// Registry maps broadcast group names to their member peers.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]map[string]Peer)}
}

func (r *Registry) Join(group string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]Peer)
		r.groups[group] = members
	}
	members[p.ID()] = p
}

// Leave removes p from every group and returns the groups it was in, sorted.
func (r *Registry) Leave(p Peer) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []string
	for name, members := range r.groups {
		if _, ok := members[p.ID()]; ok {
			delete(members, p.ID())
			left = append(left, name)
		}
		if len(members) == 0 {
			delete(r.groups, name)
		}
	}
	sort.Strings(left)
	return left
}

func (r *Registry) Member(group string, p Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[group][p.ID()]
	return ok
}

func (r *Registry) Count(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

var _ events.Broadcaster = (*Registry)(nil)

// Broadcast implements events.Broadcaster.
func (r *Registry) Broadcast(group string, e events.Event) {
	r.mu.RLock()
	members := make([]Peer, 0, len(r.groups[group]))
	for _, p := range r.groups[group] {
		members = append(members, p)
	}
	r.mu.RUnlock()

	for _, p := range members {
		p.Send(e)
	}
}
