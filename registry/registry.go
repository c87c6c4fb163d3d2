// Package registry tracks the peers a central has discovered or connected to
// and the characteristic handles negotiated with the one it is bound to.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
)

var (
	// ErrNotFound means discovery did not yield the service or both characteristics
	ErrNotFound = errors.New("characteristic not found")

	// ErrAlreadyBound means another peer already holds the single binding
	ErrAlreadyBound = errors.New("another peer is already bound")
)

// Characteristics are the two resolved characteristic identifiers of a peer
type Characteristics struct {
	WriteCharID  string
	NotifyCharID string
}

type entry struct {
	peer  transport.Peer
	chars *Characteristics
}

// Registry is safe for concurrent use
type Registry struct {
	descriptor protocol.ServiceDescriptor

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	bound   string
}

// New creates a registry resolving characteristics against d
func New(d protocol.ServiceDescriptor) *Registry {
	return &Registry{
		descriptor: d,
		entries:    make(map[string]*entry),
	}
}

// Upsert records peer; the same id overwrites the name but keeps its position and binding
func (r *Registry) Upsert(peer transport.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[peer.ID]; ok {
		e.peer = peer
		return
	}
	r.entries[peer.ID] = &entry{peer: peer}
	r.order = append(r.order, peer.ID)
}

// Remove forgets the peer, dropping its binding if it had one
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.bound == id {
		r.bound = ""
	}
}

// Get returns the peer recorded under id
func (r *Registry) Get(id string) (transport.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return transport.Peer{}, false
	}
	return e.peer, true
}

// Peers returns all recorded peers in first-seen order
func (r *Registry) Peers() []transport.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]transport.Peer, 0, len(r.order))
	for _, id := range r.order {
		peers = append(peers, r.entries[id].peer)
	}
	return peers
}

// ResolveCharacteristics checks that a discovered service carries the
// exchange service and both of its characteristics
func (r *Registry) ResolveCharacteristics(peer transport.Peer, service transport.DiscoveredService) (Characteristics, error) {
	if !protocol.SameID(service.ServiceID, r.descriptor.ServiceID) {
		return Characteristics{}, fmt.Errorf("%w: service %s on %s", ErrNotFound, r.descriptor.ServiceID, peer.ID)
	}

	var chars Characteristics
	for _, id := range service.CharacteristicIDs {
		switch {
		case protocol.SameID(id, r.descriptor.WriteCharID):
			chars.WriteCharID = id
		case protocol.SameID(id, r.descriptor.NotifyCharID):
			chars.NotifyCharID = id
		}
	}

	if chars.WriteCharID == "" {
		return Characteristics{}, fmt.Errorf("%w: write characteristic %s on %s", ErrNotFound, r.descriptor.WriteCharID, peer.ID)
	}
	if chars.NotifyCharID == "" {
		return Characteristics{}, fmt.Errorf("%w: notify characteristic %s on %s", ErrNotFound, r.descriptor.NotifyCharID, peer.ID)
	}
	return chars, nil
}

// Bind records peer as the single exchange partner. Rebinding the same peer
// replaces its characteristics; binding a different one fails until Unbind.
func (r *Registry) Bind(peer transport.Peer, chars Characteristics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound != "" && r.bound != peer.ID {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, r.bound)
	}

	e, ok := r.entries[peer.ID]
	if !ok {
		e = &entry{peer: peer}
		r.entries[peer.ID] = e
		r.order = append(r.order, peer.ID)
	}
	c := chars
	e.chars = &c
	r.bound = peer.ID
	return nil
}

// Unbind releases the binding but keeps the peer recorded
func (r *Registry) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[r.bound]; ok {
		e.chars = nil
	}
	r.bound = ""
}

// Bound returns the bound peer and its characteristics
func (r *Registry) Bound() (transport.Peer, Characteristics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[r.bound]
	if !ok || e.chars == nil {
		return transport.Peer{}, Characteristics{}, false
	}
	return e.peer, *e.chars, true
}

// Clear forgets every peer
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = nil
	r.entries = make(map[string]*entry)
	r.bound = ""
}
