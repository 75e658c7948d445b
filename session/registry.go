// Package session implements the peer session layer: a registry of known
// peers, a per-peer protocol state machine driving connect, channel probe,
// handshake and keep-alive, and a periodic monitor that detects silent peers.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/MrGrillet/Light-box-besktop/identity"
)

// Phase is the externally visible connection phase of a peer.
type Phase string

const (
	PhaseDiscovered         Phase = "discovered"
	PhaseConnecting         Phase = "connecting"
	PhaseChannelProbing     Phase = "channel_probing"
	PhaseHandshakeSent      Phase = "handshake_sent"
	PhaseHandshakeCompleted Phase = "handshake_completed"
	PhaseConnected          Phase = "connected"
	PhaseDisconnected       Phase = "disconnected"
	PhaseFailed             Phase = "failed"
)

// Peer is one remote endpoint across its connection lifetime.
type Peer struct {
	ID       string
	Platform string
	Name     string
	Address  string

	Phase         Phase
	FailureReason string
	Authenticated bool

	LastKeepAliveAt time.Time
	FailedAttempts  int
	LastAttemptAt   time.Time
}

// EventKind classifies registry change events.
type EventKind string

const (
	EventPeerUpserted EventKind = "peer_upserted"
	EventPeerRemoved  EventKind = "peer_removed"
)

// Event is one observable registry change.
type Event struct {
	Kind EventKind
	Peer Peer
}

// Registry tracks discovered and connected peers. Reads are concurrent,
// writes serialized. Every mutation is observable on the Events channel as a
// snapshot change.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:  make(map[string]Peer),
		events: make(chan Event, 64),
	}
}

// Events returns the registry change stream. Events are dropped, never
// blocked on, when the consumer falls behind.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Upsert inserts or replaces a peer record. Platform and name are filled
// from the device identifier when left empty.
func (r *Registry) Upsert(peer Peer) {
	if peer.Platform == "" || peer.Name == "" {
		if id, ok := identity.Parse(peer.ID); ok {
			if peer.Platform == "" {
				peer.Platform = id.Platform
			}
			if peer.Name == "" {
				peer.Name = id.DeviceName
			}
		}
	}
	if peer.Phase == "" {
		peer.Phase = PhaseDiscovered
	}

	r.mu.Lock()
	r.peers[peer.ID] = peer
	r.mu.Unlock()

	r.emit(Event{Kind: EventPeerUpserted, Peer: peer})
}

// Remove drops a peer record entirely and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	peer, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()

	if ok {
		r.emit(Event{Kind: EventPeerRemoved, Peer: peer})
	}
	return ok
}

// Get returns a copy of one peer record.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

// List returns all peer records sorted by ID.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Connected returns the connected set: peers that are both in the connected
// phase and authenticated. A peer never appears here unauthenticated.
func (r *Registry) Connected() []Peer {
	peers := r.List()
	connected := peers[:0]
	for _, peer := range peers {
		if peer.Phase == PhaseConnected && peer.Authenticated {
			connected = append(connected, peer)
		}
	}
	return connected
}

// SetAuthenticated marks a peer as having completed both the secure channel
// and the application handshake.
func (r *Registry) SetAuthenticated(id string) {
	r.update(id, func(peer *Peer) {
		peer.Authenticated = true
	})
}

// SetPhase updates a peer's connection phase. Leaving any authenticated
// phase clears the authenticated flag; the failure reason is kept only for
// the failed phase.
func (r *Registry) SetPhase(id string, phase Phase, reason string) {
	r.update(id, func(peer *Peer) {
		peer.Phase = phase
		if phase != PhaseFailed {
			reason = ""
		}
		peer.FailureReason = reason
		if phase != PhaseConnected && phase != PhaseHandshakeCompleted {
			peer.Authenticated = false
		}
	})
}

// MarkKeepAlive stamps the peer's last keep-alive time.
func (r *Registry) MarkKeepAlive(id string, at time.Time) {
	r.update(id, func(peer *Peer) {
		peer.LastKeepAliveAt = at
	})
}

// RecordAttempt stamps a new connection attempt.
func (r *Registry) RecordAttempt(id string, at time.Time) {
	r.update(id, func(peer *Peer) {
		peer.LastAttemptAt = at
	})
}

// RecordFailure increments the peer's consecutive failure counter and
// returns the new count.
func (r *Registry) RecordFailure(id string) int {
	count := 0
	r.update(id, func(peer *Peer) {
		peer.FailedAttempts++
		count = peer.FailedAttempts
	})
	return count
}

// ResetFailures clears the peer's consecutive failure counter.
func (r *Registry) ResetFailures(id string) {
	r.update(id, func(peer *Peer) {
		peer.FailedAttempts = 0
	})
}

func (r *Registry) update(id string, mutate func(peer *Peer)) {
	r.mu.Lock()
	peer, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	mutate(&peer)
	r.peers[id] = peer
	r.mu.Unlock()

	r.emit(Event{Kind: EventPeerUpserted, Peer: peer})
}

func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}
