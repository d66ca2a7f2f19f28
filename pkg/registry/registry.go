// Package registry tracks every active WebSocket connection: peer id,
// subscribed session, outbound sender handle, and liveness (spec §4.3).
// Rate-limit buckets live in pkg/ratelimit, keyed by the same peer id.
// Grounded on helixml-helix's connman.ConnectionManager
// and desktop.SessionRegistry: a concurrency-safe map keyed by an opaque
// id, with per-entry state instead of cross-referencing the bus directly.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPeerNotFound is returned by SendTo and AttachToSession when the peer
// id is unknown (already disconnected or never registered).
var ErrPeerNotFound = errors.New("registry: peer not found")

// Outbound is the minimal send capability a connection handler exposes to
// the registry; concrete implementations wrap a gorilla/websocket writer
// goroutine's channel.
type Outbound interface {
	// Send enqueues message for delivery; it must never block the caller
	// for more than the connection's own write deadline.
	Send(message []byte) error
}

// Peer is a tracked WebSocket connection.
type Peer struct {
	ID      string
	out     Outbound
	mu      sync.Mutex
	session string
	alive   bool
	lastSeen time.Time
	seq      uint64
}

// Session returns the peer's currently subscribed session, or "" if none.
func (p *Peer) Session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// MarkAlive records a liveness pulse (pong received).
func (p *Peer) MarkAlive() {
	p.mu.Lock()
	p.alive = true
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// Alive reports the best-effort liveness flag.
func (p *Peer) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// NextSeq returns the next outbound message sequence number for this peer.
func (p *Peer) NextSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

// Registry is the process-wide table of connected peers.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Register creates a fresh peer id and tracks out as its outbound sender.
func (r *Registry) Register(out Outbound) *Peer {
	p := &Peer{ID: "peer-" + uuid.NewString(), out: out, alive: true, lastSeen: time.Now()}
	r.mu.Lock()
	r.peers[p.ID] = p
	r.mu.Unlock()
	return p
}

// AttachToSession validates nothing itself (validation happens in the
// validate package before this is called); it replaces any previous
// attachment, honoring "a peer may be subscribed to at most one session
// at a time" (spec §3).
func (r *Registry) AttachToSession(peerID, session string) error {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}
	p.mu.Lock()
	p.session = session
	p.mu.Unlock()
	return nil
}

// Get returns the peer for id, if still registered.
func (r *Registry) Get(peerID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// PeersInSession returns every peer currently attached to session.
func (r *Registry) PeersInSession(session string) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Peer
	for _, p := range r.peers {
		if p.Session() == session {
			out = append(out, p)
		}
	}
	return out
}

// SendTo delivers message to peerID's outbound channel, failing with
// ErrPeerNotFound if the peer is gone.
func (r *Registry) SendTo(peerID string, message []byte) error {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}
	return p.out.Send(message)
}

// Remove deregisters a peer. The caller is responsible for also removing
// its rate-limit bucket (spec §4.3's "also removes from rate limiter" is
// wired at the server layer, which owns both the registry and the
// limiter, to keep this package independent of ratelimit).
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Count returns the number of currently registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
