// Package relay implements the server-side signaling core: the
// identifier registry and the message router. Media never flows
// through here; the relay only forwards opaque envelopes between two
// identified endpoints.
package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/core"
	"github.com/Kystof91/zvonilka/internal/domain"
)

// Registry maps dial codes to live signaling connections. It is the
// only state shared across connection goroutines and is guarded by a
// single RWMutex.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]core.SignalConnection
	conns map[core.ConnID][]domain.PeerID
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[domain.PeerID]core.SignalConnection),
		conns: make(map[core.ConnID][]domain.PeerID),
	}
}

// Register associates id with conn for the lifetime of the connection.
// There is no uniqueness error: a later registration silently
// supersedes routing to an earlier one.
func (r *Registry) Register(id domain.PeerID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.peers[id]; ok && old.ID() != conn.ID() {
		r.dropAssociation(old.ID(), id)
		log.Info().Str("module", "relay.registry").Str("peer", string(id)).Msg("registration superseded")
	}
	r.peers[id] = conn
	r.conns[conn.ID()] = append(r.conns[conn.ID()], id)
	log.Info().Str("module", "relay.registry").Str("peer", string(id)).Str("conn", string(conn.ID())).Msg("registered")
}

// Unregister removes every association pointing at that connection
// handle. Ids that were superseded by a newer connection stay routed
// to the newer one.
func (r *Registry) Unregister(conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.conns[conn.ID()] {
		if cur, ok := r.peers[id]; ok && cur.ID() == conn.ID() {
			delete(r.peers, id)
			log.Info().Str("module", "relay.registry").Str("peer", string(id)).Msg("unregistered")
		}
	}
	delete(r.conns, conn.ID())
}

// Drop removes a single id if it is still routed to conn. Used by the
// explicit leave control message.
func (r *Registry) Drop(id domain.PeerID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.peers[id]; ok && cur.ID() == conn.ID() {
		delete(r.peers, id)
		r.dropAssociation(conn.ID(), id)
		log.Info().Str("module", "relay.registry").Str("peer", string(id)).Msg("left")
	}
}

func (r *Registry) Lookup(id domain.PeerID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.peers[id]
	return conn, ok
}

// Peers returns a snapshot of every registered dial code.
func (r *Registry) Peers() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// dropAssociation removes id from the reverse index of cid.
// Caller holds the write lock.
func (r *Registry) dropAssociation(cid core.ConnID, id domain.PeerID) {
	ids := r.conns[cid]
	for i, cur := range ids {
		if cur == id {
			r.conns[cid] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.conns[cid]) == 0 {
		delete(r.conns, cid)
	}
}
