package peers

import "sync"

// Registry is the ordered collection of connected peers. A handle appears at
// most once.
type Registry struct {
	sync.RWMutex
	peers []*Peer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends p unless it is already present.
func (r *Registry) Add(p *Peer) {
	r.Lock()
	defer r.Unlock()

	for _, e := range r.peers {
		if e == p {
			return
		}
	}

	r.peers = append(r.peers, p)
}

// Remove deletes p and reports whether it was present.
func (r *Registry) Remove(p *Peer) bool {
	r.Lock()
	defer r.Unlock()

	for i, e := range r.peers {
		if e == p {
			r.peers = append(r.peers[:i:i], r.peers[i+1:]...)
			return true
		}
	}

	return false
}

// List returns a snapshot of the registry in insertion order.
func (r *Registry) List() []*Peer {
	r.RLock()
	defer r.RUnlock()

	res := make([]*Peer, len(r.peers))
	copy(res, r.peers)
	return res
}

// Len returns the number of peers.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.peers)
}

// Get returns the peer with the given connection ID.
func (r *Registry) Get(id string) (*Peer, bool) {
	r.RLock()
	defer r.RUnlock()

	for _, p := range r.peers {
		if p.ID == id {
			return p, true
		}
	}

	return nil, false
}
