package broadcast

import (
	"errors"
	"sync"

	"github.com/vango-dev/wsbridge/pkg/metrics"
	"github.com/vango-dev/wsbridge/pkg/protocol"
	"github.com/vango-dev/wsbridge/pkg/transport"
)

// Registry errors.
var (
	ErrUnknownPeer     = errors.New("broadcast: unknown peer")
	ErrReclassify      = errors.New("broadcast: peer already classified")
	ErrInvalidClass    = errors.New("broadcast: invalid peer class")
	ErrExtensionBinary = errors.New("broadcast: binary frames cannot target extension peers")
)

type member struct {
	peer  transport.Peer
	class protocol.PeerClass
}

// Registry tracks live peers and their classes. It holds non-owning
// references: the transport owns each connection, and a peer is removed
// when its close notification arrives.
type Registry struct {
	mu      sync.Mutex
	members []member
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{metrics: m}
}

func (r *Registry) indexLocked(p transport.Peer) int {
	for i, m := range r.members {
		if m.peer.ID() == p.ID() {
			return i
		}
	}
	return -1
}

// Append adds a peer with ClassUndefined. Appending a known peer is a no-op.
func (r *Registry) Append(p transport.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(p) >= 0 {
		return
	}
	r.members = append(r.members, member{peer: p, class: protocol.ClassUndefined})
	r.recordLocked()
}

// Remove forgets a peer. Removing an unknown peer is a silent no-op, since
// close notifications can race with explicit removal. It reports whether the
// peer was present.
func (r *Registry) Remove(p transport.Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(p)
	if i < 0 {
		return false
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	r.recordLocked()
	return true
}

// Classify assigns a class to a peer. A peer is classified at most once;
// repeating the same class is accepted, a different one is ErrReclassify.
func (r *Registry) Classify(p transport.Peer, class protocol.PeerClass) error {
	if class != protocol.ClassController && class != protocol.ClassExtension {
		return ErrInvalidClass
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(p)
	if i < 0 {
		return ErrUnknownPeer
	}
	switch r.members[i].class {
	case protocol.ClassUndefined:
		r.members[i].class = class
		r.recordLocked()
		return nil
	case class:
		return nil
	default:
		return ErrReclassify
	}
}

// Class returns the class of a peer.
func (r *Registry) Class(p transport.Peer) (protocol.PeerClass, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(p)
	if i < 0 {
		return protocol.ClassUndefined, false
	}
	return r.members[i].class, true
}

// Peers returns the peers addressed by target, in connection order. When
// binary is true extension peers are left out.
func (r *Registry) Peers(target protocol.PeerClass, binary bool) []transport.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.Peer
	for _, m := range r.members {
		if !target.Matches(m.class) {
			continue
		}
		if binary && m.class == protocol.ClassExtension {
			continue
		}
		out = append(out, m.peer)
	}
	return out
}

// Count returns the number of peers addressed by target.
func (r *Registry) Count(target protocol.PeerClass) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.members {
		if target.Matches(m.class) {
			n++
		}
	}
	return n
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// ForceCloseAll removes and closes every peer. Each iteration removes one
// peer under the lock and re-reads the list, so peers removed concurrently
// are never closed twice. It returns the number of peers closed.
func (r *Registry) ForceCloseAll(closeFn func(transport.Peer)) int {
	n := 0
	for {
		r.mu.Lock()
		if len(r.members) == 0 {
			r.mu.Unlock()
			return n
		}
		p := r.members[0].peer
		r.members = r.members[1:]
		r.recordLocked()
		r.mu.Unlock()

		closeFn(p)
		n++
	}
}

func (r *Registry) recordLocked() {
	if r.metrics == nil {
		return
	}
	counts := map[protocol.PeerClass]int{
		protocol.ClassUndefined:  0,
		protocol.ClassController: 0,
		protocol.ClassExtension:  0,
	}
	for _, m := range r.members {
		counts[m.class]++
	}
	for class, n := range counts {
		r.metrics.SetPeers(class.String(), n)
	}
}
