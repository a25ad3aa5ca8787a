package peer

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"gridlink/pkg/protocol"
)

// ErrUnknownPeer reports a send to a peer without a registered link.
var ErrUnknownPeer = errors.New("peer: unknown peer")

// Registry owns every active link, keyed by peer identity. It is the only
// component that may mutate the link collection; everything else holds
// peer ids and looks links up here. At most one live link exists per peer
// at any time.
type Registry struct {
	log *zap.Logger

	mu      sync.Mutex
	links   map[string]*Link
	handler MessageHandler
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:   log,
		links: make(map[string]*Link),
	}
}

// Add registers a link under its peer id, closing any previous link for
// the same peer first. Inbound messages on the link are routed to the
// registry's subscriber.
func (r *Registry) Add(l *Link) {
	r.mu.Lock()
	old := r.links[l.peerID]
	r.links[l.peerID] = l
	r.mu.Unlock()

	if old != nil && old != l {
		r.log.Debug("replacing existing link", zap.String("peer", l.peerID))
		old.Close()
	}
	l.setOnMessage(r.route)
}

// Remove closes the link for the given peer and discards it. Closing
// always happens before the reference is dropped.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	l := r.links[peerID]
	delete(r.links, peerID)
	r.mu.Unlock()

	if l != nil {
		l.Close()
	}
}

// Find returns the link for the given peer, or nil.
func (r *Registry) Find(peerID string) *Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[peerID]
}

// Peers returns the ids of all registered links.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	return ids
}

// SendTo delivers one message to a single peer.
func (r *Registry) SendTo(peerID string, env protocol.PeerEnvelope) error {
	l := r.Find(peerID)
	if l == nil {
		return ErrUnknownPeer
	}
	l.Send(env)
	return nil
}

// Broadcast delivers one message to every registered link except the
// excluded peers. Delivery is best effort per link; one link's failure
// never blocks the others.
func (r *Registry) Broadcast(env protocol.PeerEnvelope, excluding ...string) {
	r.mu.Lock()
	targets := make([]*Link, 0, len(r.links))
	for id, l := range r.links {
		skip := false
		for _, ex := range excluding {
			if id == ex {
				skip = true
				break
			}
		}
		if !skip {
			targets = append(targets, l)
		}
	}
	r.mu.Unlock()

	for _, l := range targets {
		l.Send(env)
	}
}

// SetHandler installs the single active message subscriber. It receives
// (peerID, message) for every inbound data-channel message across all
// links. A later call replaces the previous subscriber.
func (r *Registry) SetHandler(h MessageHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Registry) route(peerID string, env protocol.PeerEnvelope) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		r.log.Warn("no subscriber for peer message",
			zap.String("peer", peerID),
			zap.String("name", string(env.Name)),
		)
		return
	}
	h(peerID, env)
}

// Close tears down every link and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.links = make(map[string]*Link)
	r.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}
