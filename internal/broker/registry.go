package broker

import (
	"sync"

	"github.com/voltlab/echem-host/internal/protocol"
)

// Registry is the in-memory table of reservable channels.
//
// Channels are pre-registered at host startup from configuration. The
// registry itself has no concurrency control beyond the map mutex; all
// per-channel state is serialized by the channel's own mutex, owned by
// the reservation manager.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
	}
}

// Create registers a channel id. It is idempotent: creating an existing
// channel is a no-op, so startup can re-register the configured set safely.
func (r *Registry) Create(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[id]; ok {
		return ch
	}
	ch := &Channel{
		id:    id,
		state: protocol.ChannelFree,
	}
	r.channels[id] = ch
	return ch
}

// Lookup returns the channel with the given id.
// Returns ErrChannelNotFound if the id is not registered.
func (r *Registry) Lookup(id string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// All returns every registered channel.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	return channels
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
