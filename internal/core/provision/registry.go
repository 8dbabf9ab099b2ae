package provision

import (
	"sync"

	"github.com/wphive/backend/internal/core/ports"
)

// Registry tracks the currently open channel per installation, owned by the
// worker process. It exists only for housekeeping (closing the channel on
// cancel); authoritative state always lives in the persisted records.
type Registry struct {
	mu       sync.Mutex
	channels map[uint]ports.CommandChannel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[uint]ports.CommandChannel)}
}

// Put registers the active channel for an installation. At most one channel
// is open per installation; a previous entry is disconnected first.
func (r *Registry) Put(installationID uint, channel ports.CommandChannel) {
	r.mu.Lock()
	previous := r.channels[installationID]
	r.channels[installationID] = channel
	r.mu.Unlock()

	if previous != nil && previous != channel {
		_ = previous.Disconnect()
	}
}

// Remove drops the registry entry without disconnecting.
func (r *Registry) Remove(installationID uint) {
	r.mu.Lock()
	delete(r.channels, installationID)
	r.mu.Unlock()
}

// Close disconnects and removes any open channel for the installation. Used
// by the cancel path: the failing in-flight exec makes the run wind down.
func (r *Registry) Close(installationID uint) {
	r.mu.Lock()
	channel := r.channels[installationID]
	delete(r.channels, installationID)
	r.mu.Unlock()

	if channel != nil {
		_ = channel.Disconnect()
	}
}
