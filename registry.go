package asyncmix

import (
	"sync"
)

// promiseRegistry tracks promises that have not yet settled, so termination
// can reject every one of them instead of leaving observers hanging.
//
// Settled promises deregister themselves, which bounds the registry to the
// genuinely pending set; a promise that never settles is exactly the one the
// registry must keep reachable for RejectAll.
type promiseRegistry struct {
	mu      sync.Mutex
	pending map[uint64]*Promise
	nextID  uint64
}

func newPromiseRegistry() *promiseRegistry {
	return &promiseRegistry{
		pending: make(map[uint64]*Promise),
		nextID:  1, // 0 marks "never registered"
	}
}

// register adds a pending promise and returns its registration ID.
func (r *promiseRegistry) register(p *Promise) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.pending[id] = p
	return id
}

// deregister removes a settled promise. Unknown IDs are ignored, which makes
// the RejectAll/settle race harmless.
func (r *promiseRegistry) deregister(id uint64) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// count returns the number of registered pending promises.
func (r *promiseRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// rejectAll rejects every pending promise with the given reason. The map is
// detached under the lock and rejections run outside it, because each
// rejection re-enters deregister.
func (r *promiseRegistry) rejectAll(reason error) {
	r.mu.Lock()
	detached := r.pending
	r.pending = make(map[uint64]*Promise)
	r.mu.Unlock()

	for _, p := range detached {
		p.reject(reason)
	}
}
