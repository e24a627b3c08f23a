package relay

import "sync"

// Registry holds the authoritative set of live observers. Membership mutation
// is rare next to broadcast frequency, so a coarse lock around the map is
// enough.
type Registry struct {
	mu        sync.RWMutex
	observers map[*Observer]struct{}
}

func NewRegistry() *Registry {
	return &Registry{observers: make(map[*Observer]struct{})}
}

// Register adds an observer. Registering an already-present observer is a
// no-op.
func (r *Registry) Register(o *Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[o] = struct{}{}
}

// Unregister removes an observer regardless of state. Absent observers are a
// no-op, so transport close handlers and broadcast eviction can both call it.
func (r *Registry) Unregister(o *Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, o)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// ForEachLive invokes fn once per registered open observer. The membership
// snapshot is taken under the lock but fn runs outside it, so a network send
// inside fn never holds up register/unregister.
func (r *Registry) ForEachLive(fn func(*Observer)) {
	r.mu.RLock()
	live := make([]*Observer, 0, len(r.observers))
	for o := range r.observers {
		if o.Open() {
			live = append(live, o)
		}
	}
	r.mu.RUnlock()

	for _, o := range live {
		fn(o)
	}
}
