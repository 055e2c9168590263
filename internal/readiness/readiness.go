// Package readiness holds the two-bit readiness state (DB, bus) the
// control loop consults before every cycle.
package readiness

import "sync"

// Registry tracks DB and bus readiness independently, each with an
// optional reason, behind one mutex.
type Registry struct {
	mu sync.RWMutex

	dbReady   bool
	dbReason  string
	busReady  bool
	busReason string
}

// New constructs a registry with both bits false until explicitly set.
func New() *Registry {
	return &Registry{}
}

// SetDB updates DB readiness.
func (r *Registry) SetDB(ready bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbReady = ready
	r.dbReason = reason
}

// SetBus updates bus readiness.
func (r *Registry) SetBus(ready bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busReady = ready
	r.busReason = reason
}

// Ready reports whether both DB and bus are ready, and if not, the
// first-encountered blocking reason (DB checked first).
func (r *Registry) Ready() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.dbReady {
		return false, "db: " + r.dbReason
	}
	if !r.busReady {
		return false, "bus: " + r.busReason
	}
	return true, ""
}

// DB returns the DB readiness bit and reason.
func (r *Registry) DB() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dbReady, r.dbReason
}

// Bus returns the bus readiness bit and reason.
func (r *Registry) Bus() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busReady, r.busReason
}
