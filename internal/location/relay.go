package location

import (
	"errors"
	"sync"
)

var ErrPermissionDenied = errors.New("location permission denied")

// FixHandler receives fixes from a Provider.
type FixHandler interface {
	HandleFix(Fix)
}

// Provider is a source of position fixes.
type Provider interface {
	StartUpdates(handler FixHandler) error
	StopUpdates()
}

// Relay is a Provider fed by fixes the device uploads. Fixes pushed while
// updates are stopped are dropped.
type Relay struct {
	mu         sync.Mutex
	handler    FixHandler
	authorized bool
}

func NewRelay() *Relay {
	return &Relay{authorized: true}
}

func (r *Relay) StartUpdates(handler FixHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authorized {
		return ErrPermissionDenied
	}
	r.handler = handler
	return nil
}

func (r *Relay) StopUpdates() {
	r.mu.Lock()
	r.handler = nil
	r.mu.Unlock()
}

// SetAuthorized records the device's location permission. Revoking it stops
// any active updates.
func (r *Relay) SetAuthorized(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authorized = ok
	if !ok {
		r.handler = nil
	}
}

func (r *Relay) Authorized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorized
}

// Push forwards fixes to the current handler and reports how many were delivered.
// The handler is invoked without holding the relay lock.
func (r *Relay) Push(fixes ...Fix) int {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()

	if handler == nil {
		return 0
	}
	for _, fix := range fixes {
		handler.HandleFix(fix)
	}
	return len(fixes)
}
