package wsclient

import (
	"sync"

	"github.com/wskit/wskit/pkg/envelope"
)

// HandlerFunc processes one inbound message of a registered type.
type HandlerFunc func(env *envelope.Envelope)

type registration struct {
	id int
	fn HandlerFunc
}

// Registry is a type -> ordered handler list, supporting more than one
// handler per type, snapshot-before-iterate dispatch so a handler
// registering or unregistering from within a callback never races the
// in-flight dispatch, and per-handler panic isolation so one bad handler
// cannot stop its siblings from running.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   int

	// OnPanic, if set, is called with the recovered value whenever a
	// handler panics during Dispatch.
	OnPanic func(typ string, recovered any)
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]registration)}
}

// Add registers fn for typ and returns an unsubscribe thunk that removes
// exactly this registration, even if other handlers for the same type
// were added or removed in the meantime.
func (r *Registry) Add(typ string, fn HandlerFunc) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[typ] = append(r.handlers[typ], registration{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.handlers[typ]
		for i, reg := range list {
			if reg.id == id {
				r.handlers[typ] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.handlers[typ]) == 0 {
			delete(r.handlers, typ)
		}
	}
}

// Dispatch runs every handler registered for typ against env, in
// registration order, on a snapshot taken before the loop starts.
// A panicking handler is recovered and does not prevent the remaining
// handlers in the snapshot from running.
func (r *Registry) Dispatch(typ string, env *envelope.Envelope) {
	r.mu.RLock()
	snapshot := append([]registration(nil), r.handlers[typ]...)
	r.mu.RUnlock()

	for _, reg := range snapshot {
		r.invoke(typ, reg.fn, env)
	}
}

func (r *Registry) invoke(typ string, fn HandlerFunc, env *envelope.Envelope) {
	defer func() {
		if rec := recover(); rec != nil && r.OnPanic != nil {
			r.OnPanic(typ, rec)
		}
	}()
	fn(env)
}
