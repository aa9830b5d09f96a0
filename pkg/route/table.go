// Package route implements the route table: a type -> handler map with
// merge and mount operations for composing routers built in separate
// packages.
package route

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wskit/wskit/pkg/envelope"
)

// ErrDuplicateRoute is returned by Register when the type is already
// present, and by Merge/Mount when onConflict is ConflictError.
var ErrDuplicateRoute = errors.New("route: duplicate route")

// Middleware wraps a Handler; chains apply in registration order.
type Middleware func(next Handler) Handler

// Handler processes a validated message. ctx is supplied by the server
// engine (component F); this package only owns the table, not dispatch.
type Handler interface {
	Handle(ctx Context, payload any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx Context, payload any) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx Context, payload any) error { return f(ctx, payload) }

// Context is the minimal surface a route.Handler needs; the server
// engine implements it with the real per-connection state. Meta is the
// inbound message's meta mapping (reserved keys already stripped);
// Data is the user-defined per-connection attachment, which outlives
// any single message.
type Context interface {
	ClientID() string
	Meta() map[string]any
	Data() map[string]any
	Send(typ string, payload any) error
	Publish(topic, typ string, payload any, excludeSelf bool) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Close(code int, reason string) error
}

// Entry binds a descriptor to a handler and its own middleware chain.
// Entries are never mutated after insertion; Mount produces a new Entry
// with a cloned Descriptor instead.
type Entry struct {
	Descriptor *envelope.Descriptor
	Handler    Handler
	Middleware []Middleware
}

// withType returns a copy of e with Descriptor rewritten to typ. Handler and
// the Middleware slice header are copied by reference: they are
// themselves treated as immutable once registered.
func (e Entry) withType(typ string) Entry {
	e.Descriptor = e.Descriptor.WithType(typ)
	return e
}

// ConflictPolicy controls what Merge and Mount do when two tables
// disagree about a type.
type ConflictPolicy int

const (
	// ConflictError fails the whole operation; the target is left
	// unchanged.
	ConflictError ConflictPolicy = iota
	// ConflictSkip keeps the existing entry and ignores the incoming one.
	ConflictSkip
	// ConflictReplace overwrites the existing entry with the incoming one.
	ConflictReplace
)

// Table is the type -> handler route map. The zero value is not usable;
// use New.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty route table.
func New() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Register adds entry under its descriptor's type. It fails with
// ErrDuplicateRoute if that type is already present.
func (t *Table) Register(d *envelope.Descriptor, h Handler, mw ...Middleware) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[d.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, d.Type())
	}
	t.entries[d.Type()] = Entry{Descriptor: d, Handler: h, Middleware: append([]Middleware(nil), mw...)}
	return nil
}

// Get looks up the entry for typ.
func (t *Table) Get(typ string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[typ]
	return e, ok
}

// List returns a snapshot of every registered entry. Order is
// unspecified.
func (t *Table) List() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Merge copies every entry of other into t under policy. On
// ConflictError, the first colliding type aborts the whole merge and t is
// left completely unchanged (it operates on a staged copy, not in
// place).
func (t *Table) Merge(other *Table, policy ConflictPolicy) error {
	return t.mergeEntries(other.List(), policy, "")
}

// Mount copies every entry of other into t with prefix prepended to each
// type. The descriptor carried by each entry is cloned (via
// Descriptor.WithType), never mutated, so other remains usable
// independently after Mount returns. Conflict resolution is evaluated
// after prefixing, against the prefixed type.
func (t *Table) Mount(prefix string, other *Table, policy ConflictPolicy) error {
	return t.mergeEntries(other.List(), policy, prefix)
}

func (t *Table) mergeEntries(incoming []Entry, policy ConflictPolicy, prefix string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Stage into a copy so an aborted ConflictError merge leaves t
	// untouched.
	staged := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		staged[k] = v
	}

	for _, e := range incoming {
		if prefix != "" {
			e = e.withType(prefix + e.Descriptor.Type())
		}
		typ := e.Descriptor.Type()

		if _, exists := staged[typ]; exists {
			switch policy {
			case ConflictError:
				return fmt.Errorf("%w: %s", ErrDuplicateRoute, typ)
			case ConflictSkip:
				continue
			case ConflictReplace:
				staged[typ] = e
			default:
				return fmt.Errorf("route: unknown conflict policy %v", policy)
			}
			continue
		}
		staged[typ] = e
	}

	t.entries = staged
	return nil
}
