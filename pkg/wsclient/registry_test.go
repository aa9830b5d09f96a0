package wsclient

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wskit/wskit/pkg/envelope"
)

func TestRegistryMultipleHandlersRunInOrder(t *testing.T) {
	r := NewRegistry()
	var order []int
	r.Add("EVT", func(*envelope.Envelope) { order = append(order, 1) })
	r.Add("EVT", func(*envelope.Envelope) { order = append(order, 2) })
	r.Add("OTHER", func(*envelope.Envelope) { order = append(order, 99) })

	r.Dispatch("EVT", envelope.NewRaw("EVT", nil))

	assert.Equal(t, []int{1, 2}, order)
}

// the unsubscribe thunk removes exactly its own registration and is
// idempotent on repeat calls.
func TestRegistryUnsubscribeRemovesExactlyOne(t *testing.T) {
	r := NewRegistry()
	var a, b int
	unsubA := r.Add("EVT", func(*envelope.Envelope) { a++ })
	r.Add("EVT", func(*envelope.Envelope) { b++ })

	unsubA()
	unsubA() // repeat must be a no-op

	r.Dispatch("EVT", envelope.NewRaw("EVT", nil))

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

// unsubscribing from inside a handler does not mutate the in-progress
// dispatch: the snapshot taken before iteration still runs every
// handler registered at dispatch time.
func TestRegistrySnapshotBeforeIterate(t *testing.T) {
	r := NewRegistry()
	var ran []string

	var unsubB func()
	r.Add("EVT", func(*envelope.Envelope) {
		ran = append(ran, "a")
		unsubB()
	})
	unsubB = r.Add("EVT", func(*envelope.Envelope) { ran = append(ran, "b") })

	r.Dispatch("EVT", envelope.NewRaw("EVT", nil))
	assert.Equal(t, []string{"a", "b"}, ran, "b was registered when dispatch began, so it runs")

	r.Dispatch("EVT", envelope.NewRaw("EVT", nil))
	assert.Equal(t, []string{"a", "b", "a"}, ran, "b is gone from the next dispatch")
}

// a panicking handler is isolated: subsequent handlers still run and
// OnPanic observes the recovered value.
func TestRegistryPanicIsolation(t *testing.T) {
	r := NewRegistry()
	var recovered any
	r.OnPanic = func(typ string, rec any) { recovered = rec }

	var secondRan bool
	r.Add("EVT", func(*envelope.Envelope) { panic("boom") })
	r.Add("EVT", func(*envelope.Envelope) { secondRan = true })

	r.Dispatch("EVT", envelope.NewRaw("EVT", nil))

	assert.True(t, secondRan)
	assert.Equal(t, "boom", recovered)
}
