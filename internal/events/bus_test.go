package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus()
	var got []string

	unsubA := bus.Subscribe(func(e Event) { got = append(got, "a:"+e.ThreadID) })
	unsubB := bus.Subscribe(func(e Event) { got = append(got, "b:"+e.ThreadID) }, MessageUpdated)
	defer unsubA()
	defer unsubB()

	bus.Publish(Event{Type: MessageAppended, ThreadID: "1"})
	bus.Publish(Event{Type: MessageUpdated, ThreadID: "2"})
	bus.Publish(Event{Type: MessageUpdated, ThreadID: "3"})

	assert.Equal(t, []string{"a:1", "a:2", "b:2", "a:3", "b:3"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.Subscribe(func(Event) { calls++ })
	require.Equal(t, 1, bus.Len())

	bus.Publish(Event{Type: ThreadsChanged})
	unsub()
	unsub()
	bus.Publish(Event{Type: ThreadsChanged})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Len())
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Event{Type: ThreadsChanged}) })
}
