// Package events delivers store and session notifications to front-ends.
//
// Publish calls every subscriber synchronously, in subscription order, on
// the publishing goroutine. Events published by one goroutine are
// therefore observed in the order they were published.
package events

import (
	"sync"

	"github.com/xaenox/copilot-chat/internal/models"
)

type Type string

const (
	ThreadsChanged  Type = "threads_changed"
	ThreadSelected  Type = "thread_selected"
	MessageAppended Type = "message_appended"
	MessageUpdated  Type = "message_updated"
	SessionEnded    Type = "session_ended"
)

type Event struct {
	Type     Type
	Owner    string
	ThreadID string
	Message  *models.Message
	// Expired is set on SessionEnded when the token was rejected.
	Expired bool
}

type Handler func(Event)

type subscription struct {
	id      uint64
	types   map[Type]struct{}
	handler Handler
}

type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for the given types, or for every type when none
// are given. The returned function removes the subscription.
func (b *Bus) Subscribe(h Handler, types ...Type) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	s := subscription{id: id, handler: h}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, s)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil {
			if _, ok := s.types[e.Type]; !ok {
				continue
			}
		}
		s.handler(e)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
