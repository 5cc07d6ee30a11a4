// Package eventbus carries lifecycle signals between services without
// coupling them: the dispatcher announces publishes, the window controller
// announces open and close, and anything interested listens.
package eventbus

import (
	"sync"
	"time"
)

// Event types in use: "window.opened", "window.closed", "item.posted",
// "item.review_required", "fetch.completed", "story.batched". Data carries
// the queue item or campaign id where one applies.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind its buffer loses events rather than stalling the
// publisher.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{subs: make(map[uint64]chan Event)}
}

type fanout struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot the registry so sends happen outside the lock.
	f.mu.RLock()
	targets := make([]chan Event, 0, len(f.subs))
	for _, ch := range f.subs {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		f.send(ch, e)
	}
}

// send drops the event when the buffer is full and absorbs the panic from
// racing an unsubscribe that already closed the channel.
func (f *fanout) send(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
