package flowgraph

import (
	"context"
	"sync"
)

// Broadcaster is an EventSink that fans events out to channel subscribers.
// Sends never block: a subscriber that falls behind loses events and the
// drop is counted.
type Broadcaster struct {
	mu      sync.Mutex
	buffer  int
	nextID  int
	subs    map[int]*subscription
	dropped int
}

type subscription struct {
	executionID string
	ch          chan *Event
}

// NewBroadcaster returns a broadcaster whose subscriber channels have the
// given buffer size.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{buffer: buffer, subs: map[int]*subscription{}}
}

// Subscribe returns a channel receiving the events of one execution, or of
// every execution when executionID is empty. Channels for a single
// execution are closed after its terminal event. The returned function
// unsubscribes and is safe to call more than once.
func (b *Broadcaster) Subscribe(executionID string) (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{executionID: executionID, ch: make(chan *Event, b.buffer)}
	b.subs[id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

func (b *Broadcaster) Emit(ctx context.Context, event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != event.ExecutionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
		}
		if sub.executionID != "" && event.Name.IsTerminal() {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded because a subscriber's
// buffer was full.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
