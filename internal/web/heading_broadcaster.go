package web

import (
	"sync"

	"compass-ng/internal/compass"
)

// HeadingBroadcaster fans compass readings out to stream listeners (SSE).
// It keeps the most recent value so new subscribers get an immediate reading.
type HeadingBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan compass.Reading
	nextID   int
	last     compass.Reading
	haveLast bool
}

func NewHeadingBroadcaster() *HeadingBroadcaster {
	return &HeadingBroadcaster{
		subs: make(map[int]chan compass.Reading),
	}
}

func (b *HeadingBroadcaster) Subscribe(buffer int) (int, <-chan compass.Reading) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan compass.Reading, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *HeadingBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers reports the number of attached listeners.
func (b *HeadingBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish implements compass.Sink. Slow listeners drop readings rather than
// stall the sensor path.
func (b *HeadingBroadcaster) Publish(r compass.Reading) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.last = r
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
	b.mu.Unlock()
}
