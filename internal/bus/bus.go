package bus

import (
	"sync"
	"time"
)

// Update is one vehicle's status as it was just written to the store.
type Update struct {
	VIN    string
	Fields map[string]any
	At     time.Time
}

// Bus fans flushed status updates out to in-process consumers. Each
// Subscribe call gets its own channel; past updates are not replayed. Safe for
// concurrent publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	buffer      int
	subscribers []chan Update
	closed      bool
}

// New creates a Bus whose subscriber channels hold up to buffer updates.
func New(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{buffer: buffer}
}

// Subscribe returns a channel receiving all future updates. The channel is
// closed by Close.
func (b *Bus) Subscribe() <-chan Update {
	ch := make(chan Update, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers u without blocking. Subscribers whose buffer is full miss
// this update and receive the next one; the number skipped is returned.
func (b *Bus) Publish(u Update) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	skipped := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- u:
		default:
			skipped++
		}
	}
	return skipped
}

// Close closes every subscriber channel. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
