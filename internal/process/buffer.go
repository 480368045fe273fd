package process

import (
	"sync"
	"time"
)

// OutputLine is one line of subprocess output.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Content   string    `json:"content"`
}

// Subscriber receives output lines as they arrive.
type Subscriber chan OutputLine

// OutputBuffer is a ring buffer of subprocess output with live subscribers.
type OutputBuffer struct {
	lines []OutputLine
	size  int
	head  int
	count int
	mu    sync.RWMutex

	subscribers map[Subscriber]struct{}
	subMu       sync.RWMutex
}

// NewOutputBuffer creates a buffer holding up to size lines.
func NewOutputBuffer(size int) *OutputBuffer {
	if size <= 0 {
		size = 1000
	}
	return &OutputBuffer{
		lines:       make([]OutputLine, size),
		size:        size,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Add appends a line and notifies subscribers without blocking.
func (b *OutputBuffer) Add(line OutputLine) {
	b.mu.Lock()
	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
	b.mu.Unlock()

	b.subMu.RLock()
	for sub := range b.subscribers {
		select {
		case sub <- line:
		default:
			// Slow subscriber, skip.
		}
	}
	b.subMu.RUnlock()
}

// GetAll returns the buffered lines, oldest first.
func (b *OutputBuffer) GetAll() []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]OutputLine, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.head+i)%b.size]
	}
	return result
}

// GetLast returns the newest n lines.
func (b *OutputBuffer) GetLast(n int) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]OutputLine, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.head+start+i)%b.size]
	}
	return result
}

// Subscribe registers a live subscriber.
func (b *OutputBuffer) Subscribe() Subscriber {
	sub := make(Subscriber, 100)
	b.subMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *OutputBuffer) Unsubscribe(sub Subscriber) {
	b.subMu.Lock()
	delete(b.subscribers, sub)
	b.subMu.Unlock()
	close(sub)
}

// Count returns the number of buffered lines.
func (b *OutputBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
