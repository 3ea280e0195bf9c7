package proxy

import (
	"sync"
)

// LogBufferCapacity is how many backend log lines are retained. Oldest
// lines are evicted first.
const LogBufferCapacity = 2000

// LogBuffer is a bounded ring of the most recent backend log lines. There
// is exactly one writer (the log monitor goroutine of the current backend)
// and any number of readers. Subscribers registered with OnLine get every
// appended line, which feeds the SSE and WebSocket streams.
type LogBuffer struct {
	mu        sync.RWMutex
	lines     []string
	start     int
	count     int
	callbacks map[int]func(string)
	nextID    int
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = LogBufferCapacity
	}
	return &LogBuffer{
		lines:     make([]string, capacity),
		callbacks: make(map[int]func(string)),
	}
}

func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	capacity := len(b.lines)
	if b.count == capacity {
		b.lines[b.start] = line
		b.start = (b.start + 1) % capacity
	} else {
		b.lines[(b.start+b.count)%capacity] = line
		b.count++
	}
	callbacks := make([]func(string), 0, len(b.callbacks))
	for _, callback := range b.callbacks {
		callbacks = append(callbacks, callback)
	}
	b.mu.Unlock()

	for _, callback := range callbacks {
		callback(line)
	}
}

// Lines returns the retained lines oldest-first.
func (b *LogBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// OnLine registers a subscriber for every future line. The returned
// function cancels the subscription.
func (b *LogBuffer) OnLine(callback func(string)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.callbacks[id] = callback
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.callbacks, id)
		b.mu.Unlock()
	}
}
