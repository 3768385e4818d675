// Package corelog keeps the most recent lines the core printed so they can be
// shown after the fact or tailed live.
package corelog

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of lines retained.
const DefaultCapacity = 1000

// Line is one captured core output line.
type Line struct {
	Time    time.Time `json:"time"`
	Stream  string    `json:"stream"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
}

// Buffer is a fixed-size ring of lines with live subscribers.
type Buffer struct {
	mu    sync.Mutex
	lines []Line
	start int
	count int

	subs   map[int]chan Line
	nextID int
}

// NewBuffer returns a Buffer holding up to capacity lines.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines: make([]Line, capacity),
		subs:  make(map[int]chan Line),
	}
}

// Append stores line, evicting the oldest when full, and forwards it to
// subscribers. Slow subscribers miss lines instead of blocking the writer.
func (b *Buffer) Append(line Line) {
	if line.Time.IsZero() {
		line.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.start + b.count) % len(b.lines)
	b.lines[idx] = line
	if b.count < len(b.lines) {
		b.count++
	} else {
		b.start = (b.start + 1) % len(b.lines)
	}

	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Lines returns the retained lines, oldest first.
func (b *Buffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Line, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

// Len returns the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Clear drops every retained line.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.lines)
	b.start = 0
	b.count = 0
}

// Subscribe returns a channel receiving lines appended from now on and a
// cancel func that closes it.
func (b *Buffer) Subscribe(buffer int) (<-chan Line, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Line, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
