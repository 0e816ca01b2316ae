package supervisor

import (
	"sync"
	"time"
)

// OutputLine is one line of diagnostic output from the agent process.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
}

// OutputBuffer is a fixed-size ring of recent agent output. The supervisor
// keeps the child's stderr here so a crash can be diagnosed after the fact.
type OutputBuffer struct {
	lines []OutputLine
	size  int
	head  int
	count int
	mu    sync.RWMutex
}

// NewOutputBuffer creates a buffer holding up to size lines.
func NewOutputBuffer(size int) *OutputBuffer {
	if size <= 0 {
		size = 1
	}
	return &OutputBuffer{
		lines: make([]OutputLine, size),
		size:  size,
	}
}

// Add appends a line, evicting the oldest once full.
func (b *OutputBuffer) Add(line OutputLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
}

// GetAll returns all buffered lines, oldest first.
func (b *OutputBuffer) GetAll() []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]OutputLine, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % b.size
		result[i] = b.lines[idx]
	}
	return result
}

// GetLast returns the most recent n lines, oldest first.
func (b *OutputBuffer) GetLast(n int) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]OutputLine, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		idx := (b.head + start + i) % b.size
		result[i] = b.lines[idx]
	}
	return result
}

// Count returns the number of buffered lines.
func (b *OutputBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
