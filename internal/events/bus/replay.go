package bus

import (
	"sync"

	"github.com/atelier-dev/atelier/internal/events"
)

// replayRing is a fixed-capacity ring of events. When full, the oldest
// entry is overwritten.
type replayRing struct {
	entries []*events.Event
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newReplayRing(size int) *replayRing {
	if size <= 0 {
		size = 1
	}
	return &replayRing{
		entries: make([]*events.Event, size),
		size:    size,
	}
}

// Add appends an event, evicting the oldest when full.
func (r *replayRing) Add(event *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count < r.size {
		r.count++
	} else {
		r.head = (r.head + 1) % r.size
	}
	r.entries[idx] = event
}

// All returns the retained events, oldest first.
func (r *replayRing) All() []*events.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*events.Event, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.entries[(r.head+i)%r.size]
	}
	return result
}

// Len returns the number of retained events.
func (r *replayRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
