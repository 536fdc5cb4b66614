package publish

import (
	"sort"
	"sync"

	"github.com/realms-team/solmanager/internal/sol"
)

// Buffer is the backlog buffer owned independently by each publisher
// (spec.md §3 "Backlog buffer"). It is a FIFO under lock; File publisher
// sorts by timestamp at drain time, Server publisher preserves arrival
// order.
type Buffer struct {
	mu    sync.Mutex
	items []*sol.Object
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push appends an object to the tail of the buffer.
func (b *Buffer) Push(o *sol.Object) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, o)
}

// Len returns the current buffer length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Snapshot returns a copy of the buffer's current contents in arrival
// order, without modifying the buffer.
func (b *Buffer) Snapshot() []*sol.Object {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*sol.Object, len(b.items))
	copy(out, b.items)
	return out
}

// RemovePrefix removes the first n items from the buffer (the items a
// Server-publisher drain has just confirmed delivered), tolerating
// concurrent pushes to the tail that happened after the snapshot was taken.
func (b *Buffer) RemovePrefix(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.items) {
		n = len(b.items)
	}
	b.items = append([]*sol.Object(nil), b.items[n:]...)
}

// DrainOlderThan sorts the buffer ascending by timestamp, then removes and
// returns every item whose timestamp is <= cutoff, implementing the File
// publisher's drain algorithm (spec.md §4.E steps 1-3).
func (b *Buffer) DrainOlderThan(cutoff int64) []*sol.Object {
	b.mu.Lock()
	defer b.mu.Unlock()

	sort.Slice(b.items, func(i, j int) bool {
		return b.items[i].Timestamp < b.items[j].Timestamp
	})

	i := 0
	for i < len(b.items) && b.items[i].Timestamp <= cutoff {
		i++
	}
	batch := b.items[:i]
	b.items = append([]*sol.Object(nil), b.items[i:]...)
	return batch
}
