package util

import (
	"sync"
)

// IDTable hands out unique non-zero identifiers and recycles released ones.
// Identifiers up to and including the reserved value are never allocated, so
// callers can pin well-known ids such as the root inode.
type IDTable struct {
	mu       sync.Mutex
	reserved uint64
	highest  uint64
	free     []uint64
	live     map[uint64]struct{}
}

// NewIDTable returns a table whose first allocation is reserved+1.
func NewIDTable(reserved uint64) *IDTable {
	return &IDTable{
		reserved: reserved,
		highest:  reserved,
		live:     make(map[uint64]struct{}),
	}
}

// Next returns an identifier that is not currently live.
func (t *IDTable) Next() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id uint64
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.highest++
		id = t.highest
	}
	t.live[id] = struct{}{}
	return id
}

// Release returns id to the pool. Releasing a reserved, unknown, or already
// released id is a no-op.
func (t *IDTable) Release(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.live[id]; !ok {
		return
	}
	delete(t.live, id)
	t.free = append(t.free, id)
}

// Live reports whether id is currently allocated.
func (t *IDTable) Live(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.live[id]
	return ok
}

// Len returns the number of live identifiers.
func (t *IDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}
