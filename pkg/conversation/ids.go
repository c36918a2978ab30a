package conversation

import (
	"sync"
	"time"
)

// IDAllocator hands out store-wide message ids. Ids are unix milliseconds
// bumped past the last allocation, so two allocations in the same
// millisecond never collide and ids stay monotonic even if the clock stalls.
type IDAllocator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// DefaultAllocator is shared by everything in the process.
var DefaultAllocator = NewIDAllocator()

func NewIDAllocator() *IDAllocator {
	return &IDAllocator{now: time.Now}
}

// NewIDAllocatorWithClock is used by tests that need a deterministic clock.
func NewIDAllocatorWithClock(now func() time.Time) *IDAllocator {
	return &IDAllocator{now: now}
}

// Next allocates a single id.
func (a *IDAllocator) Next() int64 {
	return a.NextBlock(1)
}

// NextBlock reserves n contiguous ids and returns the first one.
func (a *IDAllocator) NextBlock(n int) int64 {
	if n < 1 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.now().UnixMilli()
	if start <= a.last {
		start = a.last + 1
	}
	a.last = start + int64(n) - 1
	return start
}

// Observe makes sure future allocations land after id. Stores call it when
// they load rows written by an earlier process.
func (a *IDAllocator) Observe(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id > a.last {
		a.last = id
	}
}
