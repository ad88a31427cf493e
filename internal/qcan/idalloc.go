package qcan

import "sync"

// idAllocator hands out network ids starting at 1, in creation order,
// confined to one Server instance instead of a process-wide global
// counter. Freed ids are not reused within the process lifetime,
// matching "ids from 1 up, released on destruction" -- destruction
// here just stops tracking the id, it never rewinds the counter.
type idAllocator struct {
	mu   sync.Mutex
	next uint32
}

func newIDAllocator() *idAllocator { return &idAllocator{next: 1} }

func (a *idAllocator) alloc() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}
