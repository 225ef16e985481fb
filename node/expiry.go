package node

import (
	"time"

	"github.com/eapache/queue"
)

type expiryEntry struct {
	key      int
	id       uint64
	deadline time.Time
}

// ExpiryQueue schedules idle deadlines for a single fixed timeout. Because
// every deadline is now+timeout, append order is deadline order and a FIFO
// is enough; re-touching a key appends a fresh entry and leaves the old one
// to be skipped as stale.
type ExpiryQueue struct {
	timeout time.Duration
	q       *queue.Queue
	current map[int]expiryEntry
}

// NewExpiryQueue returns nil for a non-positive timeout; a nil queue
// schedules nothing.
func NewExpiryQueue(timeout time.Duration) *ExpiryQueue {
	if timeout <= 0 {
		return nil
	}
	return &ExpiryQueue{
		timeout: timeout,
		q:       queue.New(),
		current: make(map[int]expiryEntry),
	}
}

// Touch moves key's deadline to now+timeout.
func (e *ExpiryQueue) Touch(key int, id uint64, now time.Time) {
	if e == nil {
		return
	}
	ent := expiryEntry{key: key, id: id, deadline: now.Add(e.timeout)}
	e.current[key] = ent
	e.q.Add(ent)
}

// Forget drops key; its queued entries become stale.
func (e *ExpiryQueue) Forget(key int) {
	if e == nil {
		return
	}
	delete(e.current, key)
}

// Timeout is the wait in milliseconds until the earliest live deadline, or
// -1 when nothing is scheduled.
func (e *ExpiryQueue) Timeout(now time.Time) int {
	if e == nil {
		return -1
	}
	e.dropStale()
	if e.q.Length() == 0 {
		return -1
	}
	head := e.q.Peek().(expiryEntry)
	d := head.deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	// round up so the wait never wakes just before the deadline
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// Expired pops every entry due at now and returns the keys whose current
// deadline it was.
func (e *ExpiryQueue) Expired(now time.Time) []int {
	if e == nil {
		return nil
	}
	var keys []int
	for e.q.Length() > 0 {
		head := e.q.Peek().(expiryEntry)
		if head.deadline.After(now) {
			break
		}
		e.q.Remove()
		if cur, ok := e.current[head.key]; ok && cur == head {
			delete(e.current, head.key)
			keys = append(keys, head.key)
		}
	}
	return keys
}

// Len is the number of keys with a live deadline.
func (e *ExpiryQueue) Len() int {
	if e == nil {
		return 0
	}
	return len(e.current)
}

func (e *ExpiryQueue) dropStale() {
	for e.q.Length() > 0 {
		head := e.q.Peek().(expiryEntry)
		if cur, ok := e.current[head.key]; ok && cur == head {
			return
		}
		e.q.Remove()
	}
}
