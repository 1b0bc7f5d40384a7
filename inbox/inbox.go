// Package inbox is bounded FIFO of human readable notifications.
// Full inbox evicts oldest entry, Push never fails.
package inbox

import (
	"fmt"
	"sync"
)

const DefaultCapacity = 20

type Inbox struct {
	mu      sync.Mutex
	buf     []string
	head    int // index of oldest
	n       int
	dropped uint64
}

func New(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Inbox{buf: make([]string, capacity)}
}

func (q *Inbox) Cap() int { return len(q.buf) }

func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Dropped counts entries evicted before being read.
func (q *Inbox) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Inbox) Push(s string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tail := (q.head + q.n) % len(q.buf)
	q.buf[tail] = s
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
	} else {
		q.n++
	}
}

func (q *Inbox) Pushf(format string, args ...interface{}) {
	q.Push(fmt.Sprintf(format, args...))
}

// Pop returns oldest entry.
func (q *Inbox) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return "", false
	}
	s := q.buf[q.head]
	q.buf[q.head] = ""
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return s, true
}

// Drain returns all entries oldest first and empties inbox.
func (q *Inbox) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.copyLocked()
	for i := range q.buf {
		q.buf[i] = ""
	}
	q.head, q.n = 0, 0
	return out
}

// Snapshot returns all entries oldest first, inbox is not modified.
func (q *Inbox) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyLocked()
}

func (q *Inbox) copyLocked() []string {
	out := make([]string, q.n)
	for i := 0; i < q.n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}
