// Package dispatch implements the FIFO of sessions with newly appended
// audio and the fixed worker pool that drains it: workers
// pop a session, convert its buffered container audio to PCM, run it
// through a Transcriber, and send the result back over the session's
// stream channel.
package dispatch

import (
	"sync"
	"time"

	"github.com/relaytrans/relaytrans/internal/relay"
)

// entry pairs a queued session with the time it became eligible for
// dispatch, so a worker can report queue-wait latency once it pops the
// item.
type entry struct {
	session    *relay.Session
	enqueuedAt time.Time
}

// Queue is the FIFO of sessions awaiting a worker pass. The session-level
// "already queued" check lives on [relay.Session] itself (guarded by the
// session's own mutex); Queue only needs to guard the slice. maxDepth
// bounds the queue when non-zero: a full queue drops its oldest entry to
// admit the new one, rather than blocking the caller or the session's own
// mutex.
type Queue struct {
	mu       sync.Mutex
	items    []entry
	maxDepth int
	dropped  int
}

// NewQueue creates a Queue. maxDepth of 0 means unbounded, matching the
// reference design's default.
func NewQueue(maxDepth int) *Queue {
	return &Queue{maxDepth: maxDepth}
}

// Push enqueues s. Called by the relay manager exactly when a session
// transitions from not-queued to queued; the caller is responsible for
// that transition check, not Queue.
func (q *Queue) Push(s *relay.Session) {
	q.mu.Lock()
	var evicted *relay.Session
	if q.maxDepth > 0 && len(q.items) >= q.maxDepth {
		evicted = q.items[0].session
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, entry{session: s, enqueuedAt: time.Now()})
	q.mu.Unlock()

	// An evicted session has no pass pending any more; clear its queued flag
	// (outside q.mu, keeping the session → queue lock order) so its next
	// datagram enqueues it again.
	if evicted != nil {
		evicted.ClearQueued()
	}
}

// Pop removes and returns the oldest queued session along with the time it
// was enqueued. ok is false when the queue is empty.
func (q *Queue) Pop() (s *relay.Session, enqueuedAt time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, time.Time{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e.session, e.enqueuedAt, true
}

// Len reports the number of sessions currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many entries have been evicted by the bounded
// drop-oldest policy over the Queue's lifetime. Always 0 when unbounded.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
