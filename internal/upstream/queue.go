package upstream

import (
	"sync"

	"github.com/voxrelay/voxrelay/internal/event"
)

// sendQueue is the bounded outbound queue for a session. When full, it sheds
// the oldest pending audio frame before touching anything else, so control
// events survive backpressure. All methods are safe for concurrent use.
type sendQueue struct {
	mu     sync.Mutex
	events []*event.Event
	cap    int

	// notify wakes the writer loop; capacity 1, never blocks.
	notify chan struct{}
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// push appends evt, evicting per the audio-preference rule when full.
// Reports whether an event was dropped to make room.
func (q *sendQueue) push(evt *event.Event) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= q.cap {
		q.evictLocked()
		dropped = true
	}
	q.events = append(q.events, evt)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// evictLocked removes the oldest audio event, or the oldest event of any kind
// when no audio is pending.
func (q *sendQueue) evictLocked() {
	for i, e := range q.events {
		if e.Type == event.TypeAudioAppend {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return
		}
	}
	q.events = q.events[1:]
}

// pop removes and returns the head of the queue.
func (q *sendQueue) pop() (*event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil, false
	}
	evt := q.events[0]
	q.events = q.events[1:]
	return evt, true
}

// pushFront returns an event to the head of the queue after a failed write so
// reconnect replay preserves order. The capacity bound is deliberately not
// enforced here; the element was already admitted once.
func (q *sendQueue) pushFront(evt *event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append([]*event.Event{evt}, q.events...)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain discards all pending events and returns how many were released.
func (q *sendQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.events)
	q.events = nil
	return n
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
