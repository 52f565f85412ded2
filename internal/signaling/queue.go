package signaling

import (
	"sync"

	"github.com/petervdpas/confcall/internal/proto"
)

// notifyQueue is an unbounded FIFO between the read loop and the single
// dispatcher goroutine. The reader never blocks on a slow listener, and
// listeners see notifications in socket-arrival order.
type notifyQueue struct {
	mu    sync.Mutex
	items []proto.Notification
	wake  chan struct{}
}

func newNotifyQueue() *notifyQueue {
	return &notifyQueue{wake: make(chan struct{}, 1)}
}

func (q *notifyQueue) push(n proto.Notification) {
	q.mu.Lock()
	q.items = append(q.items, n)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *notifyQueue) pop() (proto.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	n := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return n, true
}

// run delivers queued notifications until done is closed.
func (q *notifyQueue) run(done <-chan struct{}, deliver func(proto.Notification)) {
	for {
		if n, ok := q.pop(); ok {
			deliver(n)
			continue
		}
		select {
		case <-q.wake:
		case <-done:
			return
		}
	}
}
