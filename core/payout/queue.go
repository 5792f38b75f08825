package payout

import (
	"sync"

	"lucidpay/core/types"
)

// queueSet holds one FIFO queue per priority tier. Drain empties tiers in
// strict urgent-first order so higher tiers never starve behind bulk
// low-priority backlog.
type queueSet struct {
	mu     sync.Mutex
	queues map[types.Priority][]string
}

func newQueueSet() *queueSet {
	queues := make(map[types.Priority][]string, 4)
	for _, priority := range types.Priorities() {
		queues[priority] = nil
	}
	return &queueSet{queues: queues}
}

// Push appends a transaction id to its tier.
func (q *queueSet) Push(priority types.Priority, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[priority] = append(q.queues[priority], id)
}

// Drain removes and returns up to max ids, exhausting each tier before
// touching the next.
func (q *queueSet) Drain(max int) []string {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]string, 0, max)
	for _, priority := range types.Priorities() {
		queue := q.queues[priority]
		take := max - len(drained)
		if take <= 0 {
			break
		}
		if take > len(queue) {
			take = len(queue)
		}
		drained = append(drained, queue[:take]...)
		q.queues[priority] = queue[take:]
	}
	return drained
}

// Remove deletes an id from whichever tier holds it. Used by cancellation,
// which is only meaningful before dispatch.
func (q *queueSet) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for priority, queue := range q.queues {
		for i, queued := range queue {
			if queued == id {
				q.queues[priority] = append(queue[:i], queue[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Depths reports the backlog per tier.
func (q *queueSet) Depths() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[types.Priority]int, len(q.queues))
	for priority, queue := range q.queues {
		depths[priority] = len(queue)
	}
	return depths
}

// Len reports the total backlog across tiers.
func (q *queueSet) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}
