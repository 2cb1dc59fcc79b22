package gate

import (
	"container/heap"
	"sync"
)

// queue is a bounded priority queue. Higher priority pops first; within one
// priority, submission order is preserved via a monotonic sequence, so two
// equal-priority requests never reorder.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  queueHeap
	seq    uint64
	limit  int
	closed bool
}

type queueItem struct {
	req *EvolutionRequest
	seq uint64
}

func newQueue(limit int) *queue {
	q := &queue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a request. ErrQueueFull applies backpressure to the caller
// instead of buffering without bound.
func (q *queue) push(req *EvolutionRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.items.Len() >= q.limit {
		return ErrQueueFull
	}

	q.seq++
	heap.Push(&q.items, queueItem{req: req, seq: q.seq})
	q.cond.Signal()
	return nil
}

// pop blocks until a request is available or the queue is closed. A nil
// return means the queue is closed and drained.
func (q *queue) pop() *EvolutionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(queueItem)
	return item.req
}

// remove takes a still-queued request out, for cancellation.
func (q *queue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.req.ID == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// close wakes all waiting workers. Queued requests remain poppable until
// drained.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

type queueHeap []queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
