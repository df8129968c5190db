package transaction

import "sync"

// Queue is the manager's single run queue: one FIFO per manager, backed
// by a one-shot wake event. It implements job.RunQueue.
// Locking is local to the queue itself rather than routed through the
// event-loop's Post boundary: the queue's own invariant (no duplicate
// membership, FIFO order) holds under concurrent Enqueue/Remove from the
// automount expire-worker goroutine and the event loop alike, the same way
// worker_pool.go's taskCh can be fed from multiple goroutines safely.
type Queue struct {
	mu      sync.Mutex
	fifo    []uint32
	inQueue map[uint32]bool
	wake    chan struct{}
}

func NewQueue() *Queue {
	return &Queue{inQueue: make(map[uint32]bool), wake: make(chan struct{}, 1)}
}

// Enqueue adds id to the tail of the queue unless it is already present.
func (q *Queue) Enqueue(id uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inQueue[id] {
		return
	}
	q.inQueue[id] = true
	q.fifo = append(q.fifo, id)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Remove drops id from the queue if present; a no-op otherwise.
func (q *Queue) Remove(id uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inQueue[id] {
		return
	}
	delete(q.inQueue, id)
	for i, v := range q.fifo {
		if v == id {
			q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
			break
		}
	}
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return 0, false
	}
	id := q.fifo[0]
	q.fifo = q.fifo[1:]
	delete(q.inQueue, id)
	return id, true
}

// Wake is the queue's one-shot wake event: readable once whenever Enqueue
// transitioned the queue from possibly-empty to non-empty.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Len reports the current queue depth (internal/metrics' run-queue gauge).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}
