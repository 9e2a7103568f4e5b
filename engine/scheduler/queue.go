package scheduler

import (
	"container/heap"
	"sync"

	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

// actionQueue implements heap.Interface over pending actions.
// Ordering is strict: ascending priority, FIFO by created_at within a
// priority band. No aging; arbitration already decided who runs.
type actionQueue []*store.Action

func (pq actionQueue) Len() int { return len(pq) }

func (pq actionQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority < pq[j].Priority
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}

func (pq actionQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *actionQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*store.Action))
}

func (pq *actionQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*pq = old[0 : n-1]
	return item
}

// Queue wraps actionQueue with a mutex for safe concurrent access.
type Queue struct {
	pq actionQueue
	mu sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{pq: make(actionQueue, 0)}
}

func (q *Queue) Push(a *store.Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pq, a)
}

func (q *Queue) Pop() *store.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return nil
	}
	return heap.Pop(&q.pq).(*store.Action)
}

func (q *Queue) Peek() *store.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return nil
	}
	return q.pq[0]
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}
