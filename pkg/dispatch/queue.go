package dispatch

import (
	"container/heap"
	"sync"

	"responder/pkg/classify"
)

// Priority class ranks. Lower pops first.
const (
	rankUrgent = 0
	rankNormal = 1
)

// QueuedItem is one entry in the priority queue.
type QueuedItem struct {
	EmailID  int64  `json:"email_id"`
	Priority string `json:"priority"`
	rank     int
	seq      uint64
}

// itemHeap orders by rank, then by arrival sequence so each class stays FIFO.
type itemHeap []*QueuedItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*QueuedItem))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is an in-memory two-class priority queue over message ids. Urgent
// messages always pop before normal ones; within a class, insertion order
// holds.
type Queue struct {
	heap itemHeap
	seq  uint64
	mu   sync.Mutex
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push enqueues a message id under its priority label.
func (q *Queue) Push(emailID int64, priority string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rank := rankNormal
	if priority == classify.PriorityUrgent {
		rank = rankUrgent
	}
	q.seq++
	heap.Push(&q.heap, &QueuedItem{
		EmailID:  emailID,
		Priority: priority,
		rank:     rank,
		seq:      q.seq,
	})
}

// Pop removes and returns the highest-priority item, or false when empty.
func (q *Queue) Pop() (QueuedItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return QueuedItem{}, false
	}
	item := heap.Pop(&q.heap).(*QueuedItem)
	return *item, true
}

// Len returns the total number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Depths returns the per-class queue depths.
func (q *Queue) Depths() (urgent, normal int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.heap {
		if item.rank == rankUrgent {
			urgent++
		} else {
			normal++
		}
	}
	return urgent, normal
}

// Snapshot returns the queued items in pop order without draining the queue.
func (q *Queue) Snapshot() []QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	tmp := make(itemHeap, len(q.heap))
	copy(tmp, q.heap)

	out := make([]QueuedItem, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, *heap.Pop(&tmp).(*QueuedItem))
	}
	return out
}
