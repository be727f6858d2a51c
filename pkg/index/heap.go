package index

import "container/heap"

// heapItem pairs an internal ID with a distance for use in the min-heap
// (candidates) and max-heap (dynamic list) maintained during beam search.
type heapItem struct {
	id   uint32
	dist float32
}

// distHeap is a min-heap on dist. searchLayer uses one instance as a min-heap
// of unexplored candidates and a second, populated with negated distances,
// as a bounded max-heap of the best-so-far results.
type distHeap []heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func heapPush(h *distHeap, item heapItem) { heap.Push(h, item) }

func heapPop(h *distHeap) heapItem { return heap.Pop(h).(heapItem) }
