// Package queue implements a heap-based priority queue over candidate
// positions, ordered by distance.
package queue

import "container/heap"

// Compile time check to ensure PriorityQueue satisfies the heap interface.
var _ heap.Interface = (*PriorityQueue)(nil)

// Item represents an entry in the priority queue.
type Item struct {
	Position int64   // Position is the index-internal position of the candidate.
	Distance float32 // Distance is the priority of the item in the queue.
}

// PriorityQueue implements heap.Interface over candidate items.
// With Descending set, the queue becomes a max-heap, which is the shape used
// to maintain the best-k set during a scan: the worst candidate sits on top
// and is evicted first.
type PriorityQueue struct {
	Descending bool
	Items      []Item
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue) Len() int { return len(pq.Items) }

// Less reports whether the element with index i should sort before the element with index j.
func (pq *PriorityQueue) Less(i, j int) bool {
	if pq.Descending {
		return pq.Items[i].Distance > pq.Items[j].Distance
	}
	return pq.Items[i].Distance < pq.Items[j].Distance
}

// Swap swaps the elements with indexes i and j.
func (pq *PriorityQueue) Swap(i, j int) {
	pq.Items[i], pq.Items[j] = pq.Items[j], pq.Items[i]
}

// Push adds x to the priority queue.
func (pq *PriorityQueue) Push(x any) {
	item, _ := x.(Item)
	pq.Items = append(pq.Items, item)
}

// Pop removes and returns the top element from the priority queue.
func (pq *PriorityQueue) Pop() any {
	old := pq.Items
	n := len(old)
	item := old[n-1]
	pq.Items = old[:n-1]
	return item
}

// Top returns the top element without removing it.
func (pq *PriorityQueue) Top() Item {
	return pq.Items[0]
}
