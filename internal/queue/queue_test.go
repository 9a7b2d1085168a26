package queue

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueueAscending(t *testing.T) {
	pq := &PriorityQueue{}
	heap.Init(pq)

	heap.Push(pq, Item{Position: 1, Distance: 3.0})
	heap.Push(pq, Item{Position: 2, Distance: 1.0})
	heap.Push(pq, Item{Position: 3, Distance: 2.0})

	assert.Equal(t, int64(2), pq.Top().Position)

	first := heap.Pop(pq).(Item)
	second := heap.Pop(pq).(Item)
	third := heap.Pop(pq).(Item)
	assert.Equal(t, []int64{2, 3, 1}, []int64{first.Position, second.Position, third.Position})
}

func TestPriorityQueueDescending(t *testing.T) {
	pq := &PriorityQueue{Descending: true}
	heap.Init(pq)

	heap.Push(pq, Item{Position: 1, Distance: 3.0})
	heap.Push(pq, Item{Position: 2, Distance: 1.0})

	// Max-heap: the farthest candidate is on top.
	assert.Equal(t, int64(1), pq.Top().Position)
	heap.Pop(pq)
	assert.Equal(t, int64(2), pq.Top().Position)
}
