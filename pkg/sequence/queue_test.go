package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intLess(a, b int) bool { return a < b }

func TestPriorityQueue_Order(t *testing.T) {
	pq := NewPriorityQueue(intLess)
	for _, v := range []int{5, 1, 4, 2, 3} {
		pq.Enqueue(v)
	}
	require.Equal(t, 5, pq.Len())

	top, ok := pq.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, top)

	var got []int
	for !pq.IsEmpty() {
		v, _ := pq.Dequeue()
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)

	_, ok = pq.Dequeue()
	assert.False(t, ok)
	_, ok = pq.Peek()
	assert.False(t, ok)
}

func TestPriorityQueue_UpdateAndRemove(t *testing.T) {
	pq := NewPriorityQueue(intLess)
	a := pq.Enqueue(10)
	b := pq.Enqueue(20)
	c := pq.Enqueue(30)

	pq.Update(c, 5)
	top, _ := pq.Peek()
	assert.Equal(t, 5, top)

	assert.True(t, pq.Remove(a))
	assert.False(t, a.Queued())
	assert.False(t, pq.Remove(a), "second remove is a no-op")
	assert.True(t, b.Queued())

	v, _ := pq.Dequeue()
	assert.Equal(t, 5, v)
	assert.False(t, c.Queued())
	assert.False(t, pq.Remove(c))

	v, _ = pq.Dequeue()
	assert.Equal(t, 20, v)
	assert.True(t, pq.IsEmpty())
}

func TestPriorityQueue_EachReinit(t *testing.T) {
	pq := NewPriorityQueue(intLess)
	pq.Enqueue(3)
	pq.Enqueue(1)
	pq.Enqueue(2)

	pq.Each(func(it *PriorityItem[int]) { it.Value = -it.Value })
	pq.Reinit()

	v, _ := pq.Dequeue()
	assert.Equal(t, -3, v)
}
