package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFifoPush(t *testing.T) {
	fifo := NewFifo[int](100)
	assert.Equal(t, 100, fifo.GetSpace())
	for i := 0; i < 100; i++ {
		assert.True(t, fifo.Push(i))
	}
	assert.Equal(t, 0, fifo.GetSpace())
	assert.Equal(t, 100, fifo.GetOccupied())
	assert.False(t, fifo.Push(101))
	assert.EqualValues(t, 1, fifo.Overflow())
	// Free up some space by reading then re writing
	buffer := make([]int, 10)
	assert.Equal(t, 10, fifo.Read(buffer))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, buffer)
	for i := 0; i < 10; i++ {
		assert.True(t, fifo.Push(i))
	}
	assert.False(t, fifo.Push(0))
}

func TestFifoPop(t *testing.T) {
	fifo := NewFifo[string](3)
	_, ok := fifo.Pop()
	assert.False(t, ok)
	fifo.Push("a")
	fifo.Push("b")
	value, ok := fifo.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a", value)
	// Wrap around the end of the ring
	fifo.Push("c")
	fifo.Push("d")
	assert.Equal(t, 3, fifo.GetOccupied())
	buffer := make([]string, 5)
	assert.Equal(t, 3, fifo.Read(buffer))
	assert.Equal(t, []string{"b", "c", "d"}, buffer[:3])
	assert.Equal(t, 0, fifo.GetOccupied())
}

func TestFifoReset(t *testing.T) {
	fifo := NewFifo[int](4)
	fifo.Push(1)
	fifo.Push(2)
	fifo.Reset()
	assert.Equal(t, 0, fifo.GetOccupied())
	assert.Equal(t, 4, fifo.GetSpace())
}
