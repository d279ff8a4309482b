package fifo

// Circular Fifo of fixed capacity.
// One slot is kept free to tell full from empty, like a hardware mailbox ring.
// Fifo is not safe for concurrent use, callers hold their own lock.
type Fifo[T any] struct {
	buffer   []T
	writePos int
	readPos  int
	overflow uint64
}

func NewFifo[T any](size uint16) *Fifo[T] {
	return &Fifo[T]{buffer: make([]T, int(size)+1)}
}

func (f *Fifo[T]) Reset() {
	f.readPos = 0
	f.writePos = 0
}

func (f *Fifo[T]) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo[T]) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Push an element, returns false and counts an overflow if full
func (f *Fifo[T]) Push(element T) bool {
	writePosNext := f.writePos + 1
	if writePosNext == len(f.buffer) {
		writePosNext = 0
	}
	if writePosNext == f.readPos {
		f.overflow++
		return false
	}
	f.buffer[f.writePos] = element
	f.writePos = writePosNext
	return true
}

// Pop the oldest element
func (f *Fifo[T]) Pop() (T, bool) {
	var element T
	if f.readPos == f.writePos {
		return element, false
	}
	element = f.buffer[f.readPos]
	f.readPos++
	if f.readPos == len(f.buffer) {
		f.readPos = 0
	}
	return element, true
}

// Read pops up to len(buffer) elements and returns the number read
func (f *Fifo[T]) Read(buffer []T) int {
	readCounter := 0
	for index := range buffer {
		element, ok := f.Pop()
		if !ok {
			break
		}
		buffer[index] = element
		readCounter++
	}
	return readCounter
}

// Number of elements rejected because the fifo was full
func (f *Fifo[T]) Overflow() uint64 {
	return f.overflow
}
