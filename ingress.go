package asyncmix

import (
	"sync"
)

// chunkSize is the number of tasks per node in the queue's linked list.
// 128 tasks * 8 bytes/task + overhead = ~1KB per chunk.
const chunkSize = 128

// taskQueue is a chunked linked-list FIFO for queued work.
//
// It is NOT thread-safe; the caller provides synchronization (the loop's
// mutex). Fixed-size chunks give cache locality and amortize allocations,
// and sync.Pool recycling keeps sustained submission from thrashing the GC.
type taskQueue struct {
	head   *chunk
	tail   *chunk
	length int
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node in the chunked linked list. readPos/writePos
// cursors give O(1) push and pop without shifting.
type chunk struct {
	tasks   [chunkSize]func()
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears task slots before pooling so retained closures don't
// leak through reuse.
func returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// push adds a task to the queue. Caller must hold the guarding mutex.
func (q *taskQueue) push(task func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.tasks) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

// pop removes and returns the oldest task, or false if the queue is empty.
// Caller must hold the guarding mutex.
func (q *taskQueue) pop() (func(), bool) {
	if q.head == nil {
		return nil, false
	}

	if q.head.readPos >= q.head.pos {
		// Exhausted chunk: reset the sole chunk for reuse, or advance.
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return nil, false
		}
		oldHead := q.head
		q.head = q.head.next
		returnChunk(oldHead)
	}

	if q.head.readPos >= q.head.pos {
		return nil, false
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil // release for GC
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return task, true
		}
		oldHead := q.head
		q.head = q.head.next
		returnChunk(oldHead)
	}

	return task, true
}

// len returns the number of queued tasks. Caller must hold the guarding mutex.
func (q *taskQueue) len() int {
	return q.length
}
