package eventloop

import (
	"sync"
)

// chunkSize is the number of tasks per node in the taskQueue linked list.
const chunkSize = 128

// taskQueue is a chunked linked-list FIFO of deferred calls.
//
// It is NOT thread-safe; the loop guards it with queueMu.
type taskQueue struct { // betteralign:ignore
	head   *chunk
	tail   *chunk
	length int
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node, with read/write cursors for O(1) push/pop.
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

// returnChunk recycles an exhausted chunk, clearing slots so closures are
// not retained by the pool.
func returnChunk(c *chunk) {
	clear(c.tasks[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

func (q *taskQueue) push(task func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

func (q *taskQueue) pop() (func(), bool) {
	if q.head == nil || q.length == 0 {
		return nil, false
	}
	if q.head.readPos >= q.head.pos {
		old := q.head
		q.head = q.head.next
		returnChunk(old)
	}
	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--
	if q.head.readPos >= q.head.pos && q.head == q.tail {
		q.head.pos = 0
		q.head.readPos = 0
	}
	return task, true
}

// popBatch moves up to len(buf) tasks into buf, returning the count.
func (q *taskQueue) popBatch(buf []func()) int {
	n := 0
	for n < len(buf) {
		task, ok := q.pop()
		if !ok {
			break
		}
		buf[n] = task
		n++
	}
	return n
}

func (q *taskQueue) len() int {
	return q.length
}
