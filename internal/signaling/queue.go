package signaling

import (
	"sync"
)

// sendQueue is a byte-bounded FIFO of outbound text frames.
//
// Fan-out never blocks on a slow socket: frames that do not fit are dropped
// and counted, and the writer goroutine drains the rest.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte

	drops       uint64
	consecutive int
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends frame if it fits within the byte budget. It never blocks.
// consecutive is the number of drops in a row including this one, and is 0
// when the frame was accepted.
func (q *sendQueue) Enqueue(frame []byte) (ok bool, consecutive int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, 0
	}
	if len(frame) > q.maxBytes || q.curBytes+len(frame) > q.maxBytes {
		q.drops++
		q.consecutive++
		return false, q.consecutive
	}

	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.consecutive = 0
	q.notEmpty.Signal()
	return true, 0
}

// Dequeue blocks until a frame is available or the queue is closed.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

func (q *sendQueue) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

// Close discards pending frames and wakes the writer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
