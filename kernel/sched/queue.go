package sched

import "anyos/kernel/sync"

// readyQueue is a per-CPU FIFO of Runnable threads. It is an intrusive
// singly-linked list (via Thread.next) rather than a slice so that enqueue
// and dequeue never allocate, matching the rest of the scheduling hot path.
// It is guarded by a spinlock; callers are expected to already run with
// interrupts disabled for the short critical sections this type exposes.
type readyQueue struct {
	lock sync.Spinlock
	head *Thread
	tail *Thread
	len  int
}

// pushBack appends t to the queue. t must not currently be queued elsewhere.
func (q *readyQueue) pushBack(t *Thread) {
	q.lock.Acquire()
	t.next = nil
	if q.tail == nil {
		q.head, q.tail = t, t
	} else {
		q.tail.next = t
		q.tail = t
	}
	q.len++
	q.lock.Release()
}

// popFront removes and returns the thread at the front of the queue, or nil
// if the queue is empty.
func (q *readyQueue) popFront() *Thread {
	q.lock.Acquire()
	defer q.lock.Release()

	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.next = nil
	q.len--
	return t
}

// Len returns the number of threads currently queued.
func (q *readyQueue) Len() int {
	q.lock.Acquire()
	defer q.lock.Release()
	return q.len
}
