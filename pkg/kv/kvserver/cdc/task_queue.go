// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package cdc

const taskQueueChunkSize = 512

// queueChunk is a fixed size block of a taskQueue.
type queueChunk[T any] struct {
	data      [taskQueueChunkSize]T
	nextChunk *queueChunk[T]
}

// taskQueue is an unbounded FIFO queue. Elements are stored in fixed size
// chunks that are added as needed and discarded once read; one drained chunk
// is kept for reuse.
//
// pushBack, popFront and len run in constant time. The queue is not safe for
// concurrent use.
type taskQueue[T any] struct {
	first, last *queueChunk[T]
	read, write int
	size        int
	spare       *queueChunk[T]
}

func newTaskQueue[T any]() *taskQueue[T] {
	chunk := &queueChunk[T]{}
	return &taskQueue[T]{first: chunk, last: chunk}
}

func (q *taskQueue[T]) newChunk() *queueChunk[T] {
	if c := q.spare; c != nil {
		q.spare = nil
		return c
	}
	return &queueChunk[T]{}
}

func (q *taskQueue[T]) pushBack(e T) {
	if q.write == taskQueueChunkSize {
		nextChunk := q.newChunk()
		q.last.nextChunk = nextChunk
		q.last = nextChunk
		q.write = 0
	}
	q.last.data[q.write] = e
	q.write++
	q.size++
}

func (q *taskQueue[T]) popFront() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	if q.read == taskQueueChunkSize {
		removed := q.first
		q.first = q.first.nextChunk
		*removed = queueChunk[T]{}
		q.spare = removed
		q.read = 0
	}
	res := q.first.data[q.read]
	q.first.data[q.read] = zero
	q.read++
	q.size--
	if q.size == 0 && q.first == q.last {
		// Rewind so a drained queue does not keep allocating chunks.
		q.read, q.write = 0, 0
	}
	return res, true
}

// drain pops every element, calling fn on each.
func (q *taskQueue[T]) drain(fn func(T)) {
	for {
		e, ok := q.popFront()
		if !ok {
			return
		}
		fn(e)
	}
}

func (q *taskQueue[T]) len() int {
	return q.size
}

func (q *taskQueue[T]) empty() bool {
	return q.size == 0
}
