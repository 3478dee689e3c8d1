package canbus

import "sync/atomic"

// queue is the bounded FIFO between the reader and the dispatcher. Producers
// never block: when it is full the new frame is dropped and counted.
type queue struct {
	ch      chan Frame
	dropped atomic.Uint64
}

func newQueue(capacity int) *queue {
	return &queue{ch: make(chan Frame, capacity)}
}

// push enqueues f and reports false if it was dropped.
func (q *queue) push(f Frame) bool {
	select {
	case q.ch <- f:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

func (q *queue) len() int { return len(q.ch) }
func (q *queue) cap() int { return cap(q.ch) }

// drain discards everything queued and returns how many frames were removed.
func (q *queue) drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
