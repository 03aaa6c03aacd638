package broadcast

import (
	"errors"
	"sync"
)

var (
	// ErrSinkFull is returned when a connection's outbound buffer is full.
	ErrSinkFull = errors.New("outbound buffer full")
	// ErrSinkClosed is returned when sending to a closed sink.
	ErrSinkClosed = errors.New("sink closed")
)

// QueueSink is a bounded outbound frame queue drained by one writer
// goroutine. Send never blocks.
type QueueSink struct {
	mu     sync.RWMutex
	ch     chan []byte
	closed bool
}

// NewQueueSink creates a sink buffering up to size frames.
func NewQueueSink(size int) *QueueSink {
	if size <= 0 {
		size = 256
	}
	return &QueueSink{ch: make(chan []byte, size)}
}

// Send enqueues a frame or fails immediately.
func (q *QueueSink) Send(frame []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrSinkClosed
	}
	select {
	case q.ch <- frame:
		return nil
	default:
		return ErrSinkFull
	}
}

// C is the frame channel for the writer goroutine. It is closed by Close.
func (q *QueueSink) C() <-chan []byte { return q.ch }

// Close stops accepting frames. Queued frames can still be drained.
func (q *QueueSink) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Closed reports whether Close was called.
func (q *QueueSink) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
