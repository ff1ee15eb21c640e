package live

import (
	"sync"
	"time"
)

const (
	defaultBuffer    = 64
	defaultHeartbeat = 25 * time.Second
)

// queue is the non-blocking outbox shared by the channel implementations.
type queue struct {
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newQueue(buffer int) queue {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return queue{frames: make(chan Frame, buffer), done: make(chan struct{})}
}

func (q *queue) Send(f Frame) error {
	select {
	case <-q.done:
		return ErrChannelClosed
	default:
	}
	select {
	case q.frames <- f:
		return nil
	case <-q.done:
		return ErrChannelClosed
	default:
		return ErrSlowConsumer
	}
}

// Close stops the channel; pending frames are discarded.
func (q *queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Done is closed once the channel has been closed.
func (q *queue) Done() <-chan struct{} {
	return q.done
}
