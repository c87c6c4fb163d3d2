package transport

import "sync"

// Mailbox feeds a Stream from an unbounded queue so producers never block
// while holding their own locks. Items arrive in push order.
type Mailbox[T any] struct {
	stream *Stream[T]
	wake   chan struct{}

	mu     sync.Mutex
	queue  []T
	closed bool
}

// NewMailbox starts the pump goroutine; onCancel runs when the consumer
// cancels the stream.
func NewMailbox[T any](onCancel func()) *Mailbox[T] {
	m := &Mailbox[T]{
		stream: NewStream[T](0, onCancel),
		wake:   make(chan struct{}, 1),
	}
	go m.pump()
	return m
}

// Stream returns the consumer side
func (m *Mailbox[T]) Stream() *Stream[T] {
	return m.stream
}

func (m *Mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Push queues v. Pushes after Close are dropped.
func (m *Mailbox[T]) Push(v T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	m.signal()
}

// Close ends the stream once everything already queued has been delivered
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox[T]) pump() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				m.stream.Close()
				return
			}
			select {
			case <-m.wake:
				continue
			case <-m.stream.Done():
				return
			}
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if !m.stream.Send(v) {
			return
		}
	}
}
