package transport

import "sync"

// Stream is a cancellable, typed feed of transport events.
//
// The consumer reads C() and calls Cancel when it is no longer interested;
// Cancel may be called any number of times and from any goroutine. The
// producer calls Send for each event and Close at end of stream. After
// either Cancel or Close the channel returned by C is closed exactly once.
type Stream[T any] struct {
	c    chan T
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	cancelOnce sync.Once
	closeOnce  sync.Once
	onCancel   func()
}

// NewStream creates a stream with the given channel buffer. onCancel, if
// non-nil, runs once when the consumer cancels (producers use it to
// unregister the stream).
func NewStream[T any](buffer int, onCancel func()) *Stream[T] {
	return &Stream[T]{
		c:        make(chan T, buffer),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}
}

// C returns the receive side of the stream
func (s *Stream[T]) C() <-chan T {
	return s.c
}

// Done is closed once the consumer has cancelled
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Send delivers v, blocking until it is received or the stream is cancelled.
// Returns false if v was not delivered.
func (s *Stream[T]) Send(v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.c <- v:
		return true
	case <-s.done:
		return false
	}
}

// Close ends the stream from the producer side
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.c)
		s.mu.Unlock()
	})
}

// Cancel ends the stream from the consumer side
func (s *Stream[T]) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		if s.onCancel != nil {
			s.onCancel()
		}
	})
	s.Close()
}
