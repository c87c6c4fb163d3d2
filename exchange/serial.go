package exchange

import "context"

// Serial runs functions one at a time in the order callers arrived.
// Each session owns one and routes every transport call through it.
type Serial struct {
	token chan struct{}
}

// NewSerial creates an idle executor
func NewSerial() *Serial {
	s := &Serial{token: make(chan struct{}, 1)}
	s.token <- struct{}{}
	return s
}

// Do waits for its turn and runs fn. It returns ctx.Err() without running fn
// if ctx ends first.
func (s *Serial) Do(ctx context.Context, fn func() error) error {
	select {
	case <-s.token:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { s.token <- struct{}{} }()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
