package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStream_SendAndClose(t *testing.T) {
	s := NewStream[int](4, nil)

	go func() {
		for i := 0; i < 3; i++ {
			s.Send(i)
		}
		s.Close()
	}()

	var got []int
	for v := range s.C() {
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("Unexpected stream contents %v", got)
	}
}

func TestStream_CancelUnblocksSender(t *testing.T) {
	s := NewStream[int](0, nil)

	result := make(chan bool, 1)
	go func() {
		result <- s.Send(1)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	select {
	case ok := <-result:
		if ok {
			t.Error("Send should report failure after Cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Send stayed blocked after Cancel")
	}

	if s.Send(2) {
		t.Error("Send after Cancel should fail")
	}
}

func TestStream_CancelIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	s := NewStream[string](1, func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Cancel()
		}()
	}
	wg.Wait()
	s.Close()

	if calls.Load() != 1 {
		t.Errorf("onCancel ran %d times, want 1", calls.Load())
	}
	if _, ok := <-s.C(); ok {
		t.Error("Channel should be closed after Cancel")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Cancel")
	}
}

func TestParseWriteMode(t *testing.T) {
	cases := map[string]WriteMode{
		"":                 WithoutResponse,
		"without_response": WithoutResponse,
		"withResponse":     WithResponse,
		"with_response":    WithResponse,
	}
	for in, want := range cases {
		got, err := ParseWriteMode(in)
		if err != nil || got != want {
			t.Errorf("ParseWriteMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWriteMode("sometimes"); err == nil {
		t.Error("Expected error for unknown write mode")
	}
}

func TestResultString(t *testing.T) {
	if ResultAttributeNotFound.String() != "Attribute Not Found" {
		t.Errorf("Unexpected name %q", ResultAttributeNotFound.String())
	}
}

func TestMailbox_DeliversInOrderThenCloses(t *testing.T) {
	m := NewMailbox[int](nil)
	for i := 0; i < 100; i++ {
		m.Push(i)
	}
	m.Close()
	m.Push(100)

	next := 0
	for v := range m.Stream().C() {
		if v != next {
			t.Fatalf("Got %d, want %d", v, next)
		}
		next++
	}
	if next != 100 {
		t.Errorf("Received %d items, want 100", next)
	}
}

func TestMailbox_CancelRunsCallback(t *testing.T) {
	cancelled := make(chan struct{})
	m := NewMailbox[int](func() { close(cancelled) })
	m.Push(1)
	m.Stream().Cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("onCancel did not run")
	}
	m.Push(2)
}
