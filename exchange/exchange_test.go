package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/blexchange/protocol"
)

func TestNextIndex_Saturates(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{0, 1},
		{999, 1000},
		{protocol.IndexMax - 1, protocol.IndexMax},
		{protocol.IndexMax, protocol.IndexMax},
	}
	for _, tc := range cases {
		if got := NextIndex(tc.in); got != tc.want {
			t.Errorf("NextIndex(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if EchoIndex(42) != 42 {
		t.Error("EchoIndex should return its input")
	}
}

func TestEntryTexts(t *testing.T) {
	if got := FromScanner(7); got != "From Scanner: 7" {
		t.Errorf("FromScanner = %q", got)
	}
	if got := FromAdvertiser(8); got != "From Advertiser: 8" {
		t.Errorf("FromAdvertiser = %q", got)
	}
	if got := StartWith(1000); got != "Start with 1000" {
		t.Errorf("StartWith = %q", got)
	}
	if got := Failed(errors.New("boom")); got != "failed to response: boom" {
		t.Errorf("Failed = %q", got)
	}
}

func TestTracker_LatencyBetweenInbound(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	tr := NewTracker(func() time.Time { return now })

	latency, at := tr.Observe()
	if latency != nil {
		t.Fatalf("First observation should have no latency, got %v", *latency)
	}
	if !at.Equal(base) {
		t.Errorf("Observe returned %v, want %v", at, base)
	}

	now = base.Add(15 * time.Millisecond)
	latency, _ = tr.Observe()
	if latency == nil || *latency != 15*time.Millisecond {
		t.Fatalf("Expected 15ms latency, got %v", latency)
	}

	now = base.Add(20 * time.Millisecond)
	latency, _ = tr.Observe()
	if latency == nil || *latency != 5*time.Millisecond {
		t.Fatalf("Latency should be measured from the previous inbound message, got %v", latency)
	}

	tr.Reset()
	if latency, _ = tr.Observe(); latency != nil {
		t.Error("Reset should forget the previous timestamp")
	}
}

func TestLog_AppendSnapshotClear(t *testing.T) {
	var seen []string
	l := NewLog(WithListener(func(e Entry) { seen = append(seen, e.Text) }))

	d := 1500 * time.Microsecond
	l.Append(Entry{Text: "a"})
	l.Append(Entry{Text: "b", Latency: &d})

	entries := l.Entries()
	if len(entries) != 2 || entries[0].Text != "a" || entries[1].Text != "b" {
		t.Fatalf("Unexpected entries %+v", entries)
	}
	if entries[0].Time.IsZero() {
		t.Error("Append should stamp the entry time")
	}
	if entries[1].LatencyString() != "1.500ms" {
		t.Errorf("LatencyString = %q", entries[1].LatencyString())
	}
	if entries[0].LatencyString() != "" {
		t.Errorf("LatencyString without latency = %q", entries[0].LatencyString())
	}

	// Snapshot is a copy
	entries[0].Text = "mutated"
	if l.Entries()[0].Text != "a" {
		t.Error("Entries should return a copy")
	}

	if len(seen) != 2 {
		t.Errorf("Listener saw %d entries, want 2", len(seen))
	}

	l.Clear()
	if l.Len() != 0 {
		t.Errorf("Len after Clear = %d", l.Len())
	}
}

func TestLog_WithLimitDropsOldest(t *testing.T) {
	l := NewLog(WithLimit(3))
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		l.Append(Entry{Text: s})
	}
	entries := l.Entries()
	if len(entries) != 3 || entries[0].Text != "3" || entries[2].Text != "5" {
		t.Errorf("Unexpected entries %+v", entries)
	}
}

func TestEntryProto(t *testing.T) {
	d := 2 * time.Millisecond
	s := Entry{Text: "From Scanner: 1", Latency: &d}.Proto()

	if s.Fields["text"].GetStringValue() != "From Scanner: 1" {
		t.Errorf("text field = %v", s.Fields["text"])
	}
	if s.Fields["latency_ms"].GetNumberValue() != 2 {
		t.Errorf("latency_ms field = %v", s.Fields["latency_ms"])
	}
	if _, ok := s.Fields["time"]; ok {
		t.Error("Zero time should be omitted")
	}
}

func TestLog_ConcurrentReaders(t *testing.T) {
	l := NewLog()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			l.Append(Entry{Text: "x"})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				for _, e := range l.Entries() {
					if e.Text != "x" {
						t.Errorf("Partial entry observed: %+v", e)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if l.Len() != 200 {
		t.Errorf("Len = %d, want 200", l.Len())
	}
}

func TestSerial_RunsOneAtATime(t *testing.T) {
	s := NewSerial()
	ctx := context.Background()

	var mu sync.Mutex
	running, maxRunning := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do(ctx, func() error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("Serial ran %d functions at once", maxRunning)
	}
}

func TestSerial_CancelledWaiter(t *testing.T) {
	s := NewSerial()
	release := make(chan struct{})
	started := make(chan struct{})

	go s.Do(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := s.Do(ctx, func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if ran {
		t.Error("fn should not run after its context was cancelled")
	}

	close(release)
	if err := s.Do(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("Executor should be usable again: %v", err)
	}
}
