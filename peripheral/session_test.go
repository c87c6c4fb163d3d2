package peripheral

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
	"github.com/user/blexchange/transport/memory"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// manualClock advances only when told to
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDelegate struct {
	mu      sync.Mutex
	updates [][]transport.Peer
}

func (d *recordingDelegate) SubscribersChanged(s *Session, subscribers []transport.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, subscribers)
}

func (d *recordingDelegate) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.updates)
}

// connectCentral scans for the session's service and subscribes c to it
func connectCentral(t *testing.T, c *memory.Central) transport.Connection {
	t.Helper()
	ctx := context.Background()

	scan, err := c.Scan(ctx, protocol.ServiceUUID)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	var peer transport.Peer
	select {
	case peer = <-scan.C():
	case <-time.After(2 * time.Second):
		t.Fatal("Peripheral not discovered")
	}
	scan.Cancel()

	conn, err := c.Connect(ctx, peer)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.SetNotify(ctx, protocol.PeripheralToCentralCharUUID, true); err != nil {
		t.Fatalf("SetNotify failed: %v", err)
	}
	return conn
}

func encode(t *testing.T, i int64) []byte {
	t.Helper()
	b, err := protocol.Encode(protocol.Message{Index: i})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return b
}

func startSession(t *testing.T, opts Options) (*memory.Radio, *memory.Peripheral, *Session) {
	t.Helper()
	radio := memory.NewRadio()
	p := radio.NewPeripheral("advertiser")
	s := New(p, opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return radio, p, s
}

func TestStart_AdvertisesAndIsIdempotent(t *testing.T) {
	_, p, s := startSession(t, Options{})

	if !s.IsActive() || !p.IsAdvertising() {
		t.Fatalf("Expected Active and advertising, got %s / %v", s.State(), p.IsAdvertising())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("Second Start should be a no-op: %v", err)
	}

	t.Logf("✅ Session active and advertising")
}

func TestStart_NotReady(t *testing.T) {
	radio := memory.NewRadio()
	p := radio.NewPeripheral("advertiser")
	p.SetPowered(false)

	s := New(p, Options{ReadyTimeout: 20 * time.Millisecond})
	err := s.Start(context.Background())
	if !errors.Is(err, transport.ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}
	if s.State() != Idle {
		t.Errorf("State after failed start = %s, want Idle", s.State())
	}
	if p.IsAdvertising() {
		t.Error("Should not advertise after failed start")
	}
}

func TestInboundWrite_LatencyAndEcho(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	radio, _, s := startSession(t, Options{Clock: clock.Now})
	ctx := context.Background()

	conn := connectCentral(t, radio.NewCentral("scanner"))
	notes := conn.Notifications()
	defer notes.Cancel()

	if err := conn.Write(ctx, encode(t, 5), protocol.CentralToPeripheralCharUUID, transport.WithoutResponse); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitFor(t, "first entry", func() bool { return s.Log().Len() == 1 })

	first := s.Log().Entries()[0]
	if first.Text != "From Scanner: 5" || first.Latency != nil {
		t.Fatalf("Unexpected first entry %+v", first)
	}

	select {
	case n := <-notes.C():
		msg, err := protocol.Decode(n.Value)
		if err != nil || msg.Index != 5 {
			t.Fatalf("Expected echo of 5, got %v %v", msg, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No echo received")
	}

	clock.Advance(42 * time.Millisecond)
	if err := conn.Write(ctx, encode(t, 6), protocol.CentralToPeripheralCharUUID, transport.WithResponse); err != nil {
		t.Fatalf("Acknowledged write failed: %v", err)
	}
	waitFor(t, "second entry", func() bool { return s.Log().Len() == 2 })

	second := s.Log().Entries()[1]
	if second.Latency == nil || *second.Latency != 42*time.Millisecond {
		t.Fatalf("Expected 42ms latency, got %+v", second)
	}

	t.Logf("✅ Latency %s measured between inbound writes", second.LatencyString())
}

func TestInboundWrite_EmptyPayload(t *testing.T) {
	radio, _, s := startSession(t, Options{})
	ctx := context.Background()

	conn := connectCentral(t, radio.NewCentral("scanner"))
	notes := conn.Notifications()
	defer notes.Cancel()

	err := conn.Write(ctx, nil, protocol.CentralToPeripheralCharUUID, transport.WithResponse)
	if !errors.Is(err, transport.ErrWriteFailed) {
		t.Fatalf("Expected the write to be rejected, got %v", err)
	}

	select {
	case n := <-notes.C():
		t.Fatalf("Empty write must not be answered, got %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
	if s.Log().Len() != 0 {
		t.Errorf("Empty write must not be logged, got %+v", s.Log().Entries())
	}
}

func TestInboundWrite_Malformed(t *testing.T) {
	radio, _, s := startSession(t, Options{})
	ctx := context.Background()

	conn := connectCentral(t, radio.NewCentral("scanner"))
	conn.Write(ctx, []byte("not json"), protocol.CentralToPeripheralCharUUID, transport.WithoutResponse)
	conn.Write(ctx, encode(t, 1), protocol.CentralToPeripheralCharUUID, transport.WithoutResponse)

	waitFor(t, "two entries", func() bool { return s.Log().Len() == 2 })
	entries := s.Log().Entries()
	if entries[0].Latency != nil || !strings.HasPrefix(entries[0].Text, "failed to response: ") {
		t.Errorf("Unexpected failure entry %+v", entries[0])
	}
	if entries[1].Text != "From Scanner: 1" || entries[1].Latency != nil {
		t.Errorf("A malformed write must not start the latency clock: %+v", entries[1])
	}
}

func TestReply_OnlyToOriginator(t *testing.T) {
	radio, _, s := startSession(t, Options{})
	ctx := context.Background()

	connA := connectCentral(t, radio.NewCentral("a"))
	connB := connectCentral(t, radio.NewCentral("b"))
	notesA := connA.Notifications()
	defer notesA.Cancel()
	notesB := connB.Notifications()
	defer notesB.Cancel()

	waitFor(t, "two subscribers", func() bool { return len(s.Subscribers()) == 2 })

	connA.Write(ctx, encode(t, 9), protocol.CentralToPeripheralCharUUID, transport.WithoutResponse)

	select {
	case <-notesA.C():
	case <-time.After(2 * time.Second):
		t.Fatal("Originator got no reply")
	}
	select {
	case n := <-notesB.C():
		t.Fatalf("Reply leaked to another subscriber: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReply_OrderFollowsWrites(t *testing.T) {
	radio, _, s := startSession(t, Options{})
	ctx := context.Background()

	conn := connectCentral(t, radio.NewCentral("scanner"))
	notes := conn.Notifications()
	defer notes.Cancel()

	const count = 1000
	for i := int64(0); i < count; i++ {
		if err := conn.Write(ctx, encode(t, i), protocol.CentralToPeripheralCharUUID, transport.WithoutResponse); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	for want := int64(0); want < count; want++ {
		select {
		case n := <-notes.C():
			msg, err := protocol.Decode(n.Value)
			if err != nil {
				t.Fatalf("Bad notification: %v", err)
			}
			if msg.Index != want {
				t.Fatalf("Reply %d carried index %d", want, msg.Index)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Only %d of %d replies arrived", want, count)
		}
	}
	if s.Log().Len() != count {
		t.Errorf("Logged %d entries, want %d", s.Log().Len(), count)
	}

	t.Logf("✅ %d replies notified in write order", count)
}

func TestSubscribers_OrderedByUpdate(t *testing.T) {
	delegate := &recordingDelegate{}
	radio, _, s := startSession(t, Options{Delegate: delegate})
	ctx := context.Background()

	a, b := radio.NewCentral("a"), radio.NewCentral("b")
	connA := connectCentral(t, a)
	connectCentral(t, b)
	waitFor(t, "two subscribers", func() bool { return len(s.Subscribers()) == 2 })

	// a re-subscribes and moves to the end
	connA.SetNotify(ctx, protocol.PeripheralToCentralCharUUID, false)
	connA.SetNotify(ctx, protocol.PeripheralToCentralCharUUID, true)
	waitFor(t, "resubscribe", func() bool {
		subs := s.Subscribers()
		return len(subs) == 2 && subs[0].ID == b.ID() && subs[1].ID == a.ID()
	})

	connA.Close(ctx)
	waitFor(t, "unsubscribe on close", func() bool {
		subs := s.Subscribers()
		return len(subs) == 1 && subs[0].ID == b.ID()
	})

	// subscribe a, subscribe b, unsubscribe a, subscribe a, close a
	waitFor(t, "five delegate updates", func() bool { return delegate.count() == 5 })
}

func TestPartnerFilter(t *testing.T) {
	radio := memory.NewRadio()
	p := radio.NewPeripheral("advertiser")
	ctx := context.Background()

	partner := radio.NewCentral("partner")
	s := New(p, Options{Partner: partner.ID()})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(ctx)

	partnerConn := connectCentral(t, partner)
	otherConn := connectCentral(t, radio.NewCentral("other"))

	err := otherConn.Write(ctx, encode(t, 1), protocol.CentralToPeripheralCharUUID, transport.WithResponse)
	if !errors.Is(err, transport.ErrWriteFailed) {
		t.Errorf("Write from a non-partner should be refused, got %v", err)
	}
	if err := partnerConn.Write(ctx, encode(t, 2), protocol.CentralToPeripheralCharUUID, transport.WithResponse); err != nil {
		t.Fatalf("Partner write failed: %v", err)
	}
	waitFor(t, "partner entry", func() bool { return s.Log().Len() == 1 })
	if got := s.Log().Entries()[0].Text; got != "From Scanner: 2" {
		t.Errorf("Unexpected entry %q", got)
	}
}

// fakeManager is a PeripheralManager that records stream lifetimes and
// can be told to fail notifies
type fakeManager struct {
	mu          sync.Mutex
	advertising bool
	services    int
	opened      atomic.Int32
	cancelled   atomic.Int32
	notifyErr   error
	writes      *transport.Stream[[]transport.WriteRequest]
	responses   []transport.Result
}

func (f *fakeManager) WaitUntilReady(ctx context.Context) error { return nil }

func (f *fakeManager) AddService(ctx context.Context, d protocol.ServiceDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services++
	return nil
}

func (f *fakeManager) RemoveAllServices(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = 0
	return nil
}

func (f *fakeManager) StartAdvertising(ctx context.Context, serviceID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = true
	return nil
}

func (f *fakeManager) StopAdvertising(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
	return nil
}

func (f *fakeManager) IsAdvertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising
}

func (f *fakeManager) Respond(ctx context.Context, req transport.WriteRequest, result transport.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, result)
	return nil
}

func (f *fakeManager) Notify(ctx context.Context, value []byte, charID string, centrals []transport.Peer) error {
	return f.notifyErr
}

func (f *fakeManager) SubscriptionEvents() *transport.Stream[transport.SubscriptionEvent] {
	f.opened.Add(1)
	return transport.NewStream[transport.SubscriptionEvent](0, func() { f.cancelled.Add(1) })
}

func (f *fakeManager) WriteRequests() *transport.Stream[[]transport.WriteRequest] {
	f.opened.Add(1)
	s := transport.NewStream[[]transport.WriteRequest](0, func() { f.cancelled.Add(1) })
	f.mu.Lock()
	f.writes = s
	f.mu.Unlock()
	return s
}

func TestStop_TwiceAndConcurrent(t *testing.T) {
	f := &fakeManager{}
	s := New(f, Options{})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(ctx)
		}()
	}
	wg.Wait()
	s.Stop(ctx)

	if s.State() != Idle {
		t.Fatalf("State = %s, want Idle", s.State())
	}
	if f.opened.Load() != 2 || f.cancelled.Load() != 2 {
		t.Errorf("Streams opened %d, cancelled %d", f.opened.Load(), f.cancelled.Load())
	}
	if f.IsAdvertising() || f.services != 0 {
		t.Error("Stop should remove services and stop advertising")
	}
	if s.Log().Len() != 0 {
		t.Errorf("Lifecycle calls must not write log entries: %+v", s.Log().Entries())
	}

	// Restart after stop works
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	s.Stop(ctx)

	t.Logf("✅ Repeated Stop left the session Idle with no open streams")
}

func TestNotifyFailureIsNotRaised(t *testing.T) {
	f := &fakeManager{notifyErr: transport.ErrNotifyFailed}
	s := New(f, Options{})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(ctx)

	f.mu.Lock()
	writes := f.writes
	f.mu.Unlock()

	writes.Send([]transport.WriteRequest{
		{Central: transport.Peer{ID: "c"}, CharacteristicID: protocol.CentralToPeripheralCharUUID, Value: []byte(`{"index":3}`), Mode: transport.WithResponse},
		{Central: transport.Peer{ID: "c"}, CharacteristicID: protocol.CentralToPeripheralCharUUID, Value: []byte(`{"index":4}`), Mode: transport.WithoutResponse},
	})

	waitFor(t, "both writes handled", func() bool { return s.Log().Len() == 2 })
	if !s.IsActive() {
		t.Error("Notify failures must not end the session")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) != 1 || f.responses[0] != transport.ResultSuccess {
		t.Errorf("Only the acknowledged write should be answered, got %v", f.responses)
	}
}
