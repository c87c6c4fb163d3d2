package central

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/blexchange/peripheral"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
	"github.com/user/blexchange/transport/memory"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

type recordingDelegate struct {
	mu    sync.Mutex
	ready []bool
	ended []transport.Peer
}

func (d *recordingDelegate) ReadyStateChanged(s *Session, ready bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = append(d.ready, ready)
}

func (d *recordingDelegate) SessionEnded(s *Session, peer transport.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended = append(d.ended, peer)
}

func (d *recordingDelegate) snapshot() ([]bool, []transport.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.ready...), append([]transport.Peer(nil), d.ended...)
}

// advertise registers the exchange service on a bare memory peripheral
func advertise(t *testing.T, radio *memory.Radio, name string) *memory.Peripheral {
	t.Helper()
	ctx := context.Background()
	p := radio.NewPeripheral(name)
	if err := p.AddService(ctx, protocol.Descriptor()); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	if err := p.StartAdvertising(ctx, protocol.ServiceUUID, name); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}
	return p
}

func readyCentral(t *testing.T, radio *memory.Radio, opts Options) (*memory.Central, *Session) {
	t.Helper()
	c := radio.NewCentral("scanner")
	s := New(c, opts)
	if err := s.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	if !s.IsReadyToWrite() {
		t.Fatalf("Expected Ready, got %s", s.State())
	}
	t.Cleanup(func() { s.CancelAll(context.Background()) })
	return c, s
}

func decodeIndex(t *testing.T, b []byte) int64 {
	t.Helper()
	msg, err := protocol.Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return msg.Index
}

func TestStartScanning_SkipsIncompleteCandidate(t *testing.T) {
	radio := memory.NewRadio()
	a := advertise(t, radio, "A")
	a.OmitCharacteristic(protocol.PeripheralToCentralCharUUID)
	b := advertise(t, radio, "B")

	_, s := readyCentral(t, radio, Options{})

	peer, ok := s.Peer()
	if !ok || peer.ID != b.ID() {
		t.Fatalf("Expected to be bound to B (%s), got %v", b.ID(), peer)
	}
	if _, ok := s.Registry().Get(a.ID()); ok {
		t.Error("Failed candidate A should not stay in the registry")
	}
	if len(a.Subscribers()) != 0 {
		t.Error("Failed candidate A should have no subscription")
	}
	if len(b.Subscribers()) != 1 {
		t.Error("Expected a subscription on B")
	}

	t.Logf("✅ Skipped A and bound to B")
}

func TestStartScanning_NoPeripheral(t *testing.T) {
	radio := memory.NewRadio()
	c := radio.NewCentral("scanner")
	c.SetFiniteScan(true)

	s := New(c, Options{})
	if err := s.StartScanning(context.Background()); !errors.Is(err, ErrNoPeripheral) {
		t.Fatalf("Expected ErrNoPeripheral, got %v", err)
	}
	if s.State() != Idle || s.IsReadyToWrite() {
		t.Errorf("Expected Idle, got %s", s.State())
	}
}

func TestStartScanning_NotReady(t *testing.T) {
	radio := memory.NewRadio()
	c := radio.NewCentral("scanner")
	c.SetPowered(false)

	s := New(c, Options{ReadyTimeout: 20 * time.Millisecond})
	if err := s.StartScanning(context.Background()); !errors.Is(err, transport.ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}
	if s.State() != Idle {
		t.Errorf("Expected Idle, got %s", s.State())
	}
}

func TestSendBurst_AscendingAndSurvivesFailure(t *testing.T) {
	radio := memory.NewRadio()
	p := advertise(t, radio, "P")
	writes := p.WriteRequests()
	defer writes.Cancel()

	c, s := readyCentral(t, radio, Options{})
	c.FailWriteAt(500)

	result, err := s.SendBurst(context.Background(), 1000)
	if err != nil {
		t.Fatalf("SendBurst failed: %v", err)
	}
	if result.Sent != 999 || result.Failed != 1 || len(result.FailedIndices) != 1 || result.FailedIndices[0] != 499 {
		t.Fatalf("Unexpected result %+v", result)
	}
	if c.Writes() != 1000 {
		t.Errorf("Expected 1000 write attempts, got %d", c.Writes())
	}

	var got []int64
	for len(got) < 999 {
		select {
		case batch := <-writes.C():
			for _, req := range batch {
				if req.Mode != transport.WithoutResponse {
					t.Fatalf("Burst writes must not ask for a response")
				}
				got = append(got, decodeIndex(t, req.Value))
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("Only %d writes arrived", len(got))
		}
	}

	want := int64(0)
	for _, idx := range got {
		if want == 499 {
			want++
		}
		if idx != want {
			t.Fatalf("Expected index %d, got %d", want, idx)
		}
		want++
	}

	t.Logf("✅ 999 of 1000 burst writes arrived in order")
}

func TestSendBurst_NotReady(t *testing.T) {
	s := New(memory.NewRadio().NewCentral("c"), Options{})
	if _, err := s.SendBurst(context.Background(), 10); !errors.Is(err, ErrNotReadyToWrite) {
		t.Errorf("Expected ErrNotReadyToWrite, got %v", err)
	}
	if err := s.StartExchangeLoop(context.Background()); !errors.Is(err, ErrNotReadyToWrite) {
		t.Errorf("Expected ErrNotReadyToWrite, got %v", err)
	}
}

func TestExchangeLoop_IncrementsAndSaturates(t *testing.T) {
	radio := memory.NewRadio()
	p := advertise(t, radio, "P")
	writes := p.WriteRequests()
	defer writes.Cancel()

	c, s := readyCentral(t, radio, Options{})
	ctx := context.Background()

	next := func() int64 {
		t.Helper()
		select {
		case batch := <-writes.C():
			return decodeIndex(t, batch[0].Value)
		case <-time.After(3 * time.Second):
			t.Fatal("No write from the central")
		}
		return -1
	}
	notify := func(i int64) {
		t.Helper()
		b, _ := protocol.Encode(protocol.Message{Index: i})
		if err := p.Notify(ctx, b, protocol.PeripheralToCentralCharUUID, []transport.Peer{{ID: c.ID()}}); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}

	if err := s.StartExchangeLoop(ctx); err != nil {
		t.Fatalf("StartExchangeLoop failed: %v", err)
	}
	if seed := next(); seed != 1000 {
		t.Fatalf("Expected seed 1000, got %d", seed)
	}

	notify(1000)
	if got := next(); got != 1001 {
		t.Errorf("Expected reply 1001, got %d", got)
	}

	notify(protocol.IndexMax)
	if got := next(); got != protocol.IndexMax {
		t.Errorf("Expected saturated reply %d, got %d", protocol.IndexMax, got)
	}

	waitFor(t, "three entries", func() bool { return s.Log().Len() == 3 })
	entries := s.Log().Entries()
	want := []string{"Start with 1000", "From Advertiser: 1000", fmt.Sprintf("From Advertiser: %d", protocol.IndexMax)}
	for i, w := range want {
		if entries[i].Text != w {
			t.Errorf("Entry %d = %q, want %q", i, entries[i].Text, w)
		}
	}
	if entries[1].Latency != nil || entries[2].Latency == nil {
		t.Errorf("Latency should start with the second inbound message: %+v", entries)
	}
}

func TestExchangeLoop_SeedZeroIsHonoured(t *testing.T) {
	radio := memory.NewRadio()
	p := advertise(t, radio, "P")
	writes := p.WriteRequests()
	defer writes.Cancel()

	seed := int64(0)
	_, s := readyCentral(t, radio, Options{SeedIndex: &seed})
	if err := s.StartExchangeLoop(context.Background()); err != nil {
		t.Fatalf("StartExchangeLoop failed: %v", err)
	}

	select {
	case batch := <-writes.C():
		if got := decodeIndex(t, batch[0].Value); got != 0 {
			t.Fatalf("Seed write carried %d, want 0", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("No seed write from the central")
	}
	if got := s.Log().Entries()[0].Text; got != "Start with 0" {
		t.Errorf("Unexpected seed entry %q", got)
	}

	t.Logf("✅ Exchange loop seeded with 0")
}

func TestExchangeLoop_MalformedNotification(t *testing.T) {
	radio := memory.NewRadio()
	p := advertise(t, radio, "P")
	seed := int64(7)
	c, s := readyCentral(t, radio, Options{SeedIndex: &seed})
	ctx := context.Background()

	if err := s.StartExchangeLoop(ctx); err != nil {
		t.Fatalf("StartExchangeLoop failed: %v", err)
	}
	p.Notify(ctx, []byte(`{"index":-1}`), protocol.PeripheralToCentralCharUUID, []transport.Peer{{ID: c.ID()}})

	waitFor(t, "failure entry", func() bool { return s.Log().Len() == 2 })
	entries := s.Log().Entries()
	if entries[0].Text != "Start with 7" {
		t.Errorf("Unexpected seed entry %q", entries[0].Text)
	}
	if entries[1].Latency != nil || !strings.HasPrefix(entries[1].Text, "failed to response: ") {
		t.Errorf("Unexpected failure entry %+v", entries[1])
	}
	if !s.IsReadyToWrite() {
		t.Error("A malformed notification must not end the session")
	}
}

func TestConnectionLoss_EndsSession(t *testing.T) {
	radio := memory.NewRadio()
	p := advertise(t, radio, "P")
	delegate := &recordingDelegate{}
	c, s := readyCentral(t, radio, Options{Delegate: delegate})

	p.DropCentral(c.ID())

	waitFor(t, "session end", func() bool {
		_, ended := delegate.snapshot()
		return len(ended) == 1
	})
	if s.IsReadyToWrite() || s.State() != Idle {
		t.Errorf("Expected Idle after loss, got %s", s.State())
	}
	ready, ended := delegate.snapshot()
	if ended[0].ID != p.ID() {
		t.Errorf("SessionEnded for %v, want %s", ended[0], p.ID())
	}
	if len(ready) != 2 || !ready[0] || ready[1] {
		t.Errorf("Unexpected ready transitions %v", ready)
	}

	// The session can scan again
	if err := s.StartScanning(context.Background()); err != nil {
		t.Fatalf("Rescan failed: %v", err)
	}
}

func TestCancelAll_TwiceReleasesEverything(t *testing.T) {
	radio := memory.NewRadio()
	p := advertise(t, radio, "P")
	delegate := &recordingDelegate{}
	_, s := readyCentral(t, radio, Options{Delegate: delegate})
	ctx := context.Background()

	if err := s.StartExchangeLoop(ctx); err != nil {
		t.Fatalf("StartExchangeLoop failed: %v", err)
	}
	entries := s.Log().Len()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.CancelAll(ctx)
		}()
	}
	wg.Wait()
	s.CancelAll(ctx)

	if s.State() != Idle || s.IsReadyToWrite() {
		t.Fatalf("Expected Idle, got %s", s.State())
	}
	if _, ok := s.Peer(); ok {
		t.Error("Binding should be cleared")
	}
	if len(s.Registry().Peers()) != 0 {
		t.Error("Registry should be cleared")
	}
	waitFor(t, "unsubscribe", func() bool { return len(p.Subscribers()) == 0 })
	if s.Log().Len() != entries {
		t.Errorf("CancelAll must not add log entries: %+v", s.Log().Entries())
	}

	ready, _ := delegate.snapshot()
	if len(ready) != 2 || ready[1] {
		t.Errorf("Expected exactly one transition to not-ready, got %v", ready)
	}

	t.Logf("✅ CancelAll is idempotent")
}

func TestCancelAll_DuringScan(t *testing.T) {
	radio := memory.NewRadio()
	c := radio.NewCentral("scanner")
	s := New(c, Options{})

	done := make(chan error, 1)
	go func() {
		done <- s.StartScanning(context.Background())
	}()
	waitFor(t, "scanning", func() bool { return s.State() == Scanning })

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.CancelAll(context.Background())
		}()
	}
	wg.Wait()

	select {
	case err := <-done:
		if err == nil {
			t.Error("StartScanning should report the cancellation")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StartScanning did not return after CancelAll")
	}
	if s.State() != Idle {
		t.Errorf("Expected Idle, got %s", s.State())
	}

	// A peripheral appearing later must not revive the cancelled scan
	advertise(t, radio, "late")
	time.Sleep(50 * time.Millisecond)
	if s.State() != Idle {
		t.Errorf("Cancelled scan bound a late peripheral: %s", s.State())
	}
}

func TestExchange_WithPeripheralSession(t *testing.T) {
	radio := memory.NewRadio()
	ctx := context.Background()

	adv := peripheral.New(radio.NewPeripheral("advertiser"), peripheral.Options{})
	if err := adv.Start(ctx); err != nil {
		t.Fatalf("Peripheral start failed: %v", err)
	}
	defer adv.Stop(ctx)

	_, s := readyCentral(t, radio, Options{})

	waitFor(t, "subscriber", func() bool { return len(adv.Subscribers()) == 1 })

	if err := s.StartExchangeLoop(ctx); err != nil {
		t.Fatalf("StartExchangeLoop failed: %v", err)
	}
	waitFor(t, "ping-pong", func() bool { return s.Log().Len() >= 20 })

	s.CancelAll(ctx)

	// The scanner saw monotonically increasing indices from the advertiser
	var last int64 = -1
	for _, e := range s.Log().Entries()[1:] {
		var idx int64
		if _, err := fmt.Sscanf(e.Text, "From Advertiser: %d", &idx); err != nil {
			t.Fatalf("Unexpected entry %q", e.Text)
		}
		if idx <= last {
			t.Fatalf("Index went from %d to %d", last, idx)
		}
		last = idx
	}

	t.Logf("✅ Exchanged up to index %d", last)
}

func TestBurst_WithPeripheralSession(t *testing.T) {
	radio := memory.NewRadio()
	ctx := context.Background()

	adv := peripheral.New(radio.NewPeripheral("advertiser"), peripheral.Options{})
	if err := adv.Start(ctx); err != nil {
		t.Fatalf("Peripheral start failed: %v", err)
	}
	defer adv.Stop(ctx)

	_, s := readyCentral(t, radio, Options{})

	result, err := s.SendBurst(ctx, 1000)
	if err != nil || result.Sent != 1000 {
		t.Fatalf("Burst failed: %+v %v", result, err)
	}
	waitFor(t, "burst logged", func() bool { return adv.Log().Len() == 1000 })

	for i, e := range adv.Log().Entries() {
		if want := fmt.Sprintf("From Scanner: %d", i); e.Text != want {
			t.Fatalf("Entry %d = %q, want %q", i, e.Text, want)
		}
	}
	if s.Log().Len() != 0 {
		t.Errorf("Echoes must be ignored until the exchange loop starts, got %d entries", s.Log().Len())
	}
}
