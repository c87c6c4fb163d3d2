package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
)

func recv[T any](t *testing.T, s *transport.Stream[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if !ok {
			t.Fatal("Stream closed unexpectedly")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for stream value")
	}
	var zero T
	return zero
}

func setup(t *testing.T) (*Radio, *Peripheral, *Central, transport.Connection) {
	t.Helper()
	ctx := context.Background()

	r := NewRadio()
	p := r.NewPeripheral("periph")
	c := r.NewCentral("central")

	if err := p.AddService(ctx, protocol.Descriptor()); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	if err := p.StartAdvertising(ctx, protocol.ServiceUUID, "Cookbook"); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}

	scan, err := c.Scan(ctx, protocol.ServiceUUID)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	peer := recv(t, scan)
	scan.Cancel()
	if peer.ID != p.ID() || peer.Name != "Cookbook" {
		t.Fatalf("Unexpected scan result %v", peer)
	}

	conn, err := c.Connect(ctx, peer)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return r, p, c, conn
}

func TestWaitUntilReady(t *testing.T) {
	r := NewRadio()
	p := r.NewPeripheral("p")
	p.SetPowered(false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.WaitUntilReady(ctx); !errors.Is(err, transport.ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.SetPowered(true)
	}()
	if err := p.WaitUntilReady(context.Background()); err != nil {
		t.Fatalf("WaitUntilReady after power on: %v", err)
	}
}

func TestWriteOrderingAndAck(t *testing.T) {
	ctx := context.Background()
	_, p, _, conn := setup(t)

	writes := p.WriteRequests()
	defer writes.Cancel()

	for i := 0; i < 50; i++ {
		if err := conn.Write(ctx, []byte{byte(i)}, protocol.CentralToPeripheralCharUUID, transport.WithoutResponse); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	for i := 0; i < 50; i++ {
		batch := recv(t, writes)
		if len(batch) != 1 || batch[0].Value[0] != byte(i) {
			t.Fatalf("Write %d arrived out of order: %+v", i, batch)
		}
	}

	// With-response writes wait for the peripheral's result
	done := make(chan error, 1)
	go func() {
		done <- conn.Write(ctx, nil, protocol.CentralToPeripheralCharUUID, transport.WithResponse)
	}()
	req := recv(t, writes)[0]
	if err := p.Respond(ctx, req, transport.ResultAttributeNotFound); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if err := <-done; !errors.Is(err, transport.ErrWriteFailed) {
		t.Errorf("Expected ErrWriteFailed for AttributeNotFound, got %v", err)
	}
}

func TestNotifyRequiresSubscription(t *testing.T) {
	ctx := context.Background()
	_, p, c, conn := setup(t)

	subs := p.SubscriptionEvents()
	defer subs.Cancel()
	notes := conn.Notifications()
	defer notes.Cancel()

	central := []transport.Peer{{ID: c.ID()}}
	if err := p.Notify(ctx, []byte("x"), protocol.PeripheralToCentralCharUUID, central); !errors.Is(err, transport.ErrNotifyFailed) {
		t.Errorf("Notify before subscribe should fail, got %v", err)
	}

	if err := conn.SetNotify(ctx, protocol.PeripheralToCentralCharUUID, true); err != nil {
		t.Fatalf("SetNotify failed: %v", err)
	}
	ev := recv(t, subs)
	if !ev.Subscribed || ev.Central.ID != c.ID() {
		t.Errorf("Unexpected subscription event %+v", ev)
	}

	if err := p.Notify(ctx, []byte("y"), protocol.PeripheralToCentralCharUUID, central); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if n := recv(t, notes); string(n.Value) != "y" {
		t.Errorf("Unexpected notification %+v", n)
	}
}

func TestDropCentral(t *testing.T) {
	ctx := context.Background()
	_, p, c, conn := setup(t)

	disc := c.Disconnections()
	defer disc.Cancel()
	subs := p.SubscriptionEvents()
	defer subs.Cancel()

	conn.SetNotify(ctx, protocol.PeripheralToCentralCharUUID, true)
	recv(t, subs)

	p.DropCentral(c.ID())

	ev := recv(t, disc)
	if ev.Peer.ID != p.ID() || !errors.Is(ev.Err, ErrLinkLost) {
		t.Errorf("Unexpected disconnect %+v", ev)
	}
	if sub := recv(t, subs); sub.Subscribed {
		t.Error("Drop should unsubscribe the central")
	}
	if len(p.Subscribers()) != 0 {
		t.Error("No subscribers expected after drop")
	}
	if err := conn.Write(ctx, []byte("z"), protocol.CentralToPeripheralCharUUID, transport.WithoutResponse); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Write after drop: %v", err)
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	_, p, c, conn := setup(t)

	c.FailWriteAt(2)
	for i := 1; i <= 3; i++ {
		err := conn.Write(ctx, []byte("v"), protocol.CentralToPeripheralCharUUID, transport.WithoutResponse)
		if (i == 2) != (err != nil) {
			t.Errorf("Write %d: err=%v", i, err)
		}
	}
	if c.Writes() != 3 {
		t.Errorf("Writes() = %d, want 3", c.Writes())
	}

	p.OmitCharacteristic(protocol.PeripheralToCentralCharUUID)
	svc, err := conn.DiscoverService(ctx, protocol.ServiceUUID)
	if err != nil {
		t.Fatalf("DiscoverService failed: %v", err)
	}
	if len(svc.CharacteristicIDs) != 1 {
		t.Errorf("Expected omitted characteristic to be hidden, got %v", svc.CharacteristicIDs)
	}

	missing, err := conn.DiscoverService(ctx, "0000180F-0000-1000-8000-00805F9B34FB")
	if err != nil || missing.ServiceID != "" {
		t.Errorf("Unknown service should give an empty result, got %+v %v", missing, err)
	}
}

func TestFiniteScanEnds(t *testing.T) {
	ctx := context.Background()
	r := NewRadio()
	c := r.NewCentral("c")
	c.SetFiniteScan(true)

	scan, err := c.Scan(ctx, protocol.ServiceUUID)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	select {
	case _, ok := <-scan.C():
		if ok {
			t.Error("Expected no peripherals")
		}
	case <-time.After(time.Second):
		t.Fatal("Finite scan did not end")
	}
}
