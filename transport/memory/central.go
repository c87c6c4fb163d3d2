package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
)

// Central is a scanner on the in-process radio. It implements
// transport.CentralManager.
type Central struct {
	radio *Radio
	id    string
	name  string
	power *power

	// guarded by radio.mu
	finiteScan bool
	links      map[string]*link
	discBoxes  map[*transport.Mailbox[transport.Disconnect]]struct{}
	writeCount int
	failWrite  map[int]bool
}

// NewCentral adds a powered-on central to the radio
func (r *Radio) NewCentral(name string) *Central {
	return &Central{
		radio:     r,
		id:        uuid.NewString(),
		name:      name,
		power:     newPower(true),
		links:     make(map[string]*link),
		discBoxes: make(map[*transport.Mailbox[transport.Disconnect]]struct{}),
		failWrite: make(map[int]bool),
	}
}

// ID is the identifier peripherals see for this central
func (c *Central) ID() string { return c.id }

func (c *Central) prefix() string {
	return fmt.Sprintf("%s mem-central", logger.Short(c.id))
}

func (c *Central) peer() transport.Peer {
	return transport.Peer{ID: c.id, Name: c.name}
}

// SetPowered switches the simulated adapter on or off
func (c *Central) SetPowered(on bool) { c.power.set(on) }

// SetFiniteScan makes Scan report only what is advertising at call time
// and then end the stream, instead of staying open for new advertisers.
func (c *Central) SetFiniteScan(finite bool) {
	c.radio.mu.Lock()
	defer c.radio.mu.Unlock()
	c.finiteScan = finite
}

// FailWriteAt makes the given writes (1-based, counted from creation) fail
func (c *Central) FailWriteAt(n ...int) {
	c.radio.mu.Lock()
	defer c.radio.mu.Unlock()
	for _, i := range n {
		c.failWrite[i] = true
	}
}

// Writes returns how many writes this central has attempted
func (c *Central) Writes() int {
	c.radio.mu.Lock()
	defer c.radio.mu.Unlock()
	return c.writeCount
}

func (c *Central) WaitUntilReady(ctx context.Context) error {
	return c.power.wait(ctx)
}

func (c *Central) Scan(ctx context.Context, serviceID string) (*transport.Stream[transport.Peer], error) {
	if !c.power.isOn() {
		return nil, transport.ErrNotReady
	}
	r := c.radio
	s := &scan{central: c, serviceID: serviceID, seen: make(map[string]bool)}
	s.box = transport.NewMailbox[transport.Peer](func() {
		r.mu.Lock()
		delete(r.scans, s)
		r.mu.Unlock()
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.peripherals {
		s.offer(p)
	}
	if c.finiteScan {
		s.box.Close()
	} else {
		r.scans[s] = struct{}{}
	}
	logger.Debug(c.prefix(), "🔍 scanning for %s", serviceID)
	return s.box.Stream(), nil
}

func (c *Central) StopScan(ctx context.Context) error {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()
	c.stopScansLocked()
	return nil
}

func (c *Central) stopScansLocked() {
	for s := range c.radio.scans {
		if s.central == c {
			s.box.Close()
			delete(c.radio.scans, s)
		}
	}
}

func (c *Central) Connect(ctx context.Context, peer transport.Peer) (transport.Connection, error) {
	if !c.power.isOn() {
		return nil, transport.ErrNotReady
	}
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findPeripheral(peer.ID)
	if p == nil {
		return nil, fmt.Errorf("connect %s: peripheral not found", peer.ID)
	}
	if !p.power.isOn() {
		return nil, fmt.Errorf("connect %s: peripheral not powered", peer.ID)
	}
	if l := c.links[p.id]; l != nil {
		return l, nil
	}

	l := &link{
		central:     c,
		peripheral:  p,
		subscribed:  make(map[string]bool),
		notifyBoxes: make(map[*transport.Mailbox[transport.Notification]]struct{}),
		writeMu:     make(chan struct{}, 1),
		ack:         make(chan transport.Result, 1),
		closed:      make(chan struct{}),
		cancelOps:   make(chan struct{}),
	}
	c.links[p.id] = l
	p.links[c.id] = l
	logger.Debug(c.prefix(), "🔗 connected to %s", p.peer())
	return l, nil
}

func (c *Central) Disconnections() *transport.Stream[transport.Disconnect] {
	r := c.radio
	var box *transport.Mailbox[transport.Disconnect]
	box = transport.NewMailbox[transport.Disconnect](func() {
		r.mu.Lock()
		delete(c.discBoxes, box)
		r.mu.Unlock()
	})
	r.mu.Lock()
	c.discBoxes[box] = struct{}{}
	r.mu.Unlock()
	return box.Stream()
}

func (c *Central) CancelAllOperations(ctx context.Context) {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	c.stopScansLocked()
	for _, l := range c.links {
		l.cancelOpsLocked()
	}
}

// link is one central-to-peripheral connection; it is the central's
// transport.Connection. All fields are guarded by radio.mu except writeMu.
type link struct {
	central    *Central
	peripheral *Peripheral

	subscribed  map[string]bool
	notifyBoxes map[*transport.Mailbox[transport.Notification]]struct{}

	// one outstanding acknowledged write per link
	writeMu     chan struct{}
	ack         chan transport.Result
	awaitingAck bool

	closed    chan struct{}
	cancelOps chan struct{}
}

func (l *link) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *link) cancelOpsLocked() {
	close(l.cancelOps)
	l.cancelOps = make(chan struct{})
}

// teardown must be called with radio.mu held. A non-nil cause means the
// link was lost rather than closed by the central.
func (l *link) teardown(cause error) {
	if l.isClosed() {
		return
	}
	close(l.closed)

	c, p := l.central, l.peripheral
	delete(c.links, p.id)
	delete(p.links, c.id)

	for key := range l.subscribed {
		ev := transport.SubscriptionEvent{Central: c.peer(), CharacteristicID: key, Subscribed: false}
		for box := range p.subBoxes {
			box.Push(ev)
		}
	}
	l.subscribed = make(map[string]bool)

	for box := range l.notifyBoxes {
		box.Close()
	}
	l.notifyBoxes = make(map[*transport.Mailbox[transport.Notification]]struct{})

	if cause != nil {
		ev := transport.Disconnect{Peer: p.peer(), Err: cause}
		for box := range c.discBoxes {
			box.Push(ev)
		}
		logger.Debug(c.prefix(), "💔 lost %s: %v", p.peer(), cause)
	}
}

func (l *link) Peer() transport.Peer {
	l.central.radio.mu.Lock()
	defer l.central.radio.mu.Unlock()
	return l.peripheral.peer()
}

func (l *link) DiscoverService(ctx context.Context, serviceID string) (transport.DiscoveredService, error) {
	r := l.central.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.isClosed() {
		return transport.DiscoveredService{}, transport.ErrNotConnected
	}

	p := l.peripheral
	for _, svc := range p.services {
		if !protocol.SameID(svc.ServiceID, serviceID) {
			continue
		}
		found := transport.DiscoveredService{ServiceID: svc.ServiceID}
		for _, id := range []string{svc.WriteCharID, svc.NotifyCharID} {
			if !p.omitted[charKey(id)] {
				found.CharacteristicIDs = append(found.CharacteristicIDs, id)
			}
		}
		return found, nil
	}
	// Like CoreBluetooth, a missing service is an empty result, not an error
	return transport.DiscoveredService{}, nil
}

func (l *link) Write(ctx context.Context, value []byte, characteristicID string, mode transport.WriteMode) error {
	r := l.central.radio

	if mode == transport.WithResponse {
		select {
		case l.writeMu <- struct{}{}:
			defer func() { <-l.writeMu }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	if l.isClosed() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %w", transport.ErrWriteFailed, transport.ErrNotConnected)
	}
	c, p := l.central, l.peripheral
	c.writeCount++
	if c.failWrite[c.writeCount] {
		n := c.writeCount
		r.mu.Unlock()
		return fmt.Errorf("%w: injected failure on write %d", transport.ErrWriteFailed, n)
	}
	if !p.hasCharacteristic(characteristicID, false) {
		r.mu.Unlock()
		return fmt.Errorf("%w: characteristic %s not found", transport.ErrWriteFailed, characteristicID)
	}

	req := transport.WriteRequest{
		Central:          c.peer(),
		CharacteristicID: characteristicID,
		Value:            clone(value),
		Mode:             mode,
	}
	if mode == transport.WithResponse {
		select {
		case <-l.ack:
		default:
		}
		l.awaitingAck = true
	}
	for box := range p.writeBoxes {
		box.Push([]transport.WriteRequest{req})
	}
	cancelOps := l.cancelOps
	r.mu.Unlock()

	logger.Trace(c.prefix(), "📝 write %d bytes to %s (%s)", len(value), logger.Short(characteristicID), mode)
	if mode == transport.WithoutResponse {
		return nil
	}

	select {
	case result := <-l.ack:
		if result != transport.ResultSuccess {
			return fmt.Errorf("%w: %s", transport.ErrWriteFailed, result)
		}
		return nil
	case <-l.closed:
		return fmt.Errorf("%w: %w", transport.ErrWriteFailed, transport.ErrNotConnected)
	case <-cancelOps:
		return transport.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) SetNotify(ctx context.Context, characteristicID string, enabled bool) error {
	r := l.central.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.isClosed() {
		return transport.ErrNotConnected
	}
	p := l.peripheral
	if !p.hasCharacteristic(characteristicID, true) {
		return fmt.Errorf("characteristic %s does not support notify", characteristicID)
	}

	key := charKey(characteristicID)
	if l.subscribed[key] == enabled {
		return nil
	}
	if enabled {
		l.subscribed[key] = true
	} else {
		delete(l.subscribed, key)
	}

	ev := transport.SubscriptionEvent{Central: l.central.peer(), CharacteristicID: characteristicID, Subscribed: enabled}
	for box := range p.subBoxes {
		box.Push(ev)
	}
	return nil
}

func (l *link) Notifications() *transport.Stream[transport.Notification] {
	r := l.central.radio
	var box *transport.Mailbox[transport.Notification]
	box = transport.NewMailbox[transport.Notification](func() {
		r.mu.Lock()
		delete(l.notifyBoxes, box)
		r.mu.Unlock()
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if l.isClosed() {
		box.Close()
	} else {
		l.notifyBoxes[box] = struct{}{}
	}
	return box.Stream()
}

func (l *link) CancelAllOperations(ctx context.Context) {
	r := l.central.radio
	r.mu.Lock()
	defer r.mu.Unlock()
	l.cancelOpsLocked()
}

func (l *link) Close(ctx context.Context) error {
	r := l.central.radio
	r.mu.Lock()
	defer r.mu.Unlock()
	l.teardown(nil)
	return nil
}
