//go:build linux || darwin

package radio

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/transport"
)

// Central is the scanner role on a hardware adapter. It implements
// transport.CentralManager.
type Central struct {
	adapter   *bluetooth.Adapter
	adapterID string

	enableOnce sync.Once
	enableErr  error

	mu        sync.Mutex
	found     map[string]bluetooth.Address // scan results by ID, for Connect
	scanBox   *transport.Mailbox[transport.Peer]
	links     map[string]*link
	discBoxes map[*transport.Mailbox[transport.Disconnect]]struct{}
}

// NewCentral wraps a tinygo adapter. adapterID selects the BlueZ adapter on
// Linux and is ignored on macOS.
func NewCentral(adapterID string) (*Central, error) {
	if adapterID == "" {
		adapterID = DefaultAdapterID
	}
	return &Central{
		adapter:   newAdapter(adapterID),
		adapterID: adapterID,
		found:     make(map[string]bluetooth.Address),
		links:     make(map[string]*link),
		discBoxes: make(map[*transport.Mailbox[transport.Disconnect]]struct{}),
	}, nil
}

func (c *Central) prefix() string {
	return fmt.Sprintf("%s radio-central", c.adapterID)
}

func (c *Central) enable() error {
	c.enableOnce.Do(func() {
		if err := c.adapter.Enable(); err != nil {
			c.enableErr = fmt.Errorf("enable adapter: %w", err)
			return
		}
		c.adapter.SetConnectHandler(c.onConnectionChange)
	})
	return c.enableErr
}

func (c *Central) WaitUntilReady(ctx context.Context) error {
	if err := c.enable(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrNotReady, err)
	}
	return pollPowered(ctx, c.prefix(), func() (bool, error) { return adapterPowered(c.adapterID) })
}

// Scan runs the adapter scan in the background; tinygo's Scan blocks until StopScan
func (c *Central) Scan(ctx context.Context, serviceID string) (*transport.Stream[transport.Peer], error) {
	if err := c.enable(); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrNotReady, err)
	}
	want, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return nil, fmt.Errorf("radio: parse service UUID: %w", err)
	}

	c.mu.Lock()
	if c.scanBox != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("radio: scan already running")
	}
	box := transport.NewMailbox[transport.Peer](func() {
		c.adapter.StopScan()
	})
	c.scanBox = box
	c.mu.Unlock()

	seen := make(map[string]bool)
	go func() {
		err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(want) {
				return
			}
			id := result.Address.String()
			if seen[id] {
				return
			}
			seen[id] = true

			c.mu.Lock()
			c.found[id] = result.Address
			c.mu.Unlock()
			logger.Debug(c.prefix(), "📡 discovered %s (%q, rssi %d)", id, result.LocalName(), result.RSSI)
			box.Push(transport.Peer{ID: id, Name: result.LocalName()})
		})
		if err != nil {
			logger.Warn(c.prefix(), "⚠️  scan ended: %v", err)
		}
		c.mu.Lock()
		if c.scanBox == box {
			c.scanBox = nil
		}
		c.mu.Unlock()
		box.Close()
	}()
	return box.Stream(), nil
}

func (c *Central) StopScan(ctx context.Context) error {
	c.mu.Lock()
	running := c.scanBox != nil
	c.mu.Unlock()
	if !running {
		return nil
	}
	return c.adapter.StopScan()
}

func (c *Central) Connect(ctx context.Context, peer transport.Peer) (transport.Connection, error) {
	c.mu.Lock()
	if l := c.links[peer.ID]; l != nil {
		c.mu.Unlock()
		return l, nil
	}
	addr, ok := c.found[peer.ID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("radio: connect %s: not seen in a scan", peer)
	}

	// tinygo's Connect blocks with its own timeout; ctx only stops the wait
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("radio: connect %s: %w", peer, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("radio: connect %s: %w", peer, res.err)
		}
		l := &link{
			central:     c,
			device:      res.device,
			peer:        peer,
			chars:       make(map[string]bluetooth.DeviceCharacteristic),
			notifyBoxes: make(map[*transport.Mailbox[transport.Notification]]struct{}),
			cancelOps:   make(chan struct{}),
		}
		c.mu.Lock()
		c.links[peer.ID] = l
		c.mu.Unlock()
		logger.Debug(c.prefix(), "🔗 connected to %s", peer)
		return l, nil
	}
}

func (c *Central) Disconnections() *transport.Stream[transport.Disconnect] {
	var box *transport.Mailbox[transport.Disconnect]
	box = transport.NewMailbox[transport.Disconnect](func() {
		c.mu.Lock()
		delete(c.discBoxes, box)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.discBoxes[box] = struct{}{}
	c.mu.Unlock()
	return box.Stream()
}

// CancelAllOperations stops scanning and releases waiters. Requests already
// handed to the stack still run to completion.
func (c *Central) CancelAllOperations(ctx context.Context) {
	c.StopScan(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.links {
		l.CancelAllOperations(ctx)
	}
}

// onConnectionChange is the adapter-level handler; tinygo reports
// disconnects here with connected=false
func (c *Central) onConnectionChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := device.Address.String()
	c.mu.Lock()
	l := c.links[id]
	if l == nil {
		c.mu.Unlock()
		return
	}
	delete(c.links, id)
	if !l.closing {
		ev := transport.Disconnect{Peer: l.peer, Err: ErrLinkLost}
		for box := range c.discBoxes {
			box.Push(ev)
		}
		logger.Debug(c.prefix(), "💔 lost %s", l.peer)
	}
	c.mu.Unlock()
	l.teardown()
}

// link is one hardware connection; it implements transport.Connection
type link struct {
	central *Central
	device  bluetooth.Device
	peer    transport.Peer

	mu          sync.Mutex
	chars       map[string]bluetooth.DeviceCharacteristic
	notifyBoxes map[*transport.Mailbox[transport.Notification]]struct{}
	cancelOps   chan struct{}
	closing     bool // guarded by central.mu
	dead        bool
}

func (l *link) teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead = true
	for box := range l.notifyBoxes {
		box.Close()
	}
	l.notifyBoxes = make(map[*transport.Mailbox[transport.Notification]]struct{})
}

func (l *link) isDead() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dead
}

func (l *link) Peer() transport.Peer { return l.peer }

func (l *link) DiscoverService(ctx context.Context, serviceID string) (transport.DiscoveredService, error) {
	if l.isDead() {
		return transport.DiscoveredService{}, transport.ErrNotConnected
	}
	svcUUID, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return transport.DiscoveredService{}, fmt.Errorf("radio: parse service UUID: %w", err)
	}
	svcs, err := l.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return transport.DiscoveredService{}, fmt.Errorf("radio: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return transport.DiscoveredService{}, nil
	}
	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return transport.DiscoveredService{}, fmt.Errorf("radio: discover characteristics: %w", err)
	}

	found := transport.DiscoveredService{ServiceID: svcs[0].UUID().String()}
	l.mu.Lock()
	for _, ch := range chars {
		id := ch.UUID().String()
		l.chars[charKey(id)] = ch
		found.CharacteristicIDs = append(found.CharacteristicIDs, id)
	}
	l.mu.Unlock()
	return found, nil
}

func (l *link) characteristic(id string) (bluetooth.DeviceCharacteristic, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.chars[charKey(id)]
	return ch, ok
}

func (l *link) Write(ctx context.Context, value []byte, characteristicID string, mode transport.WriteMode) error {
	if l.isDead() {
		return fmt.Errorf("%w: %w", transport.ErrWriteFailed, transport.ErrNotConnected)
	}
	ch, ok := l.characteristic(characteristicID)
	if !ok {
		return fmt.Errorf("%w: characteristic %s not discovered", transport.ErrWriteFailed, characteristicID)
	}

	if mode == transport.WithoutResponse {
		if _, err := ch.WriteWithoutResponse(value); err != nil {
			return fmt.Errorf("%w: %w", transport.ErrWriteFailed, err)
		}
		return nil
	}

	// the stack blocks until the peripheral acknowledges; waiters can give up early
	l.mu.Lock()
	cancelled := l.cancelOps
	l.mu.Unlock()
	done := make(chan error, 1)
	go func() {
		done <- l.writeWithResponse(ch, value)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", transport.ErrWriteFailed, err)
		}
		return nil
	case <-cancelled:
		return transport.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) SetNotify(ctx context.Context, characteristicID string, enabled bool) error {
	if l.isDead() {
		return transport.ErrNotConnected
	}
	ch, ok := l.characteristic(characteristicID)
	if !ok {
		return fmt.Errorf("radio: characteristic %s not discovered", characteristicID)
	}
	if !enabled {
		return ch.EnableNotifications(nil)
	}
	id := ch.UUID().String()
	return ch.EnableNotifications(func(buf []byte) {
		value := append([]byte{}, buf...)
		l.mu.Lock()
		defer l.mu.Unlock()
		for box := range l.notifyBoxes {
			box.Push(transport.Notification{CharacteristicID: id, Value: value})
		}
	})
}

func (l *link) Notifications() *transport.Stream[transport.Notification] {
	var box *transport.Mailbox[transport.Notification]
	box = transport.NewMailbox[transport.Notification](func() {
		l.mu.Lock()
		delete(l.notifyBoxes, box)
		l.mu.Unlock()
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		box.Close()
	} else {
		l.notifyBoxes[box] = struct{}{}
	}
	return box.Stream()
}

func (l *link) CancelAllOperations(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	close(l.cancelOps)
	l.cancelOps = make(chan struct{})
}

func (l *link) Close(ctx context.Context) error {
	c := l.central
	c.mu.Lock()
	l.closing = true
	if c.links[l.peer.ID] == l {
		delete(c.links, l.peer.ID)
	}
	c.mu.Unlock()

	err := l.device.Disconnect()
	l.teardown()
	if err != nil {
		return fmt.Errorf("radio: disconnect %s: %w", l.peer, err)
	}
	return nil
}

var _ transport.CentralManager = (*Central)(nil)
