package wire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/transport"
	"github.com/user/blexchange/util"
	"github.com/user/blexchange/wire/att"
	"github.com/user/blexchange/wire/gatt"
)

// Central is the scanner role on the socket bus. It implements
// transport.CentralManager.
type Central struct {
	wire *Wire
	name string

	mu           sync.Mutex
	scanInterval time.Duration
	links        map[string]*link
	scans        map[*scanner]struct{}
	discBoxes    map[*transport.Mailbox[transport.Disconnect]]struct{}
}

// NewCentral creates a central for deviceID
func NewCentral(deviceID, name string) *Central {
	c := &Central{
		wire:         NewWire(deviceID),
		name:         name,
		scanInterval: DefaultScanInterval,
		links:        make(map[string]*link),
		scans:        make(map[*scanner]struct{}),
		discBoxes:    make(map[*transport.Mailbox[transport.Disconnect]]struct{}),
	}
	c.wire.SetConnectHandler(c.onConnect)
	c.wire.SetPDUHandler(c.onPDU)
	c.wire.SetDisconnectHandler(c.onDisconnect)
	return c
}

// ID is the device ID peripherals see
func (c *Central) ID() string { return c.wire.DeviceID() }

func (c *Central) prefix() string {
	return fmt.Sprintf("%s central", logger.Short(c.ID()))
}

// SetScanInterval changes how often scans re-read advertisements
func (c *Central) SetScanInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.scanInterval = d
	}
}

// Close stops scanning and drops every link
func (c *Central) Close() error {
	c.mu.Lock()
	c.stopScansLocked()
	c.mu.Unlock()
	c.wire.Stop()
	return nil
}

// WaitUntilReady checks that the socket directory is usable
func (c *Central) WaitUntilReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrNotReady, err)
	}
	if _, err := util.GetSocketDir(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrNotReady, err)
	}
	return nil
}

// scanner polls advertisements for one Scan call
type scanner struct {
	serviceID string
	box       *transport.Mailbox[transport.Peer]
	seen      map[string]bool
	stop      chan struct{}
	stopOnce  sync.Once
}

func (s *scanner) halt() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.box.Close()
	})
}

func (c *Central) Scan(ctx context.Context, serviceID string) (*transport.Stream[transport.Peer], error) {
	if err := c.WaitUntilReady(ctx); err != nil {
		return nil, err
	}
	s := &scanner{
		serviceID: serviceID,
		seen:      make(map[string]bool),
		stop:      make(chan struct{}),
	}
	s.box = transport.NewMailbox[transport.Peer](func() {
		c.mu.Lock()
		delete(c.scans, s)
		c.mu.Unlock()
		s.halt()
	})

	c.mu.Lock()
	c.scans[s] = struct{}{}
	interval := c.scanInterval
	c.mu.Unlock()

	go c.runScan(s, interval)
	logger.Debug(c.prefix(), "🔍 scanning for %s", serviceID)
	return s.box.Stream(), nil
}

func (c *Central) runScan(s *scanner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.pollAdvertisements(s)
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// pollAdvertisements reports each advertising device once per scan
func (c *Central) pollAdvertisements(s *scanner) {
	devices, err := ListAvailableDevices(c.ID())
	if err != nil {
		logger.Warn(c.prefix(), "⚠️  listing devices failed: %v", err)
		return
	}
	for _, id := range devices {
		if s.seen[id] {
			continue
		}
		adv, err := ReadAdvertisingData(id)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Debug(c.prefix(), "⚠️  bad advertisement from %s: %v", logger.Short(id), err)
			}
			continue
		}
		if !adv.HasService(s.serviceID) {
			continue
		}
		s.seen[id] = true
		logger.Debug(c.prefix(), "📡 discovered %s (%q)", logger.Short(id), adv.LocalName)
		s.box.Push(transport.Peer{ID: id, Name: adv.LocalName})
	}
}

func (c *Central) StopScan(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopScansLocked()
	return nil
}

func (c *Central) stopScansLocked() {
	for s := range c.scans {
		s.halt()
		delete(c.scans, s)
	}
}

func (c *Central) Connect(ctx context.Context, peer transport.Peer) (transport.Connection, error) {
	c.mu.Lock()
	if l := c.links[peer.ID]; l != nil {
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	conn, err := c.wire.Dial(ctx, peer.ID)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", peer, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.links[peer.ID]
	if l == nil || l.conn != conn {
		// lost between the handshake and now
		return nil, fmt.Errorf("connect %s: %w", peer, transport.ErrNotConnected)
	}
	if peer.Name != "" {
		l.peer.Name = peer.Name
	}
	logger.Debug(c.prefix(), "🔗 connected to %s (mtu %d)", l.peer, conn.MTU())
	return l, nil
}

// onConnect tracks the link before its read loop starts, so a disconnect
// can never be missed
func (c *Central) onConnect(conn *Conn) {
	if conn.Role() != RoleCentral {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[conn.RemoteID()] = &link{
		central:     c,
		conn:        conn,
		peer:        transport.Peer{ID: conn.RemoteID()},
		writeMu:     make(chan struct{}, 1),
		ack:         make(chan error, 1),
		notifyBoxes: make(map[*transport.Mailbox[transport.Notification]]struct{}),
		cancelOps:   make(chan struct{}),
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

func (c *Central) CancelAllOperations(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopScansLocked()
	for _, l := range c.links {
		l.CancelAllOperations(ctx)
	}
}

func (c *Central) linkFor(conn *Conn) *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.links[conn.RemoteID()]
	if l == nil || l.conn != conn {
		return nil
	}
	return l
}

func (c *Central) onPDU(conn *Conn, pkt interface{}) {
	l := c.linkFor(conn)
	if l == nil {
		return
	}
	switch p := pkt.(type) {
	case *att.WriteResponse:
		l.deliverAck(nil)
	case *att.ErrorResponse:
		l.deliverAck(att.NewError(p.ErrorCode, p.RequestOpcode, p.Handle))
	case *att.HandleValueNotification:
		l.deliverNotification(p.Handle, p.Value)
	default:
		logger.Debug(c.prefix(), "⚠️  ignoring %T from %s", pkt, logger.Short(conn.RemoteID()))
	}
}

func (c *Central) onDisconnect(conn *Conn, cause error) {
	c.mu.Lock()
	l := c.links[conn.RemoteID()]
	if l == nil || l.conn != conn {
		c.mu.Unlock()
		return
	}
	delete(c.links, conn.RemoteID())
	if cause != nil {
		ev := transport.Disconnect{Peer: l.peer, Err: cause}
		for box := range c.discBoxes {
			box.Push(ev)
		}
		logger.Debug(c.prefix(), "💔 lost %s: %v", l.peer, cause)
	}
	c.mu.Unlock()

	l.mu.Lock()
	l.dead = true
	for box := range l.notifyBoxes {
		box.Close()
	}
	l.notifyBoxes = make(map[*transport.Mailbox[transport.Notification]]struct{})
	l.mu.Unlock()
}

// link is the central's transport.Connection over one Conn
type link struct {
	central *Central
	conn    *Conn
	peer    transport.Peer

	// one outstanding ATT request per link
	writeMu chan struct{}
	ack     chan error

	mu          sync.Mutex
	table       *gatt.Table
	notifyBoxes map[*transport.Mailbox[transport.Notification]]struct{}
	cancelOps   chan struct{}
	dead        bool // teardown ran; no new notification streams
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dead
}

func (l *link) deliverAck(err error) {
	select {
	case l.ack <- err:
	default:
		logger.Debug(l.central.prefix(), "⚠️  unexpected response from %s", logger.Short(l.conn.RemoteID()))
	}
}

func (l *link) deliverNotification(handle uint16, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.table == nil {
		return
	}
	char, ok := l.table.ByValueHandle(handle)
	if !ok {
		return
	}
	for box := range l.notifyBoxes {
		box.Push(transport.Notification{CharacteristicID: char.UUID, Value: value})
	}
}

func (l *link) Peer() transport.Peer {
	l.central.mu.Lock()
	defer l.central.mu.Unlock()
	return l.peer
}

// DiscoverService reads the peripheral's published table. A missing
// service is an empty result, not an error.
func (l *link) DiscoverService(ctx context.Context, serviceID string) (transport.DiscoveredService, error) {
	if l.isClosed() {
		return transport.DiscoveredService{}, transport.ErrNotConnected
	}
	table, err := ReadGATTTable(l.conn.RemoteID())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return transport.DiscoveredService{}, nil
		}
		return transport.DiscoveredService{}, fmt.Errorf("discover %s: %w", logger.Short(l.conn.RemoteID()), err)
	}
	l.mu.Lock()
	l.table = table
	l.mu.Unlock()

	svc, ok := table.FindService(serviceID)
	if !ok {
		return transport.DiscoveredService{}, nil
	}
	found := transport.DiscoveredService{ServiceID: svc.UUID}
	for _, char := range svc.Characteristics {
		found.CharacteristicIDs = append(found.CharacteristicIDs, char.UUID)
	}
	return found, nil
}

func (l *link) characteristic(id string) (gatt.Characteristic, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.table == nil {
		return gatt.Characteristic{}, false
	}
	char, ok := l.table.FindCharacteristic(id)
	if !ok {
		return gatt.Characteristic{}, false
	}
	return *char, true
}

func (l *link) Write(ctx context.Context, value []byte, characteristicID string, mode transport.WriteMode) error {
	if l.isClosed() {
		return fmt.Errorf("%w: %w", transport.ErrWriteFailed, transport.ErrNotConnected)
	}
	char, ok := l.characteristic(characteristicID)
	if !ok {
		return fmt.Errorf("%w: characteristic %s not found", transport.ErrWriteFailed, characteristicID)
	}
	if max := l.conn.MaxValueLen(); len(value) > max {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", transport.ErrWriteFailed, len(value), max)
	}

	if mode == transport.WithoutResponse {
		if err := l.conn.Send(&att.WriteCommand{Handle: char.ValueHandle, Value: value}); err != nil {
			return fmt.Errorf("%w: %w", transport.ErrWriteFailed, err)
		}
		logger.Trace(l.central.prefix(), "📝 write command %d bytes to %s", len(value), logger.Short(characteristicID))
		return nil
	}

	if err := l.request(ctx, char.ValueHandle, value); err != nil {
		if errors.Is(err, transport.ErrCancelled) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			return err
		}
		return fmt.Errorf("%w: %w", transport.ErrWriteFailed, err)
	}
	return nil
}

// request sends a Write Request and waits for its response
func (l *link) request(ctx context.Context, handle uint16, value []byte) error {
	select {
	case l.writeMu <- struct{}{}:
		defer func() { <-l.writeMu }()
	case <-ctx.Done():
		return ctx.Err()
	}

	// A response that arrived after its requester gave up is stale
	select {
	case <-l.ack:
	default:
	}

	l.mu.Lock()
	cancelOps := l.cancelOps
	l.mu.Unlock()

	if err := l.conn.Send(&att.WriteRequest{Handle: handle, Value: value}); err != nil {
		return err
	}
	select {
	case err := <-l.ack:
		return err
	case <-l.conn.Done():
		return transport.ErrNotConnected
	case <-cancelOps:
		return transport.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) SetNotify(ctx context.Context, characteristicID string, enabled bool) error {
	if l.isClosed() {
		return transport.ErrNotConnected
	}
	char, ok := l.characteristic(characteristicID)
	if !ok || char.CCCDHandle == 0 {
		return fmt.Errorf("characteristic %s does not support notify", characteristicID)
	}
	if err := l.request(ctx, char.CCCDHandle, gatt.EncodeCCCDValue(enabled, false)); err != nil {
		return fmt.Errorf("set notify on %s: %w", logger.Short(characteristicID), err)
	}
	return nil
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

// Close disconnects and waits for the link's teardown to finish
func (l *link) Close(ctx context.Context) error {
	l.conn.Close()
	select {
	case <-l.conn.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ transport.CentralManager    = (*Central)(nil)
	_ transport.PeripheralManager = (*Peripheral)(nil)
)
