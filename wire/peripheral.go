package wire

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
	"github.com/user/blexchange/wire/advertising"
	"github.com/user/blexchange/wire/att"
	"github.com/user/blexchange/wire/gatt"
)

// Peripheral is the advertiser role on the socket bus. It implements
// transport.PeripheralManager: the GATT table is published to gatt.json,
// advertisements to advertising.json, and centrals reach it through the
// Wire's listening socket.
type Peripheral struct {
	wire *Wire
	name string

	mu          sync.Mutex
	services    []protocol.ServiceDescriptor
	table       *gatt.Table
	advertising bool
	centrals    map[string]*centralState
	subBoxes    map[*transport.Mailbox[transport.SubscriptionEvent]]struct{}
	writeBoxes  map[*transport.Mailbox[[]transport.WriteRequest]]struct{}
}

// centralState is what the peripheral tracks per connected central
type centralState struct {
	conn *Conn
	cccd *gatt.CCCDManager
	// a Write Request is waiting for Respond (ATT allows one per link)
	pending       bool
	pendingHandle uint16
}

// NewPeripheral creates a peripheral for deviceID. Nothing is published
// until WaitUntilReady.
func NewPeripheral(deviceID, name string) *Peripheral {
	p := &Peripheral{
		wire:       NewWire(deviceID),
		name:       name,
		table:      &gatt.Table{},
		centrals:   make(map[string]*centralState),
		subBoxes:   make(map[*transport.Mailbox[transport.SubscriptionEvent]]struct{}),
		writeBoxes: make(map[*transport.Mailbox[[]transport.WriteRequest]]struct{}),
	}
	p.wire.SetConnectHandler(p.onConnect)
	p.wire.SetDisconnectHandler(p.onDisconnect)
	p.wire.SetPDUHandler(p.onPDU)
	return p
}

// ID is the device ID centrals see
func (p *Peripheral) ID() string { return p.wire.DeviceID() }

func (p *Peripheral) prefix() string {
	return fmt.Sprintf("%s periph", logger.Short(p.ID()))
}

// Close withdraws the advertisement and GATT table and drops every central
func (p *Peripheral) Close() error {
	p.wire.Stop()
	err1 := RemoveAdvertisingData(p.ID())
	err2 := RemoveGATTTable(p.ID())

	p.mu.Lock()
	p.advertising = false
	for box := range p.subBoxes {
		box.Close()
	}
	for box := range p.writeBoxes {
		box.Close()
	}
	p.mu.Unlock()

	if err1 != nil {
		return err1
	}
	return err2
}

// DropCentral closes the link to a central, which sees it as lost
func (p *Peripheral) DropCentral(centralID string) {
	if c, ok := p.wire.Connection(centralID); ok {
		c.Close()
	}
}

// Subscribers returns the centrals subscribed to any characteristic
func (p *Peripheral) Subscribers() []transport.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []transport.Peer
	for id, st := range p.centrals {
		if len(st.cccd.Handles()) > 0 {
			out = append(out, transport.Peer{ID: id})
		}
	}
	return out
}

// WaitUntilReady starts listening; the socket existing is this stack's
// "powered on"
func (p *Peripheral) WaitUntilReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrNotReady, err)
	}
	if err := p.wire.Listen(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrNotReady, err)
	}
	return nil
}

func (p *Peripheral) AddService(ctx context.Context, service protocol.ServiceDescriptor) error {
	if !p.wire.IsListening() {
		return transport.ErrNotReady
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, svc := range p.services {
		if protocol.SameID(svc.ServiceID, service.ServiceID) {
			return fmt.Errorf("service %s already registered", service.ServiceID)
		}
	}
	services := append(append([]protocol.ServiceDescriptor{}, p.services...), service)
	table := buildTable(services)
	if err := WriteGATTTable(p.ID(), table); err != nil {
		return err
	}
	p.services, p.table = services, table
	logger.Debug(p.prefix(), "📋 added service %s", service.ServiceID)
	return nil
}

func buildTable(services []protocol.ServiceDescriptor) *gatt.Table {
	defs := make([]gatt.ServiceDef, 0, len(services))
	for _, svc := range services {
		defs = append(defs, gatt.ExchangeService(svc))
	}
	return gatt.BuildTable(defs)
}

// RemoveAllServices withdraws the table. Existing subscriptions go with it.
func (p *Peripheral) RemoveAllServices(ctx context.Context) error {
	if err := RemoveGATTTable(p.ID()); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range p.centrals {
		p.unsubscribeAllLocked(id, st)
	}
	p.services = nil
	p.table = &gatt.Table{}
	return nil
}

func (p *Peripheral) StartAdvertising(ctx context.Context, serviceID, localName string) error {
	if !p.wire.IsListening() {
		return transport.ErrNotReady
	}
	if localName == "" {
		localName = p.name
	}
	data := advertising.Data{
		Flags:        advertising.FlagLEGeneralDiscoverableMode | advertising.FlagBREDRNotSupported,
		LocalName:    localName,
		ServiceUUIDs: []string{serviceID},
	}
	if err := WriteAdvertisingData(p.ID(), data); err != nil {
		return err
	}
	p.mu.Lock()
	p.advertising = true
	p.mu.Unlock()
	logger.Debug(p.prefix(), "📡 advertising %s as %q", serviceID, localName)
	return nil
}

func (p *Peripheral) StopAdvertising(ctx context.Context) error {
	if err := RemoveAdvertisingData(p.ID()); err != nil {
		return err
	}
	p.mu.Lock()
	p.advertising = false
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) IsAdvertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

func (p *Peripheral) Respond(ctx context.Context, req transport.WriteRequest, result transport.Result) error {
	if req.Mode == transport.WithoutResponse {
		return nil
	}
	p.mu.Lock()
	st := p.centrals[req.Central.ID]
	if st == nil {
		p.mu.Unlock()
		return fmt.Errorf("respond to %s: %w", req.Central.ID, transport.ErrNotConnected)
	}
	if !st.pending {
		p.mu.Unlock()
		return fmt.Errorf("respond to %s: no outstanding write request", req.Central.ID)
	}
	st.pending = false
	handle := st.pendingHandle
	p.mu.Unlock()

	if result == transport.ResultSuccess {
		return st.conn.Send(&att.WriteResponse{})
	}
	return st.conn.Send(&att.ErrorResponse{
		RequestOpcode: att.OpWriteRequest,
		Handle:        handle,
		ErrorCode:     uint8(result),
	})
}

func (p *Peripheral) Notify(ctx context.Context, value []byte, characteristicID string, centrals []transport.Peer) error {
	p.mu.Lock()
	char, ok := p.table.FindCharacteristic(characteristicID)
	if !ok || char.CCCDHandle == 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: characteristic %s not notifiable", transport.ErrNotifyFailed, characteristicID)
	}
	handle := char.ValueHandle

	targets := centrals
	if len(targets) == 0 {
		for id, st := range p.centrals {
			if st.cccd.IsSubscribed(handle) {
				targets = append(targets, transport.Peer{ID: id})
			}
		}
	}
	type send struct {
		id   string
		conn *Conn
	}
	var sends []send
	var missing []string
	for _, c := range targets {
		st := p.centrals[c.ID]
		if st == nil || !st.cccd.IsSubscribed(handle) {
			missing = append(missing, c.ID)
			continue
		}
		sends = append(sends, send{c.ID, st.conn})
	}
	p.mu.Unlock()

	var failed []string
	for _, s := range sends {
		if len(value) > s.conn.MaxValueLen() {
			failed = append(failed, fmt.Sprintf("%s (value %d bytes > %d)", s.id, len(value), s.conn.MaxValueLen()))
			continue
		}
		if err := s.conn.Send(&att.HandleValueNotification{Handle: handle, Value: value}); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", s.id, err))
			continue
		}
		logger.Trace(p.prefix(), "📤 notify %d bytes to %s", len(value), logger.Short(s.id))
	}
	if len(missing) > 0 {
		failed = append(failed, "not subscribed: "+strings.Join(missing, ", "))
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", transport.ErrNotifyFailed, strings.Join(failed, "; "))
	}
	return nil
}

func (p *Peripheral) SubscriptionEvents() *transport.Stream[transport.SubscriptionEvent] {
	var box *transport.Mailbox[transport.SubscriptionEvent]
	box = transport.NewMailbox[transport.SubscriptionEvent](func() {
		p.mu.Lock()
		delete(p.subBoxes, box)
		p.mu.Unlock()
	})
	p.mu.Lock()
	p.subBoxes[box] = struct{}{}
	p.mu.Unlock()
	return box.Stream()
}

func (p *Peripheral) WriteRequests() *transport.Stream[[]transport.WriteRequest] {
	var box *transport.Mailbox[[]transport.WriteRequest]
	box = transport.NewMailbox[[]transport.WriteRequest](func() {
		p.mu.Lock()
		delete(p.writeBoxes, box)
		p.mu.Unlock()
	})
	p.mu.Lock()
	p.writeBoxes[box] = struct{}{}
	p.mu.Unlock()
	return box.Stream()
}

func (p *Peripheral) onConnect(c *Conn) {
	if c.Role() != RolePeripheral {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.centrals[c.RemoteID()] = &centralState{conn: c, cccd: gatt.NewCCCDManager()}
}

func (p *Peripheral) onDisconnect(c *Conn, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.centrals[c.RemoteID()]
	if st == nil || st.conn != c {
		return
	}
	delete(p.centrals, c.RemoteID())
	p.unsubscribeAllLocked(c.RemoteID(), st)
}

// unsubscribeAllLocked clears a central's CCCDs and reports each one
func (p *Peripheral) unsubscribeAllLocked(centralID string, st *centralState) {
	for _, handle := range st.cccd.Clear() {
		char, ok := p.table.ByValueHandle(handle)
		if !ok {
			continue
		}
		p.pushSubscriptionLocked(transport.SubscriptionEvent{
			Central:          transport.Peer{ID: centralID},
			CharacteristicID: char.UUID,
			Subscribed:       false,
		})
	}
}

func (p *Peripheral) pushSubscriptionLocked(ev transport.SubscriptionEvent) {
	for box := range p.subBoxes {
		box.Push(ev)
	}
}

func (p *Peripheral) onPDU(c *Conn, pkt interface{}) {
	switch req := pkt.(type) {
	case *att.WriteRequest:
		p.handleWrite(c, req.Handle, req.Value, transport.WithResponse)
	case *att.WriteCommand:
		p.handleWrite(c, req.Handle, req.Value, transport.WithoutResponse)
	default:
		logger.Debug(p.prefix(), "⚠️  ignoring %T from %s", pkt, logger.Short(c.RemoteID()))
	}
}

func (p *Peripheral) handleWrite(c *Conn, handle uint16, value []byte, mode transport.WriteMode) {
	p.mu.Lock()
	st := p.centrals[c.RemoteID()]
	if st == nil {
		p.mu.Unlock()
		return
	}

	// CCCD write: subscription change
	if char, ok := p.table.ByCCCDHandle(handle); ok {
		changed, err := st.cccd.SetSubscription(char.ValueHandle, value)
		var ev *transport.SubscriptionEvent
		if err == nil && changed {
			ev = &transport.SubscriptionEvent{
				Central:          transport.Peer{ID: c.RemoteID()},
				CharacteristicID: char.UUID,
				Subscribed:       st.cccd.IsSubscribed(char.ValueHandle),
			}
			p.pushSubscriptionLocked(*ev)
		}
		p.mu.Unlock()

		if mode == transport.WithResponse {
			if err != nil {
				code := att.CodeOf(err, att.ErrWriteNotPermitted)
				c.Send(&att.ErrorResponse{RequestOpcode: att.OpWriteRequest, Handle: handle, ErrorCode: code})
			} else {
				c.Send(&att.WriteResponse{})
			}
		}
		if ev != nil {
			logger.Debug(p.prefix(), "🔔 %s subscribed=%v to %s", logger.Short(c.RemoteID()), ev.Subscribed, logger.Short(char.UUID))
		}
		return
	}

	char, ok := p.table.ByValueHandle(handle)
	var code uint8
	switch {
	case !ok:
		code = att.ErrInvalidHandle
	case mode == transport.WithResponse && char.Properties&gatt.PropWrite == 0,
		mode == transport.WithoutResponse && char.Properties&gatt.PropWriteWithoutResponse == 0:
		code = att.ErrWriteNotPermitted
	}
	if code != att.ErrSuccess {
		p.mu.Unlock()
		if mode == transport.WithResponse {
			c.Send(&att.ErrorResponse{RequestOpcode: att.OpWriteRequest, Handle: handle, ErrorCode: code})
		}
		return
	}

	if mode == transport.WithResponse {
		st.pending = true
		st.pendingHandle = handle
	}
	req := transport.WriteRequest{
		Central:          transport.Peer{ID: c.RemoteID()},
		CharacteristicID: char.UUID,
		Value:            value,
		Mode:             mode,
	}
	for box := range p.writeBoxes {
		box.Push([]transport.WriteRequest{req})
	}
	p.mu.Unlock()
	logger.Trace(p.prefix(), "📥 write %d bytes to %s (%s)", len(value), logger.Short(char.UUID), mode)
}
