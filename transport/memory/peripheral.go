package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
)

// Peripheral is an advertiser on the in-process radio. It implements
// transport.PeripheralManager.
type Peripheral struct {
	radio *Radio
	id    string
	name  string
	power *power

	// guarded by radio.mu
	services    []protocol.ServiceDescriptor
	advertising bool
	advService  string
	localName   string
	links       map[string]*link
	subBoxes    map[*transport.Mailbox[transport.SubscriptionEvent]]struct{}
	writeBoxes  map[*transport.Mailbox[[]transport.WriteRequest]]struct{}
	omitted     map[string]bool
	notifyCount int
	failNotify  map[int]bool
}

// NewPeripheral adds a powered-on peripheral to the radio
func (r *Radio) NewPeripheral(name string) *Peripheral {
	p := &Peripheral{
		radio:      r,
		id:         uuid.NewString(),
		name:       name,
		power:      newPower(true),
		links:      make(map[string]*link),
		subBoxes:   make(map[*transport.Mailbox[transport.SubscriptionEvent]]struct{}),
		writeBoxes: make(map[*transport.Mailbox[[]transport.WriteRequest]]struct{}),
		omitted:    make(map[string]bool),
		failNotify: make(map[int]bool),
	}
	r.mu.Lock()
	r.peripherals = append(r.peripherals, p)
	r.mu.Unlock()
	return p
}

// ID is the identifier centrals see for this peripheral
func (p *Peripheral) ID() string { return p.id }

func (p *Peripheral) prefix() string {
	return fmt.Sprintf("%s mem-periph", logger.Short(p.id))
}

// peer must be called with radio.mu held
func (p *Peripheral) peer() transport.Peer {
	name := p.localName
	if name == "" {
		name = p.name
	}
	return transport.Peer{ID: p.id, Name: name}
}

// SetPowered switches the simulated adapter on or off
func (p *Peripheral) SetPowered(on bool) { p.power.set(on) }

// OmitCharacteristic hides a characteristic from discovery and from writes
func (p *Peripheral) OmitCharacteristic(id string) {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	p.omitted[charKey(id)] = true
}

// FailNotifyAt makes the given notify calls (1-based, counted from creation) fail
func (p *Peripheral) FailNotifyAt(n ...int) {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	for _, i := range n {
		p.failNotify[i] = true
	}
}

// DropCentral simulates loss of the link to a central. The central sees a
// Disconnect, the peripheral sees the central unsubscribe.
func (p *Peripheral) DropCentral(centralID string) {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	if l := p.links[centralID]; l != nil {
		l.teardown(ErrLinkLost)
	}
}

// Subscribers returns the centrals currently subscribed to any characteristic
func (p *Peripheral) Subscribers() []transport.Peer {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()

	var out []transport.Peer
	for _, l := range p.links {
		if len(l.subscribed) > 0 {
			out = append(out, l.central.peer())
		}
	}
	return out
}

// hasCharacteristic must be called with radio.mu held
func (p *Peripheral) hasCharacteristic(id string, notify bool) bool {
	if p.omitted[charKey(id)] {
		return false
	}
	for _, svc := range p.services {
		target := svc.WriteCharID
		if notify {
			target = svc.NotifyCharID
		}
		if protocol.SameID(target, id) {
			return true
		}
	}
	return false
}

func (p *Peripheral) WaitUntilReady(ctx context.Context) error {
	return p.power.wait(ctx)
}

func (p *Peripheral) AddService(ctx context.Context, service protocol.ServiceDescriptor) error {
	if !p.power.isOn() {
		return transport.ErrNotReady
	}
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()

	for _, svc := range p.services {
		if protocol.SameID(svc.ServiceID, service.ServiceID) {
			return fmt.Errorf("service %s already registered", service.ServiceID)
		}
	}
	p.services = append(p.services, service)
	logger.Debug(p.prefix(), "📋 added service %s", service.ServiceID)
	return nil
}

func (p *Peripheral) RemoveAllServices(ctx context.Context) error {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	p.services = nil
	return nil
}

func (p *Peripheral) StartAdvertising(ctx context.Context, serviceID, localName string) error {
	if !p.power.isOn() {
		return transport.ErrNotReady
	}
	r := p.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	p.advertising = true
	p.advService = serviceID
	p.localName = localName
	for s := range r.scans {
		s.offer(p)
	}
	logger.Debug(p.prefix(), "📡 advertising %s as %q", serviceID, localName)
	return nil
}

func (p *Peripheral) StopAdvertising(ctx context.Context) error {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	p.advertising = false
	return nil
}

func (p *Peripheral) IsAdvertising() bool {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	return p.advertising
}

func (p *Peripheral) Respond(ctx context.Context, req transport.WriteRequest, result transport.Result) error {
	if req.Mode == transport.WithoutResponse {
		return nil
	}
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()

	l := p.links[req.Central.ID]
	if l == nil {
		return fmt.Errorf("respond to %s: %w", req.Central.ID, transport.ErrNotConnected)
	}
	if !l.awaitingAck {
		return fmt.Errorf("respond to %s: no outstanding write request", req.Central.ID)
	}
	l.awaitingAck = false
	l.ack <- result
	return nil
}

func (p *Peripheral) Notify(ctx context.Context, value []byte, characteristicID string, centrals []transport.Peer) error {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()

	if !p.hasCharacteristic(characteristicID, true) {
		return fmt.Errorf("%w: characteristic %s not found", transport.ErrNotifyFailed, characteristicID)
	}
	p.notifyCount++
	if p.failNotify[p.notifyCount] {
		return fmt.Errorf("%w: injected failure on notify %d", transport.ErrNotifyFailed, p.notifyCount)
	}

	key := charKey(characteristicID)
	targets := centrals
	if len(targets) == 0 {
		for _, l := range p.links {
			if l.subscribed[key] {
				targets = append(targets, l.central.peer())
			}
		}
	}

	var missing []string
	for _, c := range targets {
		l := p.links[c.ID]
		if l == nil || !l.subscribed[key] {
			missing = append(missing, c.ID)
			continue
		}
		for box := range l.notifyBoxes {
			box.Push(transport.Notification{CharacteristicID: characteristicID, Value: clone(value)})
		}
		logger.Trace(p.prefix(), "📤 notify %d bytes to %s", len(value), logger.Short(c.ID))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: not subscribed: %s", transport.ErrNotifyFailed, strings.Join(missing, ", "))
	}
	return nil
}

func (p *Peripheral) SubscriptionEvents() *transport.Stream[transport.SubscriptionEvent] {
	r := p.radio
	var box *transport.Mailbox[transport.SubscriptionEvent]
	box = transport.NewMailbox[transport.SubscriptionEvent](func() {
		r.mu.Lock()
		delete(p.subBoxes, box)
		r.mu.Unlock()
	})
	r.mu.Lock()
	p.subBoxes[box] = struct{}{}
	r.mu.Unlock()
	return box.Stream()
}

func (p *Peripheral) WriteRequests() *transport.Stream[[]transport.WriteRequest] {
	r := p.radio
	var box *transport.Mailbox[[]transport.WriteRequest]
	box = transport.NewMailbox[[]transport.WriteRequest](func() {
		r.mu.Lock()
		delete(p.writeBoxes, box)
		r.mu.Unlock()
	})
	r.mu.Lock()
	p.writeBoxes[box] = struct{}{}
	r.mu.Unlock()
	return box.Stream()
}
