//go:build linux

package radio

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
)

// bluezCentral stands in for the remote side. BlueZ does not tell GATT
// servers which central wrote, so every write is attributed to it.
var bluezCentral = transport.Peer{ID: "bluez", Name: "BlueZ central"}

// Peripheral is the advertiser role on a BlueZ adapter. It implements
// transport.PeripheralManager.
type Peripheral struct {
	adapter   *bluetooth.Adapter
	adapterID string

	enableOnce sync.Once
	enableErr  error

	mu          sync.Mutex
	services    []protocol.ServiceDescriptor
	notifyChars map[string]*bluetooth.Characteristic
	advertising bool
	subscribed  bool
	subBoxes    map[*transport.Mailbox[transport.SubscriptionEvent]]struct{}
	writeBoxes  map[*transport.Mailbox[[]transport.WriteRequest]]struct{}
}

// NewPeripheral binds to the BlueZ adapter adapterID ("hci0" when empty)
func NewPeripheral(adapterID string) (*Peripheral, error) {
	if adapterID == "" {
		adapterID = DefaultAdapterID
	}
	return &Peripheral{
		adapter:     bluetooth.NewAdapter(adapterID),
		adapterID:   adapterID,
		notifyChars: make(map[string]*bluetooth.Characteristic),
		subBoxes:    make(map[*transport.Mailbox[transport.SubscriptionEvent]]struct{}),
		writeBoxes:  make(map[*transport.Mailbox[[]transport.WriteRequest]]struct{}),
	}, nil
}

func (p *Peripheral) prefix() string {
	return fmt.Sprintf("%s radio-periph", p.adapterID)
}

func (p *Peripheral) WaitUntilReady(ctx context.Context) error {
	if err := pollPowered(ctx, p.prefix(), func() (bool, error) { return adapterPowered(p.adapterID) }); err != nil {
		return err
	}
	p.enableOnce.Do(func() {
		if err := p.adapter.Enable(); err != nil {
			p.enableErr = fmt.Errorf("%w: enable adapter: %w", transport.ErrNotReady, err)
		}
	})
	return p.enableErr
}

func (p *Peripheral) AddService(ctx context.Context, service protocol.ServiceDescriptor) error {
	svcUUID, err := bluetooth.ParseUUID(service.ServiceID)
	if err != nil {
		return fmt.Errorf("radio: parse service UUID: %w", err)
	}
	writeUUID, err := bluetooth.ParseUUID(service.WriteCharID)
	if err != nil {
		return fmt.Errorf("radio: parse write characteristic UUID: %w", err)
	}
	notifyUUID, err := bluetooth.ParseUUID(service.NotifyCharID)
	if err != nil {
		return fmt.Errorf("radio: parse notify characteristic UUID: %w", err)
	}

	p.mu.Lock()
	for _, s := range p.services {
		if protocol.SameID(s.ServiceID, service.ServiceID) {
			p.mu.Unlock()
			return fmt.Errorf("radio: service %s already added", service.ServiceID)
		}
	}
	p.mu.Unlock()

	notify := &bluetooth.Characteristic{}
	writeCharID := service.WriteCharID
	err = p.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID: writeUUID,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					p.onWrite(writeCharID, value)
				},
			},
			{
				Handle: notify,
				UUID:   notifyUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("radio: register service %s: %w", service.ServiceID, err)
	}

	p.mu.Lock()
	p.services = append(p.services, service)
	p.notifyChars[charKey(service.NotifyCharID)] = notify
	p.mu.Unlock()
	logger.Debug(p.prefix(), "🧩 registered service %s", service.ServiceID)
	return nil
}

// RemoveAllServices forgets the registered services. BlueZ keeps the GATT
// application until the process exits; writes to it are dropped.
func (p *Peripheral) RemoveAllServices(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribed && len(p.services) > 0 {
		p.pushSubscriptionLocked(p.services[0].NotifyCharID, false)
	}
	p.subscribed = false
	p.services = nil
	p.notifyChars = make(map[string]*bluetooth.Characteristic)
	return nil
}

func (p *Peripheral) StartAdvertising(ctx context.Context, serviceID, localName string) error {
	svcUUID, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return fmt.Errorf("radio: parse service UUID: %w", err)
	}
	adv := p.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	})
	if err != nil {
		return fmt.Errorf("radio: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("radio: start advertising: %w", err)
	}

	p.mu.Lock()
	p.advertising = true
	p.mu.Unlock()
	logger.Info(p.prefix(), "📢 advertising %q with %s", localName, serviceID)
	return nil
}

func (p *Peripheral) StopAdvertising(ctx context.Context) error {
	p.mu.Lock()
	was := p.advertising
	p.advertising = false
	p.mu.Unlock()
	if !was {
		return nil
	}
	if err := p.adapter.DefaultAdvertisement().Stop(); err != nil {
		return fmt.Errorf("radio: stop advertising: %w", err)
	}
	return nil
}

func (p *Peripheral) IsAdvertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

// Respond is a no-op: BlueZ has already acknowledged the write by the
// time WriteEvent runs
func (p *Peripheral) Respond(ctx context.Context, req transport.WriteRequest, result transport.Result) error {
	if result != transport.ResultSuccess {
		logger.Debug(p.prefix(), "cannot report %s to %s, BlueZ acknowledged already", result, req.Central)
	}
	return nil
}

// Notify updates the characteristic value; BlueZ forwards it to every
// subscribed central, so centrals is only checked for emptiness
func (p *Peripheral) Notify(ctx context.Context, value []byte, characteristicID string, centrals []transport.Peer) error {
	if len(centrals) == 0 {
		return nil
	}
	p.mu.Lock()
	ch := p.notifyChars[charKey(characteristicID)]
	p.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: unknown characteristic %s", transport.ErrNotifyFailed, characteristicID)
	}
	if _, err := ch.Write(value); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrNotifyFailed, err)
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

// Close stops advertising and closes every stream
func (p *Peripheral) Close() error {
	err := p.StopAdvertising(context.Background())
	p.mu.Lock()
	defer p.mu.Unlock()
	for box := range p.subBoxes {
		box.Close()
	}
	for box := range p.writeBoxes {
		box.Close()
	}
	return err
}

func (p *Peripheral) pushSubscriptionLocked(notifyCharID string, subscribed bool) {
	ev := transport.SubscriptionEvent{Central: bluezCentral, CharacteristicID: notifyCharID, Subscribed: subscribed}
	for box := range p.subBoxes {
		box.Push(ev)
	}
}

// onWrite runs on the D-Bus dispatch goroutine. A central that writes is
// assumed to have subscribed already, which is the order the scanner uses.
func (p *Peripheral) onWrite(charID string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.services) == 0 {
		return
	}
	if !p.subscribed {
		p.subscribed = true
		p.pushSubscriptionLocked(p.services[0].NotifyCharID, true)
	}
	req := transport.WriteRequest{
		Central:          bluezCentral,
		CharacteristicID: charID,
		Value:            append([]byte{}, value...),
		Mode:             transport.WithoutResponse,
	}
	for box := range p.writeBoxes {
		box.Push([]transport.WriteRequest{req})
	}
}

var _ transport.PeripheralManager = (*Peripheral)(nil)
