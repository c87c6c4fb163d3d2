// Package transport describes the BLE stack the exchange sessions run on.
//
// The sessions never talk to a radio directly. They consume a
// PeripheralManager (advertiser role) or a CentralManager (scanner role),
// shaped after CoreBluetooth's managers, and receive live updates as typed
// Streams that they own and cancel explicitly.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/wire/att"
)

// Error taxonomy shared by every transport implementation
var (
	ErrNotReady     = errors.New("transport not ready")
	ErrWriteFailed  = errors.New("write failed")
	ErrNotifyFailed = errors.New("notify failed")
	ErrNotConnected = errors.New("not connected")
	ErrCancelled    = errors.New("operation cancelled")
)

// WriteMode selects fire-and-forget or acknowledged characteristic writes
type WriteMode int

const (
	WithoutResponse WriteMode = iota
	WithResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "withoutResponse"
	}
	return "withResponse"
}

// ParseWriteMode accepts "with_response" / "without_response" (and the camelCase forms)
func ParseWriteMode(s string) (WriteMode, error) {
	switch s {
	case "with_response", "withResponse":
		return WithResponse, nil
	case "", "without_response", "withoutResponse":
		return WithoutResponse, nil
	default:
		return WithoutResponse, fmt.Errorf("unknown write mode %q", s)
	}
}

// Result is the ATT status a peripheral sends back for a write request
type Result uint8

const (
	ResultSuccess           Result = att.ErrSuccess
	ResultWriteNotPermitted Result = att.ErrWriteNotPermitted
	ResultAttributeNotFound Result = att.ErrAttributeNotFound
)

func (r Result) String() string {
	if name, ok := att.ErrorNames[uint8(r)]; ok {
		return name
	}
	return fmt.Sprintf("Result(0x%02X)", uint8(r))
}

// Peer is a remote party, a central seen by a peripheral or a peripheral seen by a central
type Peer struct {
	ID   string
	Name string
}

func (p Peer) String() string {
	if p.Name == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.ID)
}

// WriteRequest is an inbound write from a central to a local characteristic
type WriteRequest struct {
	Central          Peer
	CharacteristicID string
	Value            []byte
	Mode             WriteMode
}

// SubscriptionEvent reports a change of a central's notify subscription
type SubscriptionEvent struct {
	Central          Peer
	CharacteristicID string
	Subscribed       bool
}

// Notification is a value pushed by a peripheral on a subscribed characteristic
type Notification struct {
	CharacteristicID string
	Value            []byte
}

// Disconnect reports the loss of a connection to Peer
type Disconnect struct {
	Peer Peer
	Err  error
}

// DiscoveredService is the result of service + characteristic discovery
type DiscoveredService struct {
	ServiceID         string
	CharacteristicIDs []string
}

// PeripheralManager is the advertiser side of the stack
type PeripheralManager interface {
	WaitUntilReady(ctx context.Context) error
	AddService(ctx context.Context, service protocol.ServiceDescriptor) error
	RemoveAllServices(ctx context.Context) error
	StartAdvertising(ctx context.Context, serviceID, localName string) error
	StopAdvertising(ctx context.Context) error
	IsAdvertising() bool

	// Respond acknowledges a with-response write
	Respond(ctx context.Context, req WriteRequest, result Result) error
	// Notify pushes value to the listed subscribed centrals
	Notify(ctx context.Context, value []byte, characteristicID string, centrals []Peer) error

	SubscriptionEvents() *Stream[SubscriptionEvent]
	WriteRequests() *Stream[[]WriteRequest]
}

// CentralManager is the scanner side of the stack
type CentralManager interface {
	WaitUntilReady(ctx context.Context) error
	// Scan reports peripherals advertising serviceID in arrival order
	Scan(ctx context.Context, serviceID string) (*Stream[Peer], error)
	StopScan(ctx context.Context) error
	Connect(ctx context.Context, peer Peer) (Connection, error)
	Disconnections() *Stream[Disconnect]
	CancelAllOperations(ctx context.Context)
}

// Connection is an established link from a central to one peripheral
type Connection interface {
	Peer() Peer
	DiscoverService(ctx context.Context, serviceID string) (DiscoveredService, error)
	Write(ctx context.Context, value []byte, characteristicID string, mode WriteMode) error
	SetNotify(ctx context.Context, characteristicID string, enabled bool) error
	Notifications() *Stream[Notification]
	CancelAllOperations(ctx context.Context)
	Close(ctx context.Context) error
}
