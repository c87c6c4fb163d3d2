// Package protocol holds the wire contract shared by both exchange roles: the
// well-known service and characteristic identifiers, and the Message codec.
package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// Well-known identifiers. Both roles must agree on these out-of-band.
const (
	ServiceUUID = "E88002B2-3A05-4F71-9332-CE59CF8DCDA6"

	// PeripheralToCentralCharUUID carries notifications from the advertiser to the scanner
	PeripheralToCentralCharUUID = "E88002B3-3A05-4F71-9332-CE59CF8DCDA6"

	// CentralToPeripheralCharUUID receives writes from the scanner
	CentralToPeripheralCharUUID = "E88002B4-3A05-4F71-9332-CE59CF8DCDA6"

	// DefaultLocalName is advertised when no name is configured
	DefaultLocalName = "Cookbook"
)

// ServiceDescriptor names the exchange service and its two characteristics
type ServiceDescriptor struct {
	ServiceID    string
	WriteCharID  string // central -> peripheral
	NotifyCharID string // peripheral -> central
}

// Descriptor returns the compile-time exchange service descriptor
func Descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		ServiceID:    ServiceUUID,
		WriteCharID:  CentralToPeripheralCharUUID,
		NotifyCharID: PeripheralToCentralCharUUID,
	}
}

// SameID reports whether two identifiers name the same attribute.
// 128-bit UUIDs compare by value so that case and brace differences
// between stacks do not matter; anything else compares case-insensitively.
func SameID(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA == nil && errB == nil {
		return ua == ub
	}
	return strings.EqualFold(a, b)
}
