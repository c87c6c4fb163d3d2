package gatt

import (
	"fmt"

	"github.com/user/blexchange/protocol"
)

// Characteristic Properties (bitmask)
const (
	PropBroadcast            = 0x01
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
)

// Table is a peripheral's attribute table as seen by discovery.
// Handles are assigned the way a GATT server lays them out: service
// declaration, then per characteristic a declaration, the value and,
// for notifiable characteristics, a CCCD.
type Table struct {
	Services []Service `json:"services"`
}

// Service is one service declaration and its handle range
type Service struct {
	UUID            string           `json:"uuid"`
	StartHandle     uint16           `json:"start_handle"`
	EndHandle       uint16           `json:"end_handle"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Characteristic is one characteristic and its handles
type Characteristic struct {
	UUID        string `json:"uuid"`
	Properties  uint8  `json:"properties"`
	ValueHandle uint16 `json:"value_handle"`
	CCCDHandle  uint16 `json:"cccd_handle,omitempty"`
}

// CharacteristicDef describes a characteristic to be placed in a Table
type CharacteristicDef struct {
	UUID       string
	Properties uint8
}

// ServiceDef describes a service to be placed in a Table
type ServiceDef struct {
	UUID            string
	Characteristics []CharacteristicDef
}

// ExchangeService returns the definition of the exchange service for d
func ExchangeService(d protocol.ServiceDescriptor) ServiceDef {
	return ServiceDef{
		UUID: d.ServiceID,
		Characteristics: []CharacteristicDef{
			{UUID: d.WriteCharID, Properties: PropWrite | PropWriteWithoutResponse},
			{UUID: d.NotifyCharID, Properties: PropNotify | PropIndicate},
		},
	}
}

// BuildTable assigns handles starting at 0x0001
func BuildTable(defs []ServiceDef) *Table {
	t := &Table{}
	next := uint16(1)
	for _, def := range defs {
		svc := Service{UUID: def.UUID, StartHandle: next}
		next++
		for _, c := range def.Characteristics {
			next++ // characteristic declaration
			char := Characteristic{UUID: c.UUID, Properties: c.Properties, ValueHandle: next}
			next++
			if c.Properties&(PropNotify|PropIndicate) != 0 {
				char.CCCDHandle = next
				next++
			}
			svc.Characteristics = append(svc.Characteristics, char)
		}
		svc.EndHandle = next - 1
		t.Services = append(t.Services, svc)
	}
	return t
}

// FindService returns the service with the given UUID
func (t *Table) FindService(uuid string) (*Service, bool) {
	for i := range t.Services {
		if protocol.SameID(t.Services[i].UUID, uuid) {
			return &t.Services[i], true
		}
	}
	return nil, false
}

// FindCharacteristic returns the characteristic with the given UUID in any service
func (t *Table) FindCharacteristic(uuid string) (*Characteristic, bool) {
	for i := range t.Services {
		for j := range t.Services[i].Characteristics {
			if protocol.SameID(t.Services[i].Characteristics[j].UUID, uuid) {
				return &t.Services[i].Characteristics[j], true
			}
		}
	}
	return nil, false
}

// ByValueHandle resolves a value handle to its characteristic
func (t *Table) ByValueHandle(handle uint16) (*Characteristic, bool) {
	for i := range t.Services {
		for j := range t.Services[i].Characteristics {
			if t.Services[i].Characteristics[j].ValueHandle == handle {
				return &t.Services[i].Characteristics[j], true
			}
		}
	}
	return nil, false
}

// ByCCCDHandle resolves a CCCD handle to the characteristic it configures
func (t *Table) ByCCCDHandle(handle uint16) (*Characteristic, bool) {
	if handle == 0 {
		return nil, false
	}
	for i := range t.Services {
		for j := range t.Services[i].Characteristics {
			if t.Services[i].Characteristics[j].CCCDHandle == handle {
				return &t.Services[i].Characteristics[j], true
			}
		}
	}
	return nil, false
}

func (c Characteristic) String() string {
	return fmt.Sprintf("%s (value 0x%04X)", c.UUID, c.ValueHandle)
}
