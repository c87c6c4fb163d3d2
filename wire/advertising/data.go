// Package advertising encodes the legacy advertising payload a peripheral
// broadcasts: a list of AD structures ([len][type][data]) of at most 31 bytes.
package advertising

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AD types used by the exchange service
const (
	ADTypeFlags                        = 0x01
	ADTypeIncomplete128BitServiceUUIDs = 0x06
	ADTypeComplete128BitServiceUUIDs   = 0x07
	ADTypeShortenedLocalName           = 0x08
	ADTypeCompleteLocalName            = 0x09
	ADTypeTxPowerLevel                 = 0x0A
)

// Flags values
const (
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

// MaxDataLen is the legacy advertising payload limit
const MaxDataLen = 31

var ErrTooLong = errors.New("advertising data exceeds 31 bytes")

// Structure is one TLV entry. The encoded length byte covers Type and Data.
type Structure struct {
	Type byte
	Data []byte
}

// Data is the decoded view of an advertising payload
type Data struct {
	Flags        byte
	LocalName    string
	Shortened    bool // LocalName was cut to fit
	ServiceUUIDs []string
}

// Encode builds the payload. Service UUIDs always go in; the local name is
// shortened to whatever room is left, like CoreBluetooth does.
func (d Data) Encode() ([]byte, error) {
	structures := []Structure{{Type: ADTypeFlags, Data: []byte{d.Flags}}}

	if len(d.ServiceUUIDs) > 0 {
		var raw []byte
		for _, s := range d.ServiceUUIDs {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("service uuid %q: %w", s, err)
			}
			raw = append(raw, reversed(id)...)
		}
		structures = append(structures, Structure{Type: ADTypeComplete128BitServiceUUIDs, Data: raw})
	}

	if d.LocalName != "" {
		used := encodedLen(structures)
		room := MaxDataLen - used - 2
		name := []byte(d.LocalName)
		switch {
		case room <= 0:
		case len(name) <= room:
			structures = append(structures, Structure{Type: ADTypeCompleteLocalName, Data: name})
		default:
			structures = append(structures, Structure{Type: ADTypeShortenedLocalName, Data: name[:room]})
		}
	}

	return EncodeStructures(structures)
}

// Decode parses a payload produced by any advertiser
func Decode(payload []byte) (Data, error) {
	structures, err := DecodeStructures(payload)
	if err != nil {
		return Data{}, err
	}
	var d Data
	for _, s := range structures {
		switch s.Type {
		case ADTypeFlags:
			if len(s.Data) > 0 {
				d.Flags = s.Data[0]
			}
		case ADTypeCompleteLocalName:
			d.LocalName = string(s.Data)
		case ADTypeShortenedLocalName:
			d.LocalName = string(s.Data)
			d.Shortened = true
		case ADTypeComplete128BitServiceUUIDs, ADTypeIncomplete128BitServiceUUIDs:
			if len(s.Data)%16 != 0 {
				return Data{}, fmt.Errorf("128-bit uuid list has %d bytes", len(s.Data))
			}
			for i := 0; i < len(s.Data); i += 16 {
				var id uuid.UUID
				copy(id[:], reversed(uuid.UUID(s.Data[i:i+16])))
				d.ServiceUUIDs = append(d.ServiceUUIDs, id.String())
			}
		}
	}
	return d, nil
}

// HasService reports whether serviceID is advertised (case-insensitive)
func (d Data) HasService(serviceID string) bool {
	want, err := uuid.Parse(serviceID)
	if err != nil {
		return false
	}
	for _, s := range d.ServiceUUIDs {
		if id, err := uuid.Parse(s); err == nil && id == want {
			return true
		}
	}
	return false
}

// EncodeStructures serializes TLV entries
func EncodeStructures(structures []Structure) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		if 1+len(s.Data) > 255 {
			return nil, fmt.Errorf("AD structure 0x%02X too long: %d bytes", s.Type, len(s.Data))
		}
		buf = append(buf, byte(1+len(s.Data)), s.Type)
		buf = append(buf, s.Data...)
	}
	if len(buf) > MaxDataLen {
		return nil, fmt.Errorf("%w: %d", ErrTooLong, len(buf))
	}
	return buf, nil
}

// DecodeStructures splits a payload into TLV entries. A zero length byte
// ends the payload (padding).
func DecodeStructures(payload []byte) ([]Structure, error) {
	var structures []Structure
	for off := 0; off < len(payload); {
		n := int(payload[off])
		if n == 0 {
			break
		}
		off++
		if off+n > len(payload) {
			return nil, fmt.Errorf("AD structure length %d exceeds remaining %d bytes", n, len(payload)-off)
		}
		structures = append(structures, Structure{
			Type: payload[off],
			Data: append([]byte{}, payload[off+1:off+n]...),
		})
		off += n
	}
	return structures, nil
}

func encodedLen(structures []Structure) int {
	n := 0
	for _, s := range structures {
		n += 2 + len(s.Data)
	}
	return n
}

// reversed returns the little-endian byte order used on air
func reversed(id uuid.UUID) []byte {
	out := make([]byte, len(id))
	for i := range id {
		out[len(id)-1-i] = id[i]
	}
	return out
}
