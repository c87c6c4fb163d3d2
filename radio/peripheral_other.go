//go:build !linux

package radio

import "github.com/user/blexchange/transport"

// NewPeripheral fails off Linux: tinygo bluetooth only has a GATT server on BlueZ
func NewPeripheral(adapterID string) (transport.PeripheralManager, error) {
	return nil, ErrUnsupported
}
