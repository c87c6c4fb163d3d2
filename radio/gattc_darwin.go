package radio

import "tinygo.org/x/bluetooth"

// CoreBluetooth has a single adapter
func newAdapter(adapterID string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}

func (l *link) writeWithResponse(ch bluetooth.DeviceCharacteristic, value []byte) error {
	_, err := ch.Write(value)
	return err
}
