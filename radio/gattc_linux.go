package radio

import "tinygo.org/x/bluetooth"

func newAdapter(adapterID string) *bluetooth.Adapter {
	return bluetooth.NewAdapter(adapterID)
}

func (l *link) writeWithResponse(ch bluetooth.DeviceCharacteristic, value []byte) error {
	return writeCharacteristicRequest(l.central.adapterID, l.device.Address.String(), ch.UUID().String(), value)
}
