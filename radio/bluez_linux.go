package radio

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// adapterPowered reads org.bluez.Adapter1.Powered for adapterID over the system bus
func adapterPowered(adapterID string) (bool, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("bluetooth: system bus: %w", err)
	}
	adapter := bus.Object("org.bluez", dbus.ObjectPath("/org/bluez/"+adapterID))
	v, err := adapter.GetProperty("org.bluez.Adapter1.Powered")
	if err != nil {
		if dbusErr, ok := err.(dbus.Error); ok && dbusErr.Name == "org.freedesktop.DBus.Error.UnknownObject" {
			return false, fmt.Errorf("bluetooth: adapter %s does not exist", adapter.Path())
		}
		return false, fmt.Errorf("bluetooth: read Powered: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluetooth: unexpected Powered value %v", v)
	}
	return powered, nil
}

// writeCharacteristicRequest performs an acknowledged write on the remote
// characteristic charUUID of device addr. tinygo only exposes write commands
// on Linux, so the GattCharacteristic1 object is looked up and driven directly.
func writeCharacteristicRequest(adapterID, addr, charUUID string, value []byte) error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluetooth: system bus: %w", err)
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err = bus.Object("org.bluez", "/").
		Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return fmt.Errorf("bluetooth: list objects: %w", err)
	}

	prefix := devicePath(adapterID, addr) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces["org.bluez.GattCharacteristic1"]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		id, _ := props["UUID"].Value().(string)
		if !strings.EqualFold(id, charUUID) {
			continue
		}
		options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
		return bus.Object("org.bluez", path).
			Call("org.bluez.GattCharacteristic1.WriteValue", 0, value, options).Err
	}
	return fmt.Errorf("bluetooth: characteristic %s not found under %s", charUUID, prefix)
}

// devicePath is BlueZ's object path for a remote device, e.g.
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF
func devicePath(adapterID, addr string) string {
	return "/org/bluez/" + adapterID + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
}
