package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/blexchange/util"
	"github.com/user/blexchange/wire/advertising"
	"github.com/user/blexchange/wire/gatt"
)

// Advertising data and GATT tables are stored per device and discovered by
// reading the filesystem, the way a scanner hears packets over the air.
// Each device only ever writes its own directory.

const (
	advertisingFile = "advertising.json"
	gattFile        = "gatt.json"
)

// advertisingRecord is the on-disk form of an advertisement. Payload holds
// the raw AD structures, base64 encoded by encoding/json.
type advertisingRecord struct {
	DeviceID    string    `json:"device_id"`
	Payload     []byte    `json:"payload"`
	Connectable bool      `json:"connectable"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WriteAdvertisingData publishes what deviceID broadcasts
func WriteAdvertisingData(deviceID string, data advertising.Data) error {
	payload, err := data.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode advertising data: %w", err)
	}
	rec := advertisingRecord{
		DeviceID:    deviceID,
		Payload:     payload,
		Connectable: true,
		UpdatedAt:   time.Now(),
	}
	return writeDeviceFile(deviceID, advertisingFile, rec)
}

// ReadAdvertisingData returns the advertisement deviceID is broadcasting.
// The error wraps os.ErrNotExist when it is not advertising.
func ReadAdvertisingData(deviceID string) (advertising.Data, error) {
	var rec advertisingRecord
	if err := readDeviceFile(deviceID, advertisingFile, &rec); err != nil {
		return advertising.Data{}, err
	}
	if !rec.Connectable {
		return advertising.Data{}, fmt.Errorf("%s is not connectable", deviceID)
	}
	return advertising.Decode(rec.Payload)
}

// RemoveAdvertisingData stops broadcasting; a missing file is not an error
func RemoveAdvertisingData(deviceID string) error {
	return removeDeviceFile(deviceID, advertisingFile)
}

// WriteGATTTable publishes deviceID's attribute table for service discovery
func WriteGATTTable(deviceID string, table *gatt.Table) error {
	return writeDeviceFile(deviceID, gattFile, table)
}

// ReadGATTTable performs service discovery against deviceID
func ReadGATTTable(deviceID string) (*gatt.Table, error) {
	var table gatt.Table
	if err := readDeviceFile(deviceID, gattFile, &table); err != nil {
		return nil, err
	}
	return &table, nil
}

// RemoveGATTTable withdraws deviceID's attribute table
func RemoveGATTTable(deviceID string) error {
	return removeDeviceFile(deviceID, gattFile)
}

// ListAvailableDevices returns the device IDs with a listening socket, except self
func ListAvailableDevices(self string) ([]string, error) {
	socketDir, err := util.GetSocketDir()
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(socketDir, "blexchange-*.sock"))
	if err != nil {
		return nil, err
	}

	devices := make([]string, 0, len(matches))
	for _, path := range matches {
		// Format: blexchange-{deviceID}.sock
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "blexchange-"), ".sock")
		if id != "" && id != self {
			devices = append(devices, id)
		}
	}
	return devices, nil
}

// writeDeviceFile writes through a temp file and rename so scanners never
// see a partial record
func writeDeviceFile(deviceID, name string, v interface{}) error {
	dir, err := util.EnsureDeviceCacheDir(deviceID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, name+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func readDeviceFile(deviceID, name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(util.GetDeviceCacheDir(deviceID), name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func removeDeviceFile(deviceID, name string) error {
	err := os.Remove(filepath.Join(util.GetDeviceCacheDir(deviceID), name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}
