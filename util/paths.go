package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvDataDir overrides the data directory (tests point it at t.TempDir)
const EnvDataDir = "BLEXCHANGE_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(EnvDataDir); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "blexchange-data")
	}
	return filepath.Join(home, ".blexchange-data")
}

// GetDeviceCacheDir returns the directory holding a device's advertising
// and GATT files
func GetDeviceCacheDir(deviceID string) string {
	return filepath.Join(GetDataDir(), deviceID)
}

// EnsureDeviceCacheDir creates the device directory if needed
func EnsureDeviceCacheDir(deviceID string) (string, error) {
	dir := GetDeviceCacheDir(deviceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create device directory: %w", err)
	}
	return dir, nil
}

// GetSocketDir returns the directory where Unix domain sockets are stored,
// creating it if needed
func GetSocketDir() (string, error) {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create socket directory: %w", err)
	}
	return socketDir, nil
}

// SocketPath is where deviceID listens
func SocketPath(deviceID string) (string, error) {
	dir, err := GetSocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("blexchange-%s.sock", deviceID)), nil
}
