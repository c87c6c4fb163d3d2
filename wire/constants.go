package wire

import (
	"errors"
	"time"
)

// ConnectionRole represents our role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We dialed
	RolePeripheral ConnectionRole = "peripheral" // They dialed
)

const (
	// MTU limits; a fresh link starts at the BLE 4.0 default until the
	// central's Exchange MTU completes
	DefaultMTU = 23
	MaxMTU     = 512

	// How often a scanning central re-reads the advertising files
	DefaultScanInterval = 100 * time.Millisecond

	// Upper bound on the 4-byte handshake so a bad peer cannot make us allocate
	maxDeviceIDLen = 256
)

var (
	// ErrLinkLost is the cause reported when the remote end goes away
	ErrLinkLost = errors.New("link lost")
	// ErrStopped is returned by operations on a stopped Wire
	ErrStopped = errors.New("wire stopped")
)
