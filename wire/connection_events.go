package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/util"
)

// ConnectionEvent is one socket lifecycle record
type ConnectionEvent struct {
	Timestamp int64             `json:"timestamp"` // nanoseconds since epoch
	Event     string            `json:"event"`     // socket_created, connection_established, socket_closed, ...
	Role      ConnectionRole    `json:"role,omitempty"`
	RemoteID  string            `json:"remote_id,omitempty"`
	Path      string            `json:"path,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// ConnectionEventLogger appends ConnectionEvents to
// {dataDir}/{deviceID}/connection_events.jsonl
type ConnectionEventLogger struct {
	deviceID string
	logPath  string
	mu       sync.Mutex
	enabled  bool
}

// NewConnectionEventLogger creates a logger for deviceID. A disabled logger drops everything.
func NewConnectionEventLogger(deviceID string, enabled bool) *ConnectionEventLogger {
	return &ConnectionEventLogger{
		deviceID: deviceID,
		logPath:  filepath.Join(util.GetDeviceCacheDir(deviceID), "connection_events.jsonl"),
		enabled:  enabled,
	}
}

// Log writes one event as a JSON line
func (l *ConnectionEventLogger) Log(event ConnectionEvent) {
	if l == nil || !l.enabled {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := fmt.Sprintf("%s connection_events", logger.Short(l.deviceID))
	if _, err := util.EnsureDeviceCacheDir(l.deviceID); err != nil {
		logger.Warn(prefix, "Failed to create event log dir: %v", err)
		return
	}
	f, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(prefix, "Failed to open connection event log: %v", err)
		return
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn(prefix, "Failed to marshal connection event: %v", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Warn(prefix, "Failed to write connection event: %v", err)
	}
}

func (l *ConnectionEventLogger) LogSocketCreated(path string) {
	l.Log(ConnectionEvent{Event: "socket_created", Role: RolePeripheral, Path: path})
}

func (l *ConnectionEventLogger) LogConnectionEstablished(role ConnectionRole, remoteID string) {
	l.Log(ConnectionEvent{Event: "connection_established", Role: role, RemoteID: remoteID})
}

func (l *ConnectionEventLogger) LogMTUNegotiated(role ConnectionRole, remoteID string, mtu int) {
	l.Log(ConnectionEvent{
		Event:    "mtu_negotiated",
		Role:     role,
		RemoteID: remoteID,
		Details:  map[string]string{"mtu": fmt.Sprintf("%d", mtu)},
	})
}

// LogConnectionClosed records the end of a link; cause is nil for a local close
func (l *ConnectionEventLogger) LogConnectionClosed(role ConnectionRole, remoteID string, cause error) {
	ev := ConnectionEvent{Event: "connection_closed", Role: role, RemoteID: remoteID}
	if cause != nil {
		ev.Error = cause.Error()
	}
	l.Log(ev)
}

func (l *ConnectionEventLogger) LogSocketClosed(path string) {
	l.Log(ConnectionEvent{Event: "socket_closed", Role: RolePeripheral, Path: path})
}

// ReadConnectionEvents loads a device's event log, oldest first
func ReadConnectionEvents(deviceID string) ([]ConnectionEvent, error) {
	f, err := os.Open(filepath.Join(util.GetDeviceCacheDir(deviceID), "connection_events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection event log: %w", err)
	}
	defer f.Close()

	var events []ConnectionEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev ConnectionEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("failed to parse connection event: %w", err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}
