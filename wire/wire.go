package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/util"
	"github.com/user/blexchange/wire/att"
)

// Wire handles Unix domain socket communication between devices.
//
// A device that accepts connections (the peripheral role) listens on
// {dataDir}/sockets/blexchange-{deviceID}.sock. A device that dials (the
// central role) connects to that socket and sends a handshake: a 4-byte
// big-endian length followed by its device ID. After the handshake both
// ends exchange ATT PDUs framed by att.WriteFrame.
type Wire struct {
	deviceID string
	events   *ConnectionEventLogger

	mu         sync.RWMutex
	listener   net.Listener
	socketPath string
	conns      map[string]*Conn // remote device ID -> single connection
	stopped    bool

	handlerMu         sync.RWMutex
	pduHandler        func(c *Conn, pkt interface{})
	connectHandler    func(c *Conn)
	disconnectHandler func(c *Conn, cause error)

	wg sync.WaitGroup
}

// NewWire creates a Wire for deviceID; nothing touches the filesystem until
// Listen or Dial
func NewWire(deviceID string) *Wire {
	return &Wire{
		deviceID: deviceID,
		events:   NewConnectionEventLogger(deviceID, os.Getenv("WIRE_EVENTS") != "0"),
		conns:    make(map[string]*Conn),
	}
}

// DeviceID returns the local device ID
func (w *Wire) DeviceID() string {
	return w.deviceID
}

func (w *Wire) prefix() string {
	return fmt.Sprintf("%s Wire", logger.Short(w.deviceID))
}

// SetPDUHandler sets the callback for every ATT PDU other than MTU exchange.
// It runs on the connection's read loop and must not block.
func (w *Wire) SetPDUHandler(h func(c *Conn, pkt interface{})) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.pduHandler = h
}

// SetConnectHandler sets the callback for new connections (both roles)
func (w *Wire) SetConnectHandler(h func(c *Conn)) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.connectHandler = h
}

// SetDisconnectHandler sets the callback run once per connection when it
// ends. cause is nil when the connection was closed locally.
func (w *Wire) SetDisconnectHandler(h func(c *Conn, cause error)) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.disconnectHandler = h
}

// Listen starts accepting connections. Calling it again while listening is a no-op.
func (w *Wire) Listen() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrStopped
	}
	if w.listener != nil {
		return nil
	}

	path, err := util.SocketPath(w.deviceID)
	if err != nil {
		return err
	}
	// Clean up a socket file left behind by a previous run
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	w.listener = ln
	w.socketPath = path
	w.events.LogSocketCreated(path)
	logger.Debug(w.prefix(), "👂 listening on %s", path)

	w.wg.Add(1)
	go w.acceptConnections(ln)
	return nil
}

// IsListening reports whether Listen succeeded and Stop has not run
func (w *Wire) IsListening() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.listener != nil
}

// Stop closes the listener and every connection, then waits for all read
// loops to finish. Safe to call multiple times.
func (w *Wire) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	ln, path := w.listener, w.socketPath
	w.listener = nil
	conns := make([]*Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	if ln != nil {
		ln.Close()
		os.Remove(path)
		w.events.LogSocketClosed(path)
	}
	for _, c := range conns {
		c.Close()
	}
	w.wg.Wait()
}

func (w *Wire) acceptConnections(ln net.Listener) {
	defer w.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn(w.prefix(), "⚠️  accept failed: %v", err)
			continue
		}
		w.wg.Add(1)
		go w.handleIncomingConnection(nc)
	}
}

// handleIncomingConnection reads the handshake and runs the read loop (we are the peripheral)
func (w *Wire) handleIncomingConnection(nc net.Conn) {
	defer w.wg.Done()

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	peerID, err := readHandshake(nc)
	if err != nil {
		logger.Debug(w.prefix(), "❌ bad handshake: %v", err)
		nc.Close()
		return
	}
	nc.SetReadDeadline(time.Time{})

	c := newConn(w, nc, peerID, RolePeripheral)
	if !w.register(c, false) {
		logger.Debug(w.prefix(), "⚠️  duplicate connection from %s rejected", logger.Short(peerID))
		nc.Close()
		return
	}
	w.connected(c)
	w.readMessages(c)
}

// Dial connects to peerID's socket (we become the central) and negotiates
// the MTU. An existing connection to peerID is returned as is.
func (w *Wire) Dial(ctx context.Context, peerID string) (*Conn, error) {
	w.mu.RLock()
	existing, stopped := w.conns[peerID], w.stopped
	w.mu.RUnlock()
	if stopped {
		return nil, ErrStopped
	}
	if existing != nil {
		return existing, nil
	}

	path, err := util.SocketPath(peerID)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", logger.Short(peerID), err)
	}
	if err := writeHandshake(nc, w.deviceID); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	c := newConn(w, nc, peerID, RoleCentral)
	if !w.register(c, true) {
		nc.Close()
		return nil, fmt.Errorf("concurrent connection to %s", logger.Short(peerID))
	}
	w.connected(c)

	go func() {
		defer w.wg.Done()
		w.readMessages(c)
	}()

	// The central starts MTU negotiation; until the response arrives the
	// link stays at DefaultMTU
	if err := c.Send(&att.ExchangeMTURequest{ClientRxMTU: MaxMTU}); err != nil {
		c.Close()
		return nil, err
	}
	select {
	case <-c.mtuReady:
	case <-c.done:
		return nil, fmt.Errorf("connection to %s closed during MTU exchange", logger.Short(peerID))
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// register stores c unless a connection to the same device exists. With
// track set it also accounts for the read loop the caller is about to start.
func (w *Wire) register(c *Conn, track bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	if _, exists := w.conns[c.remoteID]; exists {
		return false
	}
	w.conns[c.remoteID] = c
	if track {
		w.wg.Add(1)
	}
	return true
}

func (w *Wire) connected(c *Conn) {
	w.events.LogConnectionEstablished(c.role, c.remoteID)
	logger.Debug(w.prefix(), "🔗 %s connection with %s", c.role, logger.Short(c.remoteID))

	w.handlerMu.RLock()
	h := w.connectHandler
	w.handlerMu.RUnlock()
	if h != nil {
		h(c)
	}
}

// Connection returns the live connection to remoteID, if any
func (w *Wire) Connection(remoteID string) (*Conn, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.conns[remoteID]
	return c, ok
}

// ConnectedPeers lists the remote device IDs with a live connection
func (w *Wire) ConnectedPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]string, 0, len(w.conns))
	for id := range w.conns {
		peers = append(peers, id)
	}
	return peers
}

// readMessages reads PDUs until the connection ends, then cleans up
func (w *Wire) readMessages(c *Conn) {
	var readErr error
	defer func() {
		w.mu.Lock()
		if w.conns[c.remoteID] == c {
			delete(w.conns, c.remoteID)
		}
		w.mu.Unlock()
		c.nc.Close()

		var cause error
		if !c.closedLocally.Load() {
			cause = fmt.Errorf("%w: %v", ErrLinkLost, readErr)
		}
		w.events.LogConnectionClosed(c.role, c.remoteID, cause)
		logger.Debug(w.prefix(), "🔌 connection with %s ended (cause=%v)", logger.Short(c.remoteID), cause)

		w.handlerMu.RLock()
		h := w.disconnectHandler
		w.handlerMu.RUnlock()
		if h != nil {
			h(c, cause)
		}
		close(c.done)
	}()

	for {
		pdu, err := att.ReadFrame(c.nc)
		if err != nil {
			readErr = err
			return
		}
		pkt, err := att.DecodePacket(pdu)
		if err != nil {
			logger.Warn(w.prefix(), "❌ Failed to decode ATT packet from %s: %v", logger.Short(c.remoteID), err)
			if len(pdu) > 0 && att.IsRequest(pdu[0]) {
				c.Send(&att.ErrorResponse{RequestOpcode: pdu[0], ErrorCode: att.ErrInvalidPDU})
			}
			continue
		}
		logger.Trace(w.prefix(), "📥 %s from %s (%d bytes)", att.OpcodeNames[pdu[0]], logger.Short(c.remoteID), len(pdu))

		switch p := pkt.(type) {
		case *att.ExchangeMTURequest:
			mtu := clampMTU(int(p.ClientRxMTU))
			c.setMTU(mtu)
			if err := c.Send(&att.ExchangeMTUResponse{ServerRxMTU: uint16(mtu)}); err != nil {
				logger.Warn(w.prefix(), "❌ Failed to send MTU response to %s: %v", logger.Short(c.remoteID), err)
			}
			w.events.LogMTUNegotiated(c.role, c.remoteID, mtu)
		case *att.ExchangeMTUResponse:
			mtu := clampMTU(int(p.ServerRxMTU))
			c.setMTU(mtu)
			w.events.LogMTUNegotiated(c.role, c.remoteID, mtu)
			c.mtuOnce.Do(func() { close(c.mtuReady) })
		default:
			w.handlerMu.RLock()
			h := w.pduHandler
			w.handlerMu.RUnlock()
			if h != nil {
				h(c, pkt)
			}
		}
	}
}

func clampMTU(mtu int) int {
	if mtu > MaxMTU {
		return MaxMTU
	}
	if mtu < DefaultMTU {
		return DefaultMTU
	}
	return mtu
}

func writeHandshake(nc net.Conn, deviceID string) error {
	if err := binary.Write(nc, binary.BigEndian, uint32(len(deviceID))); err != nil {
		return err
	}
	_, err := nc.Write([]byte(deviceID))
	return err
}

func readHandshake(nc net.Conn) (string, error) {
	var n uint32
	if err := binary.Read(nc, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 || n > maxDeviceIDLen {
		return "", fmt.Errorf("handshake device id length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Conn is one established link
type Conn struct {
	w        *Wire
	nc       net.Conn
	remoteID string
	role     ConnectionRole

	sendMu sync.Mutex

	mu  sync.RWMutex
	mtu int

	mtuReady      chan struct{}
	mtuOnce       sync.Once
	closedLocally atomic.Bool
	done          chan struct{}
}

func newConn(w *Wire, nc net.Conn, remoteID string, role ConnectionRole) *Conn {
	return &Conn{
		w:        w,
		nc:       nc,
		remoteID: remoteID,
		role:     role,
		mtu:      DefaultMTU,
		mtuReady: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RemoteID is the device ID the other end sent in its handshake
func (c *Conn) RemoteID() string { return c.remoteID }

// Role is our role on this connection
func (c *Conn) Role() ConnectionRole { return c.role }

// MTU is the negotiated ATT MTU
func (c *Conn) MTU() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mtu
}

func (c *Conn) setMTU(mtu int) {
	c.mu.Lock()
	c.mtu = mtu
	c.mu.Unlock()
}

// MaxValueLen is the largest attribute value one PDU can carry (MTU minus opcode and handle)
func (c *Conn) MaxValueLen() int {
	return c.MTU() - 3
}

// Done is closed after the connection has ended and the disconnect handler has run
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send encodes and writes one ATT PDU
func (c *Conn) Send(pkt interface{}) error {
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := att.WriteFrame(c.nc, pdu); err != nil {
		return fmt.Errorf("send %s to %s: %w", att.OpcodeNames[pdu[0]], logger.Short(c.remoteID), err)
	}
	return nil
}

// Close ends the connection; the disconnect handler sees a nil cause
func (c *Conn) Close() error {
	c.closedLocally.Store(true)
	return c.nc.Close()
}
