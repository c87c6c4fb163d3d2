// Package central runs the scanner side of the exchange: it finds the first
// peripheral offering the exchange service, subscribes to its notify
// characteristic and bounces every received index back incremented by one.
package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/blexchange/exchange"
	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/registry"
	"github.com/user/blexchange/transport"
)

// State of a central session
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Scanning:
		return "Scanning"
	case Connecting:
		return "Connecting"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned by StartScanning outside Idle
	ErrInvalidState = errors.New("invalid session state")

	// ErrNoPeripheral means the scan ended without a usable peripheral
	ErrNoPeripheral = errors.New("no peripheral with the exchange service")

	// ErrNotReadyToWrite is returned by SendBurst and StartExchangeLoop outside Ready
	ErrNotReadyToWrite = errors.New("not ready to write")
)

// DefaultReadyTimeout bounds the wait for the transport to power on
const DefaultReadyTimeout = 10 * time.Second

// Delegate receives updates meant for the UI
type Delegate interface {
	ReadyStateChanged(s *Session, ready bool)
	// SessionEnded fires when the bound peripheral disconnects on its own
	SessionEnded(s *Session, peer transport.Peer)
}

// Options configure a Session. Zero values pick the defaults.
type Options struct {
	Descriptor   protocol.ServiceDescriptor
	ReadyTimeout time.Duration
	Codec        protocol.Codec
	Clock        exchange.Clock
	Log          *exchange.Log
	Delegate     Delegate

	// WriteMode is used for the seed and for exchange replies; bursts are
	// always written without response
	WriteMode transport.WriteMode

	// SeedIndex starts the exchange loop; nil means exchange.DefaultSeedIndex
	SeedIndex *int64
}

// BurstResult counts the outcome of SendBurst
type BurstResult struct {
	Sent          int
	Failed        int
	FailedIndices []int64
}

// binding is the payload of the Ready state
type binding struct {
	peer  transport.Peer
	conn  transport.Connection
	chars registry.Characteristics

	ctx    context.Context
	cancel context.CancelFunc
	disc   *transport.Stream[transport.Disconnect]
	notes  *transport.Stream[transport.Notification]
}

func (b *binding) release() {
	b.cancel()
	b.disc.Cancel()
	if b.notes != nil {
		b.notes.Cancel()
	}
}

// Session is the scanner state machine
type Session struct {
	manager  transport.CentralManager
	opts     Options
	codec    protocol.Codec
	log      *exchange.Log
	tracker  *exchange.Tracker
	serial   *exchange.Serial
	registry *registry.Registry
	seed     int64
	prefix   string

	lifecycle sync.Mutex

	mu       sync.RWMutex
	state    State
	bound    *binding
	epoch    uint64
	cancelOp context.CancelFunc

	loops sync.WaitGroup
}

// New creates an idle session on top of manager
func New(manager transport.CentralManager, opts Options) *Session {
	if opts.Descriptor == (protocol.ServiceDescriptor{}) {
		opts.Descriptor = protocol.Descriptor()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.Codec == nil {
		opts.Codec = protocol.DefaultCodec
	}
	if opts.Log == nil {
		opts.Log = exchange.NewLog(exchange.WithPrefix("scanner"))
	}
	seed := exchange.DefaultSeedIndex
	if opts.SeedIndex != nil {
		seed = *opts.SeedIndex
	}

	return &Session{
		manager:  manager,
		seed:     seed,
		opts:     opts,
		codec:    opts.Codec,
		log:      opts.Log,
		tracker:  exchange.NewTracker(opts.Clock),
		serial:   exchange.NewSerial(),
		registry: registry.New(opts.Descriptor),
		prefix:   "scanner",
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsReadyToWrite reports whether a peripheral is bound
func (s *Session) IsReadyToWrite() bool {
	return s.State() == Ready
}

// Peer returns the bound peripheral
func (s *Session) Peer() (transport.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bound == nil {
		return transport.Peer{}, false
	}
	return s.bound.peer, true
}

// Registry exposes the peers seen by the current scan
func (s *Session) Registry() *registry.Registry {
	return s.registry
}

// Log returns the exchange log this session appends to
func (s *Session) Log() *exchange.Log {
	return s.log
}

func (s *Session) current() *binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// setState applies st unless CancelAll has run since epoch was taken
func (s *Session) setState(epoch uint64, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.state = st
	return true
}

// StartScanning scans for the exchange service and binds the first
// peripheral that connects, exposes both characteristics and accepts the
// notify subscription. It returns once the session is Ready or the scan
// has ended without a match.
func (s *Session) StartScanning(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: scan while %s", ErrInvalidState, state)
	}
	opCtx, cancel := context.WithCancel(ctx)
	epoch := s.epoch
	s.state = Scanning
	s.cancelOp = cancel
	s.mu.Unlock()
	defer cancel()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	b, err := s.scanAndConnect(opCtx, epoch)

	s.mu.Lock()
	s.cancelOp = nil
	if s.epoch != epoch {
		s.mu.Unlock()
		if b != nil {
			s.unbind(b)
		}
		if err == nil {
			err = transport.ErrCancelled
		}
		return err
	}
	if err != nil {
		s.state = Idle
		s.mu.Unlock()
		logger.Error(s.prefix, "❌ failed to start scanning: %v", err)
		return err
	}
	s.bound = b
	s.state = Ready
	s.loops.Add(1)
	go s.watchDisconnects(b)
	s.mu.Unlock()

	logger.Info(s.prefix, "✅ ready, bound to %s", b.peer)
	if s.opts.Delegate != nil {
		s.opts.Delegate.ReadyStateChanged(s, true)
	}
	return nil
}

func (s *Session) scanAndConnect(ctx context.Context, epoch uint64) (*binding, error) {
	readyCtx, cancelReady := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	err := s.manager.WaitUntilReady(readyCtx)
	cancelReady()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, transport.ErrNotReady) {
			err = fmt.Errorf("%w: %v", transport.ErrNotReady, err)
		}
		return nil, err
	}

	var scan *transport.Stream[transport.Peer]
	err = s.serial.Do(ctx, func() error {
		var err error
		scan, err = s.manager.Scan(ctx, s.opts.Descriptor.ServiceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	defer scan.Cancel()

	// Opened before the first connect so a loss right after binding is not missed
	disc := s.manager.Disconnections()

	logger.Info(s.prefix, "🔍 scanning for %s", s.opts.Descriptor.ServiceID)
	for {
		select {
		case peer, ok := <-scan.C():
			if !ok {
				disc.Cancel()
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, ErrNoPeripheral
			}

			s.registry.Upsert(peer)
			s.setState(epoch, Connecting)
			logger.Debug(s.prefix, "🔗 trying %s", peer)

			b, err := s.tryCandidate(ctx, peer)
			if err != nil {
				if ctx.Err() != nil {
					disc.Cancel()
					return nil, ctx.Err()
				}
				logger.Warn(s.prefix, "skipping %s: %v", peer, err)
				s.registry.Remove(peer.ID)
				s.setState(epoch, Scanning)
				continue
			}

			err = s.serial.Do(ctx, func() error { return s.manager.StopScan(ctx) })
			if err != nil {
				logger.Warn(s.prefix, "failed to stop scan: %v", err)
			}
			b.disc = disc
			return b, nil

		case <-ctx.Done():
			disc.Cancel()
			return nil, ctx.Err()
		}
	}
}

// tryCandidate connects to peer and sets up the exchange; on failure the
// connection is closed again
func (s *Session) tryCandidate(ctx context.Context, peer transport.Peer) (*binding, error) {
	var conn transport.Connection
	err := s.serial.Do(ctx, func() error {
		var err error
		conn, err = s.manager.Connect(ctx, peer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	fail := func(err error) (*binding, error) {
		closeCtx := context.WithoutCancel(ctx)
		s.serial.Do(closeCtx, func() error { return conn.Close(closeCtx) })
		return nil, err
	}

	var service transport.DiscoveredService
	err = s.serial.Do(ctx, func() error {
		var err error
		service, err = conn.DiscoverService(ctx, s.opts.Descriptor.ServiceID)
		return err
	})
	if err != nil {
		return fail(fmt.Errorf("discover: %w", err))
	}

	chars, err := s.registry.ResolveCharacteristics(peer, service)
	if err != nil {
		return fail(err)
	}

	err = s.serial.Do(ctx, func() error { return conn.SetNotify(ctx, chars.NotifyCharID, true) })
	if err != nil {
		return fail(fmt.Errorf("subscribe: %w", err))
	}

	if err := s.registry.Bind(peer, chars); err != nil {
		return fail(err)
	}

	bctx, cancel := context.WithCancel(context.Background())
	return &binding{peer: peer, conn: conn, chars: chars, ctx: bctx, cancel: cancel}, nil
}

func (s *Session) watchDisconnects(b *binding) {
	defer s.loops.Done()
	for {
		select {
		case ev, ok := <-b.disc.C():
			if !ok {
				return
			}
			if ev.Peer.ID != b.peer.ID {
				continue
			}
			s.connectionLost(b, ev)
			return
		case <-b.ctx.Done():
			return
		}
	}
}

func (s *Session) connectionLost(b *binding, ev transport.Disconnect) {
	s.mu.Lock()
	if s.bound != b {
		s.mu.Unlock()
		return
	}
	s.bound = nil
	s.state = Idle
	s.mu.Unlock()

	b.release()
	s.registry.Unbind()
	s.registry.Remove(b.peer.ID)
	s.tracker.Reset()

	closeCtx := context.Background()
	s.serial.Do(closeCtx, func() error { return b.conn.Close(closeCtx) })

	logger.Warn(s.prefix, "💔 lost %s: %v", b.peer, ev.Err)
	if s.opts.Delegate != nil {
		s.opts.Delegate.ReadyStateChanged(s, false)
		s.opts.Delegate.SessionEnded(s, b.peer)
	}
}

// unbind undoes a binding: unsubscribe, disconnect, forget. The caller must
// have released any goroutines that use b.
func (s *Session) unbind(b *binding) {
	b.release()
	ctx := context.Background()
	s.serial.Do(ctx, func() error {
		b.conn.CancelAllOperations(ctx)
		if err := b.conn.SetNotify(ctx, b.chars.NotifyCharID, false); err != nil {
			logger.Debug(s.prefix, "unsubscribe from %s: %v", b.peer, err)
		}
		return b.conn.Close(ctx)
	})
	s.registry.Unbind()
}

// opContext is ctx that also ends when the binding is released
func opContext(ctx context.Context, b *binding) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// SendBurst writes indices 0..count-1 without waiting for responses.
// A failed write is logged and counted; the burst carries on.
func (s *Session) SendBurst(ctx context.Context, count int) (BurstResult, error) {
	var result BurstResult
	b := s.current()
	if b == nil {
		return result, ErrNotReadyToWrite
	}
	ctx, cancel := opContext(ctx, b)
	defer cancel()

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		index := int64(i)
		value, err := s.codec.Encode(protocol.Message{Index: index})
		if err == nil {
			err = s.serial.Do(ctx, func() error {
				return b.conn.Write(ctx, value, b.chars.WriteCharID, transport.WithoutResponse)
			})
		}
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			logger.Warn(s.prefix, "failed to send %d: %v", index, err)
			result.Failed++
			result.FailedIndices = append(result.FailedIndices, index)
			continue
		}
		result.Sent++
	}
	logger.Info(s.prefix, "📦 burst done: %d sent, %d failed", result.Sent, result.Failed)
	return result, nil
}

// StartExchangeLoop starts answering notifications and writes the seed index
func (s *Session) StartExchangeLoop(ctx context.Context) error {
	s.mu.Lock()
	b := s.bound
	if b == nil {
		s.mu.Unlock()
		return ErrNotReadyToWrite
	}
	if b.notes == nil {
		b.notes = b.conn.Notifications()
		s.loops.Add(1)
		go s.handleNotifications(b)
	}
	s.mu.Unlock()

	ctx, cancel := opContext(ctx, b)
	defer cancel()

	seed := s.seed
	value, err := s.codec.Encode(protocol.Message{Index: seed})
	if err != nil {
		return fmt.Errorf("encode seed: %w", err)
	}
	err = s.serial.Do(ctx, func() error {
		return b.conn.Write(ctx, value, b.chars.WriteCharID, s.opts.WriteMode)
	})
	if err != nil {
		logger.Warn(s.prefix, "failed to start exchange loop: %v", err)
		return fmt.Errorf("write seed: %w", err)
	}
	s.log.Append(exchange.Entry{Text: exchange.StartWith(seed)})
	return nil
}

func (s *Session) handleNotifications(b *binding) {
	defer s.loops.Done()
	for {
		select {
		case n, ok := <-b.notes.C():
			if !ok {
				return
			}
			if !protocol.SameID(n.CharacteristicID, b.chars.NotifyCharID) {
				continue
			}
			s.handleNotification(b, n.Value)
		case <-b.ctx.Done():
			return
		}
	}
}

func (s *Session) handleNotification(b *binding, value []byte) {
	msg, err := s.codec.Decode(value)
	if err != nil {
		logger.Warn(s.prefix, "bad notification from %s: %v", b.peer, err)
		s.log.Append(exchange.Entry{Text: exchange.Failed(err)})
		return
	}

	latency, now := s.tracker.Observe()
	s.log.Append(exchange.Entry{Text: exchange.FromAdvertiser(msg.Index), Latency: latency, Time: now})

	next := exchange.NextIndex(msg.Index)
	reply, err := s.codec.Encode(protocol.Message{Index: next})
	if err == nil {
		err = s.serial.Do(b.ctx, func() error {
			return b.conn.Write(b.ctx, reply, b.chars.WriteCharID, s.opts.WriteMode)
		})
	}
	if err != nil {
		if b.ctx.Err() != nil {
			return
		}
		s.log.Append(exchange.Entry{Text: exchange.Failed(err)})
	}
}

// CancelAll stops whatever the session is doing and returns it to Idle.
// It may be called at any time, repeatedly and concurrently with StartScanning.
func (s *Session) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	if s.cancelOp != nil {
		s.cancelOp()
	}
	s.mu.Unlock()

	s.manager.CancelAllOperations(ctx)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	b := s.bound
	wasReady := s.state == Ready
	s.bound = nil
	s.state = Idle
	s.mu.Unlock()

	if b != nil {
		b.conn.CancelAllOperations(ctx)
		b.release()
		s.loops.Wait()
		s.unbind(b)
	}
	s.registry.Clear()
	s.tracker.Reset()

	if wasReady {
		logger.Info(s.prefix, "🛑 cancelled, released %s", b.peer)
		if s.opts.Delegate != nil {
			s.opts.Delegate.ReadyStateChanged(s, false)
		}
	}
	return nil
}
