// Package peripheral runs the advertiser side of the exchange: it publishes
// the exchange service, tracks which centrals are subscribed and answers
// every message a central writes with the same index.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/blexchange/exchange"
	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/transport"
)

// State of a peripheral session
type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidState is returned by Start while a start or stop is in progress
var ErrInvalidState = errors.New("invalid session state")

// DefaultReadyTimeout bounds the wait for the transport to power on
const DefaultReadyTimeout = 10 * time.Second

// Delegate receives updates meant for the UI
type Delegate interface {
	SubscribersChanged(s *Session, subscribers []transport.Peer)
}

// Options configure a Session. Zero values pick the defaults.
type Options struct {
	Descriptor   protocol.ServiceDescriptor
	LocalName    string
	ReadyTimeout time.Duration
	Codec        protocol.Codec
	Clock        exchange.Clock
	Log          *exchange.Log
	Delegate     Delegate

	// Partner restricts the exchange to writes from this central id
	Partner string
}

// Session is the advertiser state machine
type Session struct {
	manager transport.PeripheralManager
	opts    Options
	codec   protocol.Codec
	log     *exchange.Log
	tracker *exchange.Tracker
	serial  *exchange.Serial
	prefix  string

	lifecycle sync.Mutex

	mu          sync.RWMutex
	state       State
	subscribers []transport.Peer
	cancelStart context.CancelFunc
	run         *run
}

// run holds everything owned by one Active period
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   *transport.Stream[transport.SubscriptionEvent]
	writes *transport.Stream[[]transport.WriteRequest]
	// replies are notified one at a time in the order writes arrived
	replies *transport.Mailbox[outbound]
	loops   sync.WaitGroup
}

// outbound is a reply waiting for its turn on the notify characteristic
type outbound struct {
	central transport.Peer
	index   int64
}

func (r *run) stop() {
	r.cancel()
	r.subs.Cancel()
	r.writes.Cancel()
	r.replies.Stream().Cancel()
	r.loops.Wait()
}

// New creates an idle session on top of manager
func New(manager transport.PeripheralManager, opts Options) *Session {
	if opts.Descriptor == (protocol.ServiceDescriptor{}) {
		opts.Descriptor = protocol.Descriptor()
	}
	if opts.LocalName == "" {
		opts.LocalName = protocol.DefaultLocalName
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.Codec == nil {
		opts.Codec = protocol.DefaultCodec
	}
	if opts.Log == nil {
		opts.Log = exchange.NewLog(exchange.WithPrefix("advertiser"))
	}

	return &Session{
		manager: manager,
		opts:    opts,
		codec:   opts.Codec,
		log:     opts.Log,
		tracker: exchange.NewTracker(opts.Clock),
		serial:  exchange.NewSerial(),
		prefix:  "advertiser",
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsActive reports whether the session is advertising and handling writes
func (s *Session) IsActive() bool {
	return s.State() == Active
}

// Subscribers returns the subscribed centrals, most recently subscribed last
func (s *Session) Subscribers() []transport.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transport.Peer, len(s.subscribers))
	copy(out, s.subscribers)
	return out
}

// Log returns the exchange log this session appends to
func (s *Session) Log() *exchange.Log {
	return s.log
}

// Start waits for the transport, registers the exchange service and begins
// advertising. Calling Start on an active session does nothing.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Active:
		s.mu.Unlock()
		return nil
	case Starting, Stopping:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, state)
	}
	startCtx, cancel := context.WithCancel(ctx)
	s.state = Starting
	s.cancelStart = cancel
	s.mu.Unlock()
	defer cancel()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	r, err := s.start(startCtx)

	s.mu.Lock()
	s.cancelStart = nil
	if err == nil && s.state == Starting {
		s.run = r
		s.state = Active
		s.mu.Unlock()
		logger.Info(s.prefix, "✅ active, advertising %q", s.opts.LocalName)
		return nil
	}
	if s.state == Starting {
		s.state = Idle
	}
	s.mu.Unlock()

	if err == nil {
		// Stop ran while we were registering; undo what start set up
		r.stop()
		s.teardownTransport(context.Background())
		return transport.ErrCancelled
	}
	logger.Error(s.prefix, "❌ failed to start: %v", err)
	return err
}

func (s *Session) start(ctx context.Context) (*run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

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

	runCtx, cancelRun := context.WithCancel(context.Background())
	r := &run{
		ctx:     runCtx,
		cancel:  cancelRun,
		subs:    s.manager.SubscriptionEvents(),
		writes:  s.manager.WriteRequests(),
		replies: transport.NewMailbox[outbound](nil),
	}

	err = s.serial.Do(ctx, func() error {
		if err := s.manager.RemoveAllServices(ctx); err != nil {
			return fmt.Errorf("remove services: %w", err)
		}
		if err := s.manager.AddService(ctx, s.opts.Descriptor); err != nil {
			return fmt.Errorf("add service: %w", err)
		}
		logger.Debug(s.prefix, "📋 registered service %s", s.opts.Descriptor.ServiceID)
		if s.manager.IsAdvertising() {
			return nil
		}
		if err := s.manager.StartAdvertising(ctx, s.opts.Descriptor.ServiceID, s.opts.LocalName); err != nil {
			return fmt.Errorf("start advertising: %w", err)
		}
		return nil
	})
	if err != nil {
		r.stop()
		s.teardownTransport(context.Background())
		return nil, err
	}

	r.loops.Add(3)
	go s.watchSubscriptions(r)
	go s.handleWrites(r)
	go s.sendReplies(r)
	return r, nil
}

// Stop tears the session down from any state. It cancels an in-flight
// Start, ends the reply queue and leaves the session Idle.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelStart != nil {
		s.cancelStart()
	}
	if s.state == Idle {
		s.mu.Unlock()
		return nil
	}
	s.state = Stopping
	s.mu.Unlock()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == Idle {
		// another Stop, or a failed Start, got here first
		s.mu.Unlock()
		return nil
	}
	r := s.run
	s.run = nil
	s.mu.Unlock()

	if r != nil {
		r.stop()
	}
	err := s.teardownTransport(ctx)
	s.tracker.Reset()

	s.mu.Lock()
	hadSubscribers := len(s.subscribers) > 0
	s.subscribers = nil
	s.state = Idle
	s.mu.Unlock()

	if hadSubscribers && s.opts.Delegate != nil {
		s.opts.Delegate.SubscribersChanged(s, nil)
	}
	logger.Info(s.prefix, "🛑 stopped")
	return err
}

func (s *Session) teardownTransport(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return s.serial.Do(ctx, func() error {
		var errs []error
		if err := s.manager.RemoveAllServices(ctx); err != nil {
			errs = append(errs, fmt.Errorf("remove services: %w", err))
		}
		if err := s.manager.StopAdvertising(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop advertising: %w", err))
		}
		return errors.Join(errs...)
	})
}

func (s *Session) watchSubscriptions(r *run) {
	defer r.loops.Done()
	for {
		select {
		case ev, ok := <-r.subs.C():
			if !ok {
				return
			}
			s.applySubscription(ev)
		case <-r.ctx.Done():
			return
		}
	}
}

func (s *Session) applySubscription(ev transport.SubscriptionEvent) {
	if !protocol.SameID(ev.CharacteristicID, s.opts.Descriptor.NotifyCharID) {
		return
	}

	s.mu.Lock()
	next := make([]transport.Peer, 0, len(s.subscribers)+1)
	for _, p := range s.subscribers {
		if p.ID != ev.Central.ID {
			next = append(next, p)
		}
	}
	if ev.Subscribed {
		next = append(next, ev.Central)
	}
	s.subscribers = next
	snapshot := make([]transport.Peer, len(next))
	copy(snapshot, next)
	s.mu.Unlock()

	if ev.Subscribed {
		logger.Info(s.prefix, "🔔 %s subscribed", ev.Central)
	} else {
		logger.Info(s.prefix, "🔕 %s unsubscribed", ev.Central)
	}
	if s.opts.Delegate != nil {
		s.opts.Delegate.SubscribersChanged(s, snapshot)
	}
}

func (s *Session) handleWrites(r *run) {
	defer r.loops.Done()
	for {
		select {
		case batch, ok := <-r.writes.C():
			if !ok {
				return
			}
			for _, req := range batch {
				s.handleWrite(r, req)
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (s *Session) respond(ctx context.Context, req transport.WriteRequest, result transport.Result) {
	err := s.serial.Do(ctx, func() error {
		return s.manager.Respond(ctx, req, result)
	})
	if err != nil {
		logger.Warn(s.prefix, "failed to respond %s to %s: %v", result, req.Central, err)
	}
}

func (s *Session) handleWrite(r *run, req transport.WriteRequest) {
	if s.opts.Partner != "" && req.Central.ID != s.opts.Partner {
		logger.Debug(s.prefix, "ignoring write from %s, not the exchange partner", req.Central)
		s.respond(r.ctx, req, transport.ResultWriteNotPermitted)
		return
	}
	if !protocol.SameID(req.CharacteristicID, s.opts.Descriptor.WriteCharID) || len(req.Value) == 0 {
		s.respond(r.ctx, req, transport.ResultAttributeNotFound)
		return
	}

	if req.Mode == transport.WithResponse {
		s.respond(r.ctx, req, transport.ResultSuccess)
	}

	msg, err := s.codec.Decode(req.Value)
	if err != nil {
		logger.Warn(s.prefix, "bad write from %s: %v", req.Central, err)
		s.log.Append(exchange.Entry{Text: exchange.Failed(err)})
		return
	}

	latency, now := s.tracker.Observe()
	s.log.Append(exchange.Entry{Text: exchange.FromScanner(msg.Index), Latency: latency, Time: now})

	r.replies.Push(outbound{central: req.Central, index: exchange.EchoIndex(msg.Index)})
}

func (s *Session) sendReplies(r *run) {
	defer r.loops.Done()
	queue := r.replies.Stream()
	for {
		select {
		case out, ok := <-queue.C():
			if !ok {
				return
			}
			s.reply(r.ctx, out.central, out.index)
		case <-r.ctx.Done():
			return
		}
	}
}

func (s *Session) reply(ctx context.Context, central transport.Peer, index int64) {
	value, err := s.codec.Encode(protocol.Message{Index: index})
	if err != nil {
		logger.Warn(s.prefix, "failed to encode reply %d: %v", index, err)
		return
	}
	err = s.serial.Do(ctx, func() error {
		return s.manager.Notify(ctx, value, s.opts.Descriptor.NotifyCharID, []transport.Peer{central})
	})
	if err != nil {
		logger.Warn(s.prefix, "failed to response: %v", err)
		return
	}
	logger.Trace(s.prefix, "📤 replied %d to %s", index, central)
}
