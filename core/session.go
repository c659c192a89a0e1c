package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lisuiheng/wslink/dispatch"
	"github.com/lisuiheng/wslink/pkg/interfaces"
	"github.com/lisuiheng/wslink/utils"
	"golang.org/x/sync/singleflight"
)

const clientClosedReason = "Client closed"

// Session keeps one logical connection to an endpoint alive. It owns the
// transport and the three per-connection activities: receive loop, heartbeat
// monitor and status watchdog.
//
// Protocol callbacks run on the receive loop. They may call Send and
// Disconnect, but must not call Connect synchronously since Connect waits for
// the previous receive loop to exit.
type Session struct {
	config   Config
	logger   *slog.Logger
	registry *dispatch.Registry
	tags     *dispatch.TagExtractor
	evidence *evidenceBuffer
	strategy utils.ReconnectStrategy
	factory  TransportFactory

	// life is cancelled by Close and bounds every connect attempt.
	life       context.Context
	endLife    context.CancelFunc
	connecting singleflight.Group

	mu          sync.Mutex
	state       ConnectionState
	transport   interfaces.TransportProtocol
	runCancel   context.CancelFunc
	dialCancel  context.CancelCauseFunc // in-flight connect, if any
	disconnects uint64
	generation  uint64
	tornDown    uint64
	closed      bool

	onConnected    func()
	onDisconnected func()

	activities sync.WaitGroup // receive, heartbeat and watchdog goroutines
	background sync.WaitGroup // reconnects started by the session
	closeOnce  sync.Once

	misses     atomic.Int32
	reconnects atomic.Int64
	running    atomic.Int32
}

// Option customises a Session.
type Option func(*Session)

// WithTransportFactory replaces NewProtocol as the transport constructor.
func WithTransportFactory(f TransportFactory) Option {
	return func(s *Session) { s.factory = f }
}

// WithReconnectStrategy replaces the exponential backoff built from the
// reconnect config.
func WithReconnectStrategy(r utils.ReconnectStrategy) Option {
	return func(s *Session) { s.strategy = r }
}

// NewSession creates a session for cfg. It does not connect.
func NewSession(cfg Config, log *slog.Logger, opts ...Option) (*Session, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tags, err := dispatch.NewTagExtractor(cfg.Dispatch.TagPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	life, endLife := context.WithCancel(context.Background())
	s := &Session{
		config:   cfg,
		logger:   log,
		registry: dispatch.NewRegistry(log),
		tags:     tags,
		evidence: newEvidenceBuffer(cfg.Dispatch.EvidenceLimit),
		strategy: utils.NewExponentialBackoff(
			cfg.Reconnect.InitialDelay,
			cfg.Reconnect.MaxDelay,
			cfg.Reconnect.Multiplier,
			cfg.Reconnect.Jitter,
		),
		factory: NewProtocol,
		life:    life,
		endLife: endLife,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterProtocolCallback adds h to the handlers for tag. Registrations
// survive reconnects.
func (s *Session) RegisterProtocolCallback(tag string, h dispatch.HandlerFunc) error {
	return s.registry.Register(tag, h)
}

// Registry exposes the dispatch table, e.g. to install a fault observer.
func (s *Session) Registry() *dispatch.Registry {
	return s.registry
}

// OnConnected sets the callback fired after every successful connect. It
// runs inside Connect, so it must not call Connect itself.
func (s *Session) OnConnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// OnDisconnected sets the callback fired on every disconnect and before a
// retry that follows a failed connect attempt. Retries notify from inside
// Connect, so the callback must not call Connect synchronously.
func (s *Session) OnDisconnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = fn
}

// Connect tears down any previous connection and dials until the transport
// is open, the peer closes normally, attempts run out or ctx is cancelled.
// Concurrent calls share one attempt. A Disconnect while dialing ends the
// attempt with ErrDisconnected.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	_, err, _ := s.connecting.Do("connect", func() (any, error) {
		return nil, s.connect(ctx)
	})
	return err
}

func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.life, func() { cancel(nil) })
	defer stop()

	s.mu.Lock()
	s.dialCancel = cancel
	epoch := s.disconnects
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.dialCancel = nil
		s.mu.Unlock()
	}()

	s.stopActivities()
	s.discardTransport()
	s.setState(StateConnecting)
	s.logger.Info("Connecting to server",
		"url", s.config.Server.URL,
		"transport", s.config.Server.Transport)

	var opened interfaces.TransportProtocol
	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		t, err := s.factory(s.config, s.logger)
		if err != nil {
			s.logger.Error("Failed to create transport", "error", err)
			return backoff.Permanent(err)
		}
		s.mu.Lock()
		s.transport = t
		s.mu.Unlock()

		if err := t.Connect(ctx); err != nil {
			t.Abort()
			if code, reason := t.CloseStatus(); code == interfaces.CloseNormalClosure {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrNormalClosure, reason))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.logger.Error("Failed to connect to server", "attempt", attempt, "error", err)
			s.fireDisconnected()
			return err
		}

		if st := t.State(); st != interfaces.StateOpen {
			code, reason := t.CloseStatus()
			t.Abort()
			if code == interfaces.CloseNormalClosure {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrNormalClosure, reason))
			}
			s.logger.Error("Connection not open after handshake", "state", st, "code", code, "reason", reason)
			return fmt.Errorf("%w: transport %s after handshake", ErrConnectionFailed, st)
		}
		opened = t
		return nil
	}

	var b backoff.BackOff = utils.BackOff(s.strategy)
	if n := s.config.Reconnect.MaxAttempts; n > 0 {
		b = backoff.WithMaxRetries(b, uint64(n-1))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		s.logger.Warn("Retrying connect", "delay", d, "error", err)
	})
	if err != nil {
		if !s.isClosed() && errors.Is(context.Cause(ctx), ErrDisconnected) {
			s.setState(StateClosed)
			return ErrDisconnected
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.setState(StateClosed)
		} else {
			s.setState(StateFaulted)
		}
		return err
	}

	if err := s.start(opened, epoch); err != nil {
		opened.Abort()
		s.setState(StateClosed)
		return err
	}
	return nil
}

// start installs an open transport and launches its activities. It fails
// when the session was closed or disconnected since the attempt began.
func (s *Session) start(t interfaces.TransportProtocol, epoch uint64) error {
	runCtx, cancel := context.WithCancel(s.life)

	s.mu.Lock()
	if s.closed || s.disconnects != epoch {
		closed := s.closed
		s.mu.Unlock()
		cancel()
		if closed {
			return ErrSessionClosed
		}
		return ErrDisconnected
	}
	s.generation++
	gen := s.generation
	s.transport = t
	s.runCancel = cancel
	s.activities.Add(1)
	if s.config.Heartbeat.Enabled {
		s.activities.Add(1)
	}
	if s.config.Watchdog.Enabled {
		s.activities.Add(1)
	}
	s.mu.Unlock()

	s.misses.Store(0)
	s.evidence.Reset()
	s.setState(StateOpen)
	s.logger.Info("Connected to server successfully", "generation", gen)
	s.fireConnected()

	go s.receiveLoop(runCtx, t)
	if s.config.Heartbeat.Enabled {
		go s.heartbeatLoop(runCtx, gen, t)
	}
	if s.config.Watchdog.Enabled {
		go s.watchLoop(runCtx, gen, t)
	}
	return nil
}

// stopActivities cancels the running activities and waits for them to exit.
func (s *Session) stopActivities() {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.tornDown = s.generation
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.activities.Wait()
}

func (s *Session) discardTransport() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		t.Abort()
	}
}

// Disconnect closes the connection with a normal closure and stops the
// activities, including a connect or reconnect still dialing. Configuration
// and protocol callbacks are kept for a later Connect. It never panics and
// never blocks on the activities, so protocol callbacks may call it.
func (s *Session) Disconnect() {
	s.mu.Lock()
	t := s.transport
	cancel := s.runCancel
	s.runCancel = nil
	dialCancel := s.dialCancel
	s.disconnects++
	s.tornDown = s.generation
	s.mu.Unlock()

	if t != nil {
		s.setState(StateClosing)
	}
	if dialCancel != nil {
		dialCancel(ErrDisconnected)
	}
	if cancel != nil {
		cancel()
	}
	if t != nil {
		s.closeTransport(t)
	}
	s.fireDisconnected()
	s.evidence.Reset()
	s.setState(StateClosed)
}

func (s *Session) closeTransport(t interfaces.TransportProtocol) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Panic while closing connection", "panic", p)
			t.Abort()
		}
	}()

	if t.State() != interfaces.StateOpen {
		t.Abort()
		return
	}
	if err := t.Close(interfaces.CloseNormalClosure, clientClosedReason); err != nil {
		s.logger.Warn("Graceful close failed, aborting connection", "error", err)
		t.Abort()
	}
}

// Send queues message as a single text frame. It is a no-op before the first
// connect and reports an error, without panicking, when the connection is
// closed. Write failures are not reported here; they surface as a lost
// connection.
func (s *Session) Send(message string) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	if t.State() == interfaces.StateClosed {
		s.logger.Error("Connection is closed when sending", "message", message)
		return interfaces.ErrConnectionClosed
	}
	if err := t.Send([]byte(message), interfaces.MsgText); err != nil {
		s.logger.Error("Failed to queue message", "error", err)
		return err
	}
	return nil
}

// Run connects and blocks until ctx is cancelled, then closes the session.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("Starting session")
	defer s.logger.Info("Session stopped")

	if err := s.Connect(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.life.Done():
	}
	return s.Close()
}

// Close ends the session: pending reconnects are cancelled, the connection is
// closed and background goroutines are waited for. Connect fails afterwards.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("Closing session")
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.endLife()
		s.Disconnect()
		s.activities.Wait()
		s.background.Wait()
		s.logger.Info("Session closed successfully")
	})
	return nil
}

// triggerReconnect tears the connection of generation gen down at most once
// and, when allowed, reconnects in the background.
func (s *Session) triggerReconnect(gen uint64, reason string, reconnect bool) bool {
	s.mu.Lock()
	if s.closed || gen != s.generation || gen <= s.tornDown {
		s.mu.Unlock()
		return false
	}
	s.tornDown = gen
	s.background.Add(1)
	s.mu.Unlock()

	s.logger.Warn("Connection lost", "reason", reason, "generation", gen)
	go func() {
		defer s.background.Done()
		s.Disconnect()
		if !reconnect || !s.config.Session.Reconnect {
			return
		}
		s.reconnects.Add(1)
		err := s.Connect(s.life)
		if err != nil && !errors.Is(err, context.Canceled) &&
			!errors.Is(err, ErrSessionClosed) && !errors.Is(err, ErrDisconnected) {
			s.logger.Error("Reconnect failed", "error", err)
		}
	}()
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Misses returns the number of consecutive unanswered heartbeats.
func (s *Session) Misses() int {
	return int(s.misses.Load())
}

// Status returns a snapshot of the session for diagnostics.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	connStatus := "disconnected"
	if s.transport != nil {
		connStatus = s.transport.State().String()
	}
	return Status{
		State:            s.state,
		ClientID:         s.config.Session.ClientID,
		ConnectionStatus: connStatus,
		Generation:       s.generation,
		Reconnects:       s.reconnects.Load(),
		Misses:           s.misses.Load(),
		Activities:       s.running.Load(),
	}
}

func (s *Session) setState(newState ConnectionState) {
	s.mu.Lock()
	oldState := s.state
	s.state = newState
	s.mu.Unlock()

	if oldState != newState {
		s.logger.Info("State changed", "from", oldState, "to", newState)
	}
}

func (s *Session) fireConnected() {
	s.mu.Lock()
	fn := s.onConnected
	s.mu.Unlock()
	s.safeCall("OnConnected", fn)
}

func (s *Session) fireDisconnected() {
	s.mu.Lock()
	fn := s.onDisconnected
	s.mu.Unlock()
	s.safeCall("OnDisconnected", fn)
}

func (s *Session) safeCall(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Callback panicked", "callback", name, "panic", p)
		}
	}()
	fn()
}

// enterActivity marks the start of a per-connection goroutine. The returned
// func must be deferred; it recovers panics and marks the exit.
func (s *Session) enterActivity(name string) func() {
	s.running.Add(1)
	return func() {
		if p := recover(); p != nil {
			s.logger.Error("Background activity panicked", "activity", name, "panic", p)
		}
		s.running.Add(-1)
		s.activities.Done()
	}
}
