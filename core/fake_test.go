package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lisuiheng/wslink/logger"
	"github.com/lisuiheng/wslink/pkg/interfaces"
	"github.com/lisuiheng/wslink/utils"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial refused")

// fakeTransport is an in-memory TransportProtocol. Frames handed to deliver
// show up on Receive; everything sent is recorded.
type fakeTransport struct {
	// set before Connect
	connectErr  error
	closeErr    error
	autoPong    bool
	gate        chan struct{}
	closeCode   int
	closeReason string

	state atomic.Int32
	recv  chan interfaces.Message
	done  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	sent       []string
	closeCalls int
	closedWith int
	closeText  string
	aborted    bool
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{
		recv: make(chan interfaces.Message, 256),
		done: make(chan struct{}),
	}
	f.state.Store(int32(interfaces.StateConnecting))
	return f
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			f.finish()
			return ctx.Err()
		}
	}
	if f.connectErr != nil {
		f.finish()
		return f.connectErr
	}
	f.state.Store(int32(interfaces.StateOpen))
	return nil
}

func (f *fakeTransport) Send(data []byte, _ interfaces.MessageType) error {
	if f.State() != interfaces.StateOpen {
		return interfaces.ErrConnectionClosed
	}
	f.mu.Lock()
	f.sent = append(f.sent, string(data))
	pong := f.autoPong
	f.mu.Unlock()
	if pong && string(data) == PingMessage {
		f.deliver(PongMessage)
	}
	return nil
}

func (f *fakeTransport) deliver(text string) {
	select {
	case f.recv <- interfaces.Message{Payload: []byte(text), Type: interfaces.MsgText}:
	default:
	}
}

func (f *fakeTransport) setAutoPong(on bool) {
	f.mu.Lock()
	f.autoPong = on
	f.mu.Unlock()
}

func (f *fakeTransport) Receive() <-chan interfaces.Message { return f.recv }

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) State() interfaces.TransportState {
	return interfaces.TransportState(f.state.Load())
}

func (f *fakeTransport) CloseStatus() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closeCalls++
	f.closedWith = code
	f.closeText = reason
	err := f.closeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.finish()
	return nil
}

func (f *fakeTransport) Abort() {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	f.finish()
}

func (f *fakeTransport) ProtocolType() string { return "fake" }

// peerClose simulates the server closing the connection.
func (f *fakeTransport) peerClose(code int, reason string) {
	f.mu.Lock()
	f.closeCode = code
	f.closeReason = reason
	f.mu.Unlock()
	f.finish()
}

func (f *fakeTransport) finish() {
	f.once.Do(func() {
		f.state.Store(int32(interfaces.StateClosed))
		close(f.done)
	})
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) count(frame string) int {
	n := 0
	for _, s := range f.sentFrames() {
		if s == frame {
			n++
		}
	}
	return n
}

// fakeDialer hands out one fakeTransport per connect attempt. configure, if
// set, adjusts each transport before it is returned; attempts count from 1.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	configure  func(attempt int, f *fakeTransport)
}

func (d *fakeDialer) factory(Config, *slog.Logger) (interfaces.TransportProtocol, error) {
	f := newFakeTransport()
	f.autoPong = true

	d.mu.Lock()
	d.transports = append(d.transports, f)
	attempt := len(d.transports)
	configure := d.configure
	d.mu.Unlock()

	if configure != nil {
		configure(attempt, f)
	}
	return f, nil
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.URL = "ws://fake.invalid/ws"
	cfg.Session.ClientID = "test-client"
	cfg.Heartbeat.Interval = 20 * time.Millisecond
	cfg.Watchdog.Interval = 5 * time.Millisecond
	cfg.Reconnect.InitialDelay = time.Millisecond
	cfg.Reconnect.MaxDelay = time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, cfg Config, d *fakeDialer) *Session {
	t.Helper()
	s, err := NewSession(cfg, logger.Nop(),
		WithTransportFactory(d.factory),
		WithReconnectStrategy(utils.NewFixedDelay(time.Millisecond)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)
