package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lisuiheng/wslink/logger"
	"github.com/lisuiheng/wslink/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession_Validates(t *testing.T) {
	_, err := NewSession(testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Server.URL = "http://example.com"
	_, err = NewSession(cfg, logger.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSession_Connect(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	var connected atomic.Int32
	s.OnConnected(func() { connected.Add(1) })

	assert.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, int32(1), connected.Load())
	assert.Equal(t, 1, d.attempts())

	st := s.Status()
	assert.Equal(t, "test-client", st.ClientID)
	assert.Equal(t, "open", st.ConnectionStatus)
	assert.Equal(t, uint64(1), st.Generation)
	require.Eventually(t, func() bool { return s.Status().Activities == 3 }, waitFor, tick)
}

func TestSession_SendBeforeConnectIsNoop(t *testing.T) {
	s := newTestSession(t, testConfig(), &fakeDialer{})
	assert.NoError(t, s.Send("hello"))
	assert.Equal(t, "disconnected", s.Status().ConnectionStatus)
}

func TestSession_Send(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Send(`{"action":"chat","text":"hi"}`))
	assert.Contains(t, d.last().sentFrames(), `{"action":"chat","text":"hi"}`)
}

func TestSession_SendAfterDisconnect(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, s.Send("hello"), interfaces.ErrConnectionClosed)
	})
	assert.NotContains(t, d.last().sentFrames(), "hello")
}

func TestSession_DisconnectClosesNormally(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	var disconnected atomic.Int32
	s.OnDisconnected(func() { disconnected.Add(1) })
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()

	f := d.last()
	f.mu.Lock()
	assert.Equal(t, 1, f.closeCalls)
	assert.Equal(t, interfaces.CloseNormalClosure, f.closedWith)
	assert.Equal(t, "Client closed", f.closeText)
	f.mu.Unlock()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(1), disconnected.Load())
	require.Eventually(t, func() bool { return s.Status().Activities == 0 }, waitFor, tick)

	// Nothing reconnects on its own after a deliberate disconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.attempts())
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_DisconnectFallsBackToAbort(t *testing.T) {
	d := &fakeDialer{configure: func(_ int, f *fakeTransport) {
		f.closeErr = errors.New("write close frame: broken pipe")
	}}
	s := newTestSession(t, testConfig(), d)
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()

	f := d.last()
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.closeCalls)
	assert.True(t, f.aborted)
}

func TestSession_DisconnectContainsCallbackPanic(t *testing.T) {
	s := newTestSession(t, testConfig(), &fakeDialer{})
	s.OnDisconnected(func() { panic("callback exploded") })
	require.NoError(t, s.Connect(context.Background()))

	assert.NotPanics(t, s.Disconnect)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_DisconnectWithoutConnect(t *testing.T) {
	s := newTestSession(t, testConfig(), &fakeDialer{})
	assert.NotPanics(t, s.Disconnect)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_DispatchesByAction(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	got := make(chan string, 4)
	require.NoError(t, s.RegisterProtocolCallback("chat", func(raw string) error {
		got <- raw
		return nil
	}))
	require.NoError(t, s.Connect(context.Background()))

	frame := `{"action":"chat","text":"hi there"}`
	d.last().deliver(frame)

	select {
	case raw := <-got:
		assert.Equal(t, frame, raw)
	case <-time.After(waitFor):
		t.Fatal("handler not called")
	}
}

func TestSession_DropsMalformedAndUntaggedFrames(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	got := make(chan string, 4)
	require.NoError(t, s.RegisterProtocolCallback("chat", func(raw string) error {
		got <- raw
		return nil
	}))
	require.NoError(t, s.Connect(context.Background()))

	f := d.last()
	f.deliver(`{"action":"chat"`)
	f.deliver(`{"text":"no action"}`)
	f.deliver(`{"action":"tts"}`)
	f.deliver(`{"action":"chat","n":2}`)

	select {
	case raw := <-got:
		assert.Equal(t, `{"action":"chat","n":2}`, raw)
	case <-time.After(waitFor):
		t.Fatal("handler not called")
	}
	assert.Empty(t, got)
	assert.Equal(t, StateOpen, s.State())
}

func TestSession_SanitizesBeforeDispatch(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	got := make(chan string, 1)
	require.NoError(t, s.RegisterProtocolCallback("chat", func(raw string) error {
		got <- raw
		return nil
	}))
	require.NoError(t, s.Connect(context.Background()))

	d.last().deliver("{\"action\":\"chat\",\r\n\"text\":\"100%? sure\"}\x00")

	select {
	case raw := <-got:
		assert.Equal(t, `{"action":"chat","text":"100 sure"}`, raw)
	case <-time.After(waitFor):
		t.Fatal("handler not called")
	}
}

func TestSession_HandlerFaultsDoNotStopDispatch(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	var faults atomic.Int32
	s.Registry().OnFault(func(string, error) { faults.Add(1) })

	got := make(chan string, 4)
	require.NoError(t, s.RegisterProtocolCallback("chat", func(string) error {
		panic("handler bug")
	}))
	require.NoError(t, s.RegisterProtocolCallback("chat", func(raw string) error {
		got <- raw
		return nil
	}))
	require.NoError(t, s.Connect(context.Background()))

	d.last().deliver(`{"action":"chat","n":1}`)
	d.last().deliver(`{"action":"chat","n":2}`)

	for _, want := range []string{`{"action":"chat","n":1}`, `{"action":"chat","n":2}`} {
		select {
		case raw := <-got:
			assert.Equal(t, want, raw)
		case <-time.After(waitFor):
			t.Fatal("second handler not called")
		}
	}
	assert.Equal(t, int32(2), faults.Load())
	assert.Equal(t, StateOpen, s.State())
}

func TestSession_HandlerMayDisconnect(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)
	require.NoError(t, s.RegisterProtocolCallback("bye", func(string) error {
		s.Disconnect()
		return nil
	}))
	require.NoError(t, s.Connect(context.Background()))

	d.last().deliver(`{"action":"bye"}`)
	require.Eventually(t, func() bool { return s.State() == StateClosed }, waitFor, tick)
	require.Eventually(t, func() bool { return s.Status().Activities == 0 }, waitFor, tick)
}

func TestSession_RetriesUntilOpen(t *testing.T) {
	d := &fakeDialer{configure: func(attempt int, f *fakeTransport) {
		if attempt < 3 {
			f.connectErr = errDial
		}
	}}
	s := newTestSession(t, testConfig(), d)

	var disconnected, connected atomic.Int32
	s.OnDisconnected(func() { disconnected.Add(1) })
	s.OnConnected(func() { connected.Add(1) })

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 3, d.attempts())
	assert.Equal(t, int32(2), disconnected.Load())
	assert.Equal(t, int32(1), connected.Load())
	assert.Equal(t, StateOpen, s.State())
}

func TestSession_NormalClosureDuringHandshakeIsTerminal(t *testing.T) {
	d := &fakeDialer{configure: func(_ int, f *fakeTransport) {
		f.connectErr = errDial
		f.closeCode = interfaces.CloseNormalClosure
		f.closeReason = "bye"
	}}
	s := newTestSession(t, testConfig(), d)

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNormalClosure)
	assert.Equal(t, 1, d.attempts())
	assert.Equal(t, StateFaulted, s.State())
}

func TestSession_MaxAttempts(t *testing.T) {
	d := &fakeDialer{configure: func(_ int, f *fakeTransport) {
		f.connectErr = errDial
	}}
	cfg := testConfig()
	cfg.Reconnect.MaxAttempts = 3
	s := newTestSession(t, cfg, d)

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, errDial)
	assert.Equal(t, 3, d.attempts())
	assert.Equal(t, StateFaulted, s.State())
}

func TestSession_ConnectHonoursContext(t *testing.T) {
	d := &fakeDialer{configure: func(_ int, f *fakeTransport) {
		f.connectErr = errDial
	}}
	s := newTestSession(t, testConfig(), d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, s.State())
	assert.Greater(t, d.attempts(), 1)
}

func TestSession_DisconnectStopsReconnectRetries(t *testing.T) {
	d := &fakeDialer{configure: func(attempt int, f *fakeTransport) {
		if attempt > 1 {
			f.connectErr = errDial
		}
	}}
	s := newTestSession(t, testConfig(), d)

	var connected atomic.Int32
	s.OnConnected(func() { connected.Add(1) })
	require.NoError(t, s.Connect(context.Background()))

	d.last().peerClose(interfaces.CloseAbnormalClosure, "connection reset")
	require.Eventually(t, func() bool { return d.attempts() >= 4 }, waitFor, tick)

	s.Disconnect()
	assert.Equal(t, StateClosed, s.State())
	attempts := d.attempts()

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, d.attempts(), attempts+1)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, uint64(1), s.Status().Generation)
	assert.Equal(t, int32(1), connected.Load())
}

func TestSession_DisconnectAbortsPendingConnect(t *testing.T) {
	d := &fakeDialer{configure: func(attempt int, f *fakeTransport) {
		if attempt == 1 {
			f.gate = make(chan struct{})
		}
	}}
	s := newTestSession(t, testConfig(), d)

	errs := make(chan error, 1)
	go func() { errs <- s.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return d.attempts() == 1 }, waitFor, tick)

	s.Disconnect()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return after Disconnect")
	}

	assert.Equal(t, 1, d.attempts())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, uint64(0), s.Status().Generation)
	f := d.transport(0)
	f.mu.Lock()
	assert.True(t, f.aborted)
	f.mu.Unlock()

	// The session stays usable.
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateOpen, s.State())
}

func TestSession_ConcurrentConnectSharesAttempt(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{configure: func(attempt int, f *fakeTransport) {
		if attempt == 1 {
			f.gate = gate
		}
	}}
	s := newTestSession(t, testConfig(), d)

	var connected atomic.Int32
	s.OnConnected(func() { connected.Add(1) })

	errs := make(chan error, 2)
	go func() { errs <- s.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return d.attempts() == 1 }, waitFor, tick)
	go func() { errs <- s.Connect(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, d.attempts())
	assert.Equal(t, int32(1), connected.Load())
}

func TestSession_ReconnectLoopKeepsOneSetOfActivities(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Connect(context.Background()))
		assert.LessOrEqual(t, s.Status().Activities, int32(3))
		s.Disconnect()
	}
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.Status().Activities == 3 }, waitFor, tick)

	assert.Equal(t, 21, d.attempts())
	assert.Equal(t, uint64(21), s.Status().Generation)
	// Every earlier connection was closed exactly once.
	for i := 0; i < 20; i++ {
		f := d.transport(i)
		f.mu.Lock()
		assert.Equal(t, 1, f.closeCalls, "transport %d", i)
		f.mu.Unlock()
	}
}

func TestSession_ConnectReplacesOpenConnection(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, 2, d.attempts())
	assert.Equal(t, interfaces.StateClosed, d.transport(0).State())
	assert.Equal(t, interfaces.StateOpen, d.transport(1).State())
	require.Eventually(t, func() bool { return s.Status().Activities == 3 }, waitFor, tick)
}

func TestSession_Close(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(0), s.Status().Activities)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrSessionClosed)
	assert.Equal(t, 1, d.attempts())
}

func TestSession_CloseCancelsPendingConnect(t *testing.T) {
	d := &fakeDialer{configure: func(_ int, f *fakeTransport) {
		f.connectErr = errDial
	}}
	s := newTestSession(t, testConfig(), d)

	errs := make(chan error, 1)
	go func() { errs <- s.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return d.attempts() >= 2 }, waitFor, tick)

	require.NoError(t, s.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return after Close")
	}
}

func TestSession_Run(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, testConfig(), d)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)
	cancel()
	wg.Wait()

	assert.NoError(t, runErr)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrSessionClosed)
}
