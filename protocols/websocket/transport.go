// protocols/websocket/transport.go
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/wslink/pkg/interfaces"
)

var _ interfaces.TransportProtocol = (*WSProtocol)(nil)

type WSProtocol struct {
	conn     *websocket.Conn
	config   Config
	log      *slog.Logger
	msgChan  chan interfaces.Message
	sendChan chan interfaces.Message
	done     chan struct{}
	finished sync.Once
	state    atomic.Int32
	mu       sync.Mutex

	// set while Connect dials so Abort can interrupt the handshake
	used       bool
	cancelDial context.CancelFunc
	rawConn    net.Conn

	closeCode   int
	closeReason string
}

// Config holds the websocket specific settings.
type Config struct {
	Server struct {
		URL              string
		HandshakeTimeout time.Duration
		ReadLimit        int64
		SendQueue        int
		WriteTimeout     time.Duration
		CloseTimeout     time.Duration
	}
	Auth struct {
		Token  string
		Mode   string // "header" or "subprotocol"
		Header string
		Scheme string
	}
	Client struct {
		ID string
	}
}

func NewWebSocketProtocol(config Config, log *slog.Logger) (*WSProtocol, error) {
	if config.Server.URL == "" {
		return nil, fmt.Errorf("%w: empty url", interfaces.ErrConnectionFailed)
	}
	if config.Server.SendQueue <= 0 {
		config.Server.SendQueue = 64
	}
	if config.Server.CloseTimeout <= 0 {
		config.Server.CloseTimeout = time.Second
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &WSProtocol{
		config:   config,
		log:      log,
		msgChan:  make(chan interfaces.Message, 100),
		sendChan: make(chan interfaces.Message, config.Server.SendQueue),
		done:     make(chan struct{}),
	}
	p.state.Store(int32(interfaces.StateConnecting))
	return p, nil
}

// Connect dials the server. The lock is only held to claim the transport and
// to publish the connection, so Abort can interrupt a stalled handshake.
func (p *WSProtocol) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.used || p.State() != interfaces.StateConnecting {
		p.mu.Unlock()
		return fmt.Errorf("%w: transport already used", interfaces.ErrConnectionFailed)
	}
	p.used = true
	p.cancelDial = cancel
	p.mu.Unlock()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: p.config.Server.HandshakeTimeout,
		NetDialContext:   p.dialNet,
	}
	headers, subprotocols := p.credentials()
	dialer.Subprotocols = subprotocols

	conn, resp, err := dialer.DialContext(ctx, p.config.Server.URL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	p.mu.Lock()
	p.cancelDial = nil
	p.rawConn = nil
	aborted := p.State() != interfaces.StateConnecting
	if err == nil && !aborted {
		if p.config.Server.ReadLimit > 0 {
			conn.SetReadLimit(p.config.Server.ReadLimit)
		}
		p.conn = conn
		p.state.Store(int32(interfaces.StateOpen))
	}
	p.mu.Unlock()

	switch {
	case err == nil && aborted:
		_ = conn.Close()
		return fmt.Errorf("%w: aborted during handshake", interfaces.ErrConnectionFailed)
	case err != nil:
		p.finish()
		if resp != nil {
			return fmt.Errorf("%w: %v (status %d)", interfaces.ErrConnectionFailed, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}

	go p.readPump()
	go p.writePump()
	return nil
}

// dialNet records the raw socket of the handshake so Abort can close it.
func (p *WSProtocol) dialNet(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != interfaces.StateConnecting {
		_ = c.Close()
		return nil, interfaces.ErrConnectionClosed
	}
	p.rawConn = c
	return c, nil
}

// credentials attaches the access token either as a request header or as a
// sub-protocol pair ("access_token", token).
func (p *WSProtocol) credentials() (http.Header, []string) {
	headers := http.Header{}
	if p.config.Client.ID != "" {
		headers.Set("Client-Id", p.config.Client.ID)
	}
	token := p.config.Auth.Token
	if token == "" {
		return headers, nil
	}
	if p.config.Auth.Mode == AuthModeSubprotocol {
		return headers, []string{"access_token", token}
	}
	name := p.config.Auth.Header
	if name == "" {
		name = "Authorization"
	}
	if p.config.Auth.Scheme != "" {
		token = p.config.Auth.Scheme + " " + token
	}
	headers.Set(name, token)
	return headers, nil
}

// readPump delivers whole messages; gorilla reassembles fragmented frames so
// payload size is bounded only by the read limit.
func (p *WSProtocol) readPump() {
	defer close(p.msgChan)
	defer p.finish()
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.recordCloseError(err)
			return
		}
		select {
		case p.msgChan <- interfaces.Message{Payload: data, Type: convertMsgType(msgType)}:
		case <-p.done:
			return
		}
	}
}

func (p *WSProtocol) writePump() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.sendChan:
			wsType := websocket.TextMessage
			if msg.Type == interfaces.MsgBinary {
				wsType = websocket.BinaryMessage
			}
			if p.config.Server.WriteTimeout > 0 {
				_ = p.conn.SetWriteDeadline(time.Now().Add(p.config.Server.WriteTimeout))
			}
			if err := p.conn.WriteMessage(wsType, msg.Payload); err != nil {
				p.log.Warn("Failed to write message", "error", err)
				p.finish()
				_ = p.conn.Close()
				return
			}
		}
	}
}

func convertMsgType(wsType int) interfaces.MessageType {
	switch wsType {
	case websocket.TextMessage:
		return interfaces.MsgText
	case websocket.BinaryMessage:
		return interfaces.MsgBinary
	default:
		return interfaces.MsgControl
	}
}

func (p *WSProtocol) Send(data []byte, msgType interfaces.MessageType) error {
	if p.State() != interfaces.StateOpen {
		return interfaces.ErrConnectionClosed
	}
	select {
	case <-p.done:
		return interfaces.ErrConnectionClosed
	case p.sendChan <- interfaces.Message{Payload: data, Type: msgType}:
		return nil
	default:
		return interfaces.ErrSendQueueFull
	}
}

func (p *WSProtocol) Receive() <-chan interfaces.Message {
	return p.msgChan
}

func (p *WSProtocol) Done() <-chan struct{} {
	return p.done
}

func (p *WSProtocol) State() interfaces.TransportState {
	return interfaces.TransportState(p.state.Load())
}

func (p *WSProtocol) CloseStatus() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode, p.closeReason
}

func (p *WSProtocol) ProtocolType() string { return "websocket" }

// Close sends a close frame and waits up to the close timeout for the peer to
// answer before dropping the socket. An error means no close frame went out.
func (p *WSProtocol) Close(code int, reason string) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil || p.State() != interfaces.StateOpen {
		return interfaces.ErrConnectionClosed
	}
	p.state.Store(int32(interfaces.StateClosing))

	deadline := time.Now().Add(p.config.Server.CloseTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		return fmt.Errorf("write close frame: %w", err)
	}

	timer := time.NewTimer(p.config.Server.CloseTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.log.Debug("Close handshake timed out", "url", p.config.Server.URL)
	}
	p.finish()
	_ = conn.Close()
	return nil
}

// Abort drops the connection, or interrupts a handshake in progress.
func (p *WSProtocol) Abort() {
	p.mu.Lock()
	p.finish()
	conn := p.conn
	raw := p.rawConn
	cancel := p.cancelDial
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if raw != nil {
		_ = raw.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (p *WSProtocol) finish() {
	p.finished.Do(func() {
		p.state.Store(int32(interfaces.StateClosed))
		close(p.done)
	})
}
