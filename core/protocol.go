package core

import (
	"fmt"
	"log/slog"

	"github.com/lisuiheng/wslink/pkg/interfaces"
	"github.com/lisuiheng/wslink/protocols/websocket"
)

// TransportFactory builds a fresh, unconnected transport for one connect
// attempt.
type TransportFactory func(cfg Config, log *slog.Logger) (interfaces.TransportProtocol, error)

// NewProtocol builds the transport named by cfg.Server.Transport.
func NewProtocol(cfg Config, log *slog.Logger) (interfaces.TransportProtocol, error) {
	switch cfg.Server.Transport {
	case "", "websocket":
		var wsConfig websocket.Config
		wsConfig.Server.URL = cfg.Server.URL
		wsConfig.Server.HandshakeTimeout = cfg.Server.HandshakeTimeout
		wsConfig.Server.ReadLimit = cfg.Server.ReadLimit
		wsConfig.Server.SendQueue = cfg.Server.SendQueue
		wsConfig.Server.WriteTimeout = cfg.Server.WriteTimeout
		wsConfig.Server.CloseTimeout = cfg.Server.CloseTimeout
		wsConfig.Auth.Token = cfg.Auth.Token
		wsConfig.Auth.Mode = cfg.Auth.Mode
		wsConfig.Auth.Header = cfg.Auth.Header
		wsConfig.Auth.Scheme = cfg.Auth.Scheme
		wsConfig.Client.ID = cfg.Session.ClientID
		return websocket.NewWebSocketProtocol(wsConfig, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, cfg.Server.Transport)
	}
}
