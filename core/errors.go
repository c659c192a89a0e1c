package core

import (
	"errors"

	"github.com/lisuiheng/wslink/pkg/interfaces"
)

var (
	ErrUnsupportedProtocol = interfaces.ErrUnsupportedProtocol
	ErrConnectionFailed    = interfaces.ErrConnectionFailed
	ErrNormalClosure       = errors.New("connection closed normally")
	ErrSessionClosed       = errors.New("session closed")
	ErrDisconnected        = errors.New("disconnected while connecting")
	ErrInvalidConfig       = errors.New("invalid config")
)
