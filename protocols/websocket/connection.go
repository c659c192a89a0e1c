package websocket

import (
	"errors"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/wslink/pkg/interfaces"
)

// Credential placement modes.
const (
	AuthModeHeader      = "header"
	AuthModeSubprotocol = "subprotocol"
)

// recordCloseError keeps the first close status seen on the connection. A
// read error that is not a close frame counts as an abnormal closure.
func (p *WSProtocol) recordCloseError(err error) {
	code, reason := closeStatusOf(err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeCode != interfaces.CloseNoStatus {
		return
	}
	p.closeCode = code
	p.closeReason = reason
}

func closeStatusOf(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return interfaces.CloseAbnormalClosure, err.Error()
}

// IsNormalClosure reports whether code ends a session for good.
func IsNormalClosure(code int) bool {
	return code == interfaces.CloseNormalClosure
}
