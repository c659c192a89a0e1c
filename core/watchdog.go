package core

import (
	"context"
	"time"

	"github.com/lisuiheng/wslink/pkg/interfaces"
)

// watchLoop polls the transport state and reacts as soon as the connection
// stops being open. A normal closure from the peer ends the session without
// a reconnect; any other closure reconnects if enabled.
func (s *Session) watchLoop(ctx context.Context, gen uint64, t interfaces.TransportProtocol) {
	defer s.enterActivity("watchdog")()

	ticker := time.NewTicker(s.config.Watchdog.Interval)
	defer ticker.Stop()

watch:
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Done():
			break watch
		case <-ticker.C:
			if t.State() != interfaces.StateOpen {
				break watch
			}
		}
	}
	if ctx.Err() != nil {
		return
	}

	code, reason := t.CloseStatus()
	s.logger.Warn("Connection left open state", "state", t.State(), "code", code, "reason", reason)
	s.triggerReconnect(gen, "connection closed", code != interfaces.CloseNormalClosure)
}
