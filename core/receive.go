package core

import (
	"context"
	"strings"

	"github.com/lisuiheng/wslink/pkg/interfaces"
	"github.com/lisuiheng/wslink/utils"
)

// receiveLoop consumes frames until the transport closes its receive channel
// or ctx is cancelled. Reconnecting is left to the watchdog and heartbeat.
func (s *Session) receiveLoop(ctx context.Context, t interfaces.TransportProtocol) {
	defer s.enterActivity("receive")()
	s.logger.Debug("Starting receive loop")
	defer s.logger.Debug("Receive loop stopped")

	msgs := t.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handleFrame(msg)
		}
	}
}

// handleFrame sanitizes one frame, records it as liveness evidence and
// dispatches it by tag. Frames that are not valid JSON or carry no tag are
// dropped.
func (s *Session) handleFrame(msg interfaces.Message) {
	if msg.Type == interfaces.MsgControl {
		return
	}
	text := utils.Sanitize(string(msg.Payload))
	if strings.TrimSpace(text) == "" {
		return
	}
	s.evidence.Append(text)

	tag, err := s.tags.Extract(text)
	if err != nil {
		s.logger.Debug("Dropping frame", "reason", err, "size", len(text))
		return
	}
	s.registry.Dispatch(tag, text)
}
