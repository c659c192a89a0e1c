package core

import (
	"context"
	"time"

	"github.com/lisuiheng/wslink/pkg/interfaces"
)

// heartbeatLoop sends a ping every interval and checks that a pong arrived
// after it. Once more than MaxMisses probes in a row go unanswered the
// connection is torn down and, if enabled, re-established.
func (s *Session) heartbeatLoop(ctx context.Context, gen uint64, t interfaces.TransportProtocol) {
	defer s.enterActivity("heartbeat")()

	hb := s.config.Heartbeat
	timer := time.NewTimer(hb.Interval)
	defer timer.Stop()

	for t.State() == interfaces.StateOpen {
		// The mark is taken before the ping goes out, so a reply can never
		// predate it and evidence from earlier probes is never consulted.
		mark := s.evidence.Mark()
		s.logger.Debug("Ping!", "generation", gen)
		if err := t.Send([]byte(hb.Ping), interfaces.MsgText); err != nil {
			s.logger.Warn("Failed to send heartbeat", "error", err)
		}

		timer.Reset(hb.Interval)
		select {
		case <-ctx.Done():
			return
		case <-t.Done():
			return
		case <-timer.C:
		}

		found, next := s.evidence.Scan(mark, hb.Pong)
		s.evidence.Discard(next)
		if found {
			s.misses.Store(0)
			s.logger.Debug("Pong received", "generation", gen)
			continue
		}

		misses := s.misses.Add(1)
		s.logger.Warn("Heartbeat not answered", "misses", misses, "interval", hb.Interval)
		if int(misses) > hb.MaxMisses {
			s.logger.Error("Server not responding to heartbeats", "probes", misses)
			if ctx.Err() != nil {
				return
			}
			s.triggerReconnect(gen, "heartbeat timeout", true)
			return
		}
	}
}
