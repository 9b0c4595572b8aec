package session

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Meteo-X/pixiu/internal/logging"
)

// Time allowed for a single frame write to the peer.
const writeWait = 5 * time.Second

// readPump consumes client frames until the connection dies or the
// session closes. Inbound frames on one connection are handled in
// receive order; subscription mutations therefore apply in the order the
// client issued them.
func (s *Session) readPump() {
	defer logging.RecoverPanic(s.logger, "readPump", map[string]any{"session_id": s.id})

	reason := ReasonReadError
	defer func() {
		s.Close(reason)
	}()

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			var closed wsutil.ClosedError
			switch {
			case errors.As(err, &closed):
				reason = ReasonClientClose
			case errors.Is(err, io.EOF):
				reason = ReasonClientClose
			case isTimeout(err):
				reason = ReasonHeartbeatTimeout
				s.stats.HeartbeatTimeout()
			}
			return
		}

		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		s.bytesReceived.Add(int64(len(msg)))
		s.stats.AddBytesReceived(int64(len(msg)))

		switch op {
		case ws.OpText:
			s.handleFrame(msg)
		case ws.OpPing:
			// WebSocket-level ping is equivalent to the JSON ping: reply
			// in kind through the writer goroutine.
			s.enqueueControl(ws.OpPong, msg)
		case ws.OpPong:
			// Activity already recorded.
		case ws.OpClose:
			reason = ReasonClientClose
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// enqueueControl hands a control frame to the writer. Best effort: a
// writer that cannot keep up with control traffic is already failing its
// data traffic.
func (s *Session) enqueueControl(op ws.OpCode, payload []byte) {
	select {
	case s.control <- controlFrame{op: op, payload: payload}:
	default:
	}
}

// writePump is the connection's single writer. It batches queued frames
// behind one flush, emits server pings, and owns the Closing drain and
// the final socket release.
func (s *Session) writePump() {
	defer logging.RecoverPanic(s.logger, "writePump", map[string]any{"session_id": s.id})

	writer := bufio.NewWriter(s.conn)
	pingTicker := time.NewTicker(s.cfg.PingInterval)

	reason := ReasonWriteError
	defer func() {
		pingTicker.Stop()
		s.finalize(reason)
	}()

	for {
		select {
		case frame := <-s.send:
			if !s.writeBatch(writer, frame) {
				return
			}

		case ctl := <-s.control:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ctl.op, ctl.payload); err != nil {
				s.logger.Debug().Err(err).Msg("Control write failed")
				return
			}
			s.touch()

		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Ping write failed")
				return
			}

		case <-s.closing:
			reason = s.Reason()
			s.drain(writer, reason)
			return
		}
	}
}

// writeBatch writes one frame plus whatever else is already queued, then
// flushes once. Returns false on write failure.
func (s *Session) writeBatch(writer *bufio.Writer, frame []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	batchBytes := int64(len(frame))
	if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
		s.logger.Debug().Err(err).Msg("Frame write failed")
		return false
	}

	n := len(s.send)
	for i := 0; i < n; i++ {
		frame = <-s.send
		if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
			s.logger.Debug().Err(err).Msg("Frame write failed")
			return false
		}
		batchBytes += int64(len(frame))
	}

	if err := writer.Flush(); err != nil {
		s.logger.Debug().Err(err).Msg("Flush failed")
		return false
	}

	s.touch()
	s.bytesSent.Add(batchBytes)
	s.stats.AddBytesSent(batchBytes)
	if len(s.send) == 0 {
		s.stallSince.Store(0)
	} else {
		s.stallSince.Store(time.Now().UnixNano())
	}
	return true
}

// drain flushes the remaining queue within the grace period, then sends
// the terminal error frame (when the reason maps to one) and a close
// frame. The grace bounds how long a slow client can hold the socket.
func (s *Session) drain(writer *bufio.Writer, reason CloseReason) {
	grace := time.NewTimer(s.cfg.CloseGrace)
	defer grace.Stop()

	for {
		select {
		case frame := <-s.send:
			if !s.writeBatch(writer, frame) {
				return
			}
		case <-grace.C:
			// Grace expired with frames still queued: abort without a
			// clean close.
			return
		default:
			// Queue drained: announce the reason, close cleanly.
			if code, ok := reason.errorCode(); ok {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := wsutil.WriteServerMessage(s.conn, ws.OpText,
					encodeCloseError(code, reason)); err != nil {
					return
				}
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(closeStatus(reason), string(reason))
			ws.WriteFrame(s.conn, ws.NewCloseFrame(body))
			return
		}
	}
}

func closeStatus(reason CloseReason) ws.StatusCode {
	switch reason {
	case ReasonServerShutdown:
		return ws.StatusGoingAway
	case ReasonProtocolAbuse, ReasonFrameTooLarge:
		return ws.StatusPolicyViolation
	case ReasonHeartbeatTimeout, ReasonWriteStall:
		return ws.StatusPolicyViolation
	default:
		return ws.StatusNormalClosure
	}
}

// finalize releases the socket and completes the Closing→Closed edge.
// Runs exactly once, from the writer's defer, for every exit path.
func (s *Session) finalize(reason CloseReason) {
	s.Close(reason) // no-op if a reason was already recorded
	s.conn.Close()
	s.state.Store(int32(StateClosed))
	if s.hooks.OnClosed != nil {
		s.hooks.OnClosed(s, s.Reason())
	}
	close(s.done)
	s.logger.Debug().
		Str("reason", string(s.Reason())).
		Int64("bytes_sent", s.bytesSent.Load()).
		Int64("bytes_received", s.bytesReceived.Load()).
		Int64("dropped", s.dropped.Load()).
		Dur("connected_for", time.Since(s.createdAt)).
		Msg("Session closed")
}
