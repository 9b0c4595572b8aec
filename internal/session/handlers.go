package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Meteo-X/pixiu/internal/protocol"
	"github.com/Meteo-X/pixiu/internal/subscription"
)

// handleFrame processes one inbound text frame. Malformed frames are
// answered with an error frame and tolerated up to the protocol-error
// budget; oversize frames are terminal immediately.
func (s *Session) handleFrame(msg []byte) {
	in, err := protocol.ParseInbound(msg, s.cfg.MaxFrameBytes)
	if err != nil {
		s.stats.ProtocolError()

		if errors.Is(err, protocol.ErrFrameTooLarge) {
			s.Submit(protocol.EncodeError(protocol.CodeProtocol, err.Error()))
			s.Close(ReasonFrameTooLarge)
			return
		}
		if !s.errBudget.Allow() {
			s.logger.Warn().
				Int("budget_per_min", s.cfg.ProtocolErrorBudget).
				Msg("Protocol error budget exhausted")
			s.Submit(protocol.EncodeError(protocol.CodeProtocol, "protocol error budget exhausted"))
			s.Close(ReasonProtocolAbuse)
			return
		}
		s.Submit(protocol.EncodeError(protocol.CodeProtocol, err.Error()))
		return
	}

	switch in.Type {
	case protocol.TypePing:
		s.Submit(protocol.EncodePong(in.Ping.Timestamp))
	case protocol.TypeSubscribe:
		s.handleSubscribe(*in.Subscribe)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(in.Unsubscribe.FilterID)
	}
}

// handleSubscribe validates the filter, assigns a filter id, acknowledges,
// and registers the filter with the index. The acknowledgment is enqueued
// before the index mutation so it is ordered ahead of any data frame
// matched through the new filter.
func (s *Session) handleSubscribe(p protocol.SubscribePayload) {
	f, err := subscription.FilterFromPayload(p)
	if err != nil {
		s.Submit(protocol.EncodeError(protocol.CodeInvalidFilter, err.Error()))
		return
	}

	s.filtersMu.Lock()
	if len(s.filters) >= s.cfg.MaxFiltersPerSession {
		s.filtersMu.Unlock()
		s.Submit(protocol.EncodeError(protocol.CodeFilterLimit,
			fmt.Sprintf("session filter limit is %d", s.cfg.MaxFiltersPerSession)))
		return
	}
	filterID := uuid.NewString()
	s.filters[filterID] = f
	s.filtersMu.Unlock()

	s.Submit(protocol.EncodeSubscribed(filterID, f.Payload()))

	if err := s.index.Add(s.id, filterID, f); err != nil {
		// Unique ids make this unreachable; a hit means shared state is
		// corrupt and the session cannot be trusted.
		s.logger.Error().Err(err).Msg("Subscription index rejected filter")
		s.Submit(protocol.EncodeError(protocol.CodeInternal, "subscription failed"))
		s.filtersMu.Lock()
		delete(s.filters, filterID)
		s.filtersMu.Unlock()
	}
}

// handleUnsubscribe removes the filter from the index before the
// acknowledgment is enqueued: once the client sees unsubscribed, no
// dispatch can deliver through that filter.
func (s *Session) handleUnsubscribe(filterID string) {
	s.filtersMu.Lock()
	_, ok := s.filters[filterID]
	if ok {
		delete(s.filters, filterID)
	}
	s.filtersMu.Unlock()

	if !ok {
		s.Submit(protocol.EncodeError(protocol.CodeProtocol,
			fmt.Sprintf("unknown filter id %q", filterID)))
		return
	}

	if err := s.index.Remove(s.id, filterID); err != nil {
		s.logger.Error().Err(err).Str("filter_id", filterID).Msg("Index removal failed")
	}
	s.Submit(protocol.EncodeUnsubscribed(filterID))
}

func encodeCloseError(code protocol.ErrorCode, reason CloseReason) []byte {
	return protocol.EncodeError(code, "session closing: "+string(reason))
}
