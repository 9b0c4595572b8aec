package router

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Meteo-X/pixiu/internal/monitoring"
	"github.com/Meteo-X/pixiu/internal/protocol"
	"github.com/Meteo-X/pixiu/internal/session"
	"github.com/Meteo-X/pixiu/internal/subscription"
)

// Router is the per-message matching and dispatch engine: one ingested
// market-data message in, one shared serialized frame out to every
// matching session's queue. Dispatch never blocks on a slow client; a
// full queue costs that client a drop, not the ingest path a stall.
type Router struct {
	index    *subscription.Index
	registry *session.Registry
	stats    *monitoring.Stats
	logger   zerolog.Logger
}

func New(index *subscription.Index, registry *session.Registry, stats *monitoring.Stats, logger zerolog.Logger) *Router {
	return &Router{
		index:    index,
		registry: registry,
		stats:    stats,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Dispatch routes one message. Callable from any goroutine; concurrent
// dispatches may interleave their per-session submits, but each session
// observes its own submits in order.
//
// The data frame is serialized exactly once and the bytes shared across
// all targets. Submits run under the index read lock so that a
// subscription removal returning to its caller has strictly ordered
// itself after every in-flight dispatch.
func (r *Router) Dispatch(msg protocol.MarketDataMessage) {
	frame, err := protocol.EncodeData(msg, time.Now().UnixMilli())
	if err != nil {
		// Opaque payloads are carried verbatim; this fires only on a
		// payload that is not valid JSON, which the ingest decoders
		// never produce.
		r.logger.Error().Err(err).Str("key", msg.Key.String()).Msg("Data frame encode failed")
		return
	}

	delivered := 0
	dropped := 0
	r.index.ForEachMatch(msg.Key, func(sessionID string) {
		s := r.registry.Get(sessionID)
		if s == nil {
			// Session closed between index removal scheduling and now;
			// dispatch treats it as a no-op.
			return
		}
		switch s.Submit(frame) {
		case session.SubmitOK:
			delivered++
			r.stats.MessageForwarded()
		case session.SubmitDropped:
			dropped++
		}
	})

	if delivered+dropped > 0 {
		r.logger.Debug().
			Str("key", msg.Key.String()).
			Int("delivered", delivered).
			Int("dropped", dropped).
			Msg("Dispatched")
	}
}
