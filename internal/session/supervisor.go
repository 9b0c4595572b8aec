package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Meteo-X/pixiu/internal/monitoring"
)

// Supervisor sweeps the registry for sessions that have gone quiet or
// whose writer has stalled. The read pump's deadline catches idle peers
// on its own; the sweep is the backstop that also covers stalled send
// queues, where the socket is alive but the client stopped reading.
type Supervisor struct {
	registry *Registry
	stats    *monitoring.Stats
	logger   zerolog.Logger

	idleTimeout       time.Duration
	writeStallTimeout time.Duration
	sweepInterval     time.Duration
}

func NewSupervisor(registry *Registry, stats *monitoring.Stats, logger zerolog.Logger, idleTimeout, writeStallTimeout time.Duration) *Supervisor {
	return &Supervisor{
		registry:          registry,
		stats:             stats,
		logger:            logger.With().Str("component", "liveness").Logger(),
		idleTimeout:       idleTimeout,
		writeStallTimeout: writeStallTimeout,
		sweepInterval:     time.Second,
	}
}

// Run sweeps until the context is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sv.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.sweep(time.Now())
		}
	}
}

func (sv *Supervisor) sweep(now time.Time) {
	sv.registry.ForEach(func(s *Session) {
		if s.State() != StateActive {
			return
		}
		if idle := s.IdleFor(now); idle > sv.idleTimeout {
			sv.logger.Info().
				Str("session_id", s.ID()).
				Dur("idle_for", idle).
				Msg("Closing idle session")
			sv.stats.HeartbeatTimeout()
			s.Close(ReasonHeartbeatTimeout)
			return
		}
		if stalled := s.StalledFor(now); stalled > sv.writeStallTimeout {
			sv.logger.Info().
				Str("session_id", s.ID()).
				Dur("stalled_for", stalled).
				Int64("dropped", s.Dropped()).
				Msg("Closing stalled session")
			sv.stats.WriteStall()
			s.Close(ReasonWriteStall)
		}
	})
}
