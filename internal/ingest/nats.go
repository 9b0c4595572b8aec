package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Meteo-X/pixiu/internal/monitoring"
	"github.com/Meteo-X/pixiu/internal/protocol"
)

// NATSConfig configures the NATS DataFlow source.
type NATSConfig struct {
	URL           string
	Subject       string // subscribed subject, typically a wildcard tree like "md.>"
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSSource subscribes to the market-data subject tree and feeds each
// message to the dispatcher.
type NATSSource struct {
	cfg        NATSConfig
	dispatcher Dispatcher
	stats      *monitoring.Stats
	logger     zerolog.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

func NewNATSSource(cfg NATSConfig, dispatcher Dispatcher, stats *monitoring.Stats, logger zerolog.Logger) *NATSSource {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return &NATSSource{
		cfg:        cfg,
		dispatcher: dispatcher,
		stats:      stats,
		logger:     logger.With().Str("component", "nats_ingest").Logger(),
	}
}

// Start connects and subscribes. Delivery runs on the NATS client's
// callback goroutine; dispatch is non-blocking so a burst cannot back
// up into the connection.
func (s *NATSSource) Start() error {
	opts := []nats.Option{
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.ConnectHandler(func(conn *nats.Conn) {
			s.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			s.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.logger.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.cfg.URL, err)
	}
	s.conn = conn

	sub, err := conn.Subscribe(s.cfg.Subject, s.handle)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Subject, err)
	}
	s.sub = sub

	s.logger.Info().Str("subject", s.cfg.Subject).Msg("NATS ingest started")
	return nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	s.stats.IngestMessage("nats")

	decoded, err := decodeMessage(msg.Data)
	if err != nil {
		// Routing fields may live only in the subject for lean
		// producers; fall back before dropping.
		key, ok := keyFromSubject(msg.Subject)
		if !ok {
			s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Undecodable upstream message dropped")
			return
		}
		decoded = protocol.MarketDataMessage{
			Key:       key,
			Timestamp: time.Now().UnixMilli(),
			Payload:   json.RawMessage(msg.Data),
		}
		if !json.Valid(msg.Data) {
			s.logger.Warn().Str("subject", msg.Subject).Msg("Non-JSON upstream payload dropped")
			return
		}
	}

	s.dispatcher.Dispatch(decoded)
}

// Stop drains the subscription and closes the connection.
func (s *NATSSource) Stop() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("Subscription drain failed")
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.logger.Info().Msg("NATS ingest stopped")
}
