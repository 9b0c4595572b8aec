package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/Meteo-X/pixiu/internal/admission"
	"github.com/Meteo-X/pixiu/internal/config"
	"github.com/Meteo-X/pixiu/internal/ingest"
	"github.com/Meteo-X/pixiu/internal/logging"
	"github.com/Meteo-X/pixiu/internal/monitoring"
	"github.com/Meteo-X/pixiu/internal/router"
	"github.com/Meteo-X/pixiu/internal/session"
	"github.com/Meteo-X/pixiu/internal/subscription"
)

// Version is reported to clients in the welcome frame.
const Version = "1.0.0"

// Server is the top-level scope: it owns the listener, the session
// registry, the subscription index, and the fan-out router, and drives
// start, drain, and shutdown.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	stats      *monitoring.Stats
	index      *subscription.Index
	registry   *session.Registry
	router     *router.Router
	controller *admission.Controller
	limiter    *admission.ConnectionRateLimiter
	supervisor *session.Supervisor
	sampler    *monitoring.SystemSampler

	natsSource  *ingest.NATSSource
	kafkaSource *ingest.KafkaSource

	listener     net.Listener
	httpServer   *http.Server
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// New wires the components. Nothing runs until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
		stats:  monitoring.NewStats(),
		index:  subscription.NewIndex(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.registry = session.NewRegistry(logger)
	s.router = router.New(s.index, s.registry, s.stats, logger)
	s.supervisor = session.NewSupervisor(s.registry, s.stats, logger, cfg.IdleTimeout, cfg.WriteStallTimeout)
	s.sampler = monitoring.NewSystemSampler(logger)

	if cfg.ConnRateLimitEnabled {
		s.limiter = admission.NewConnectionRateLimiter(admission.RateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		s.logger.Info().Msg("Connection rate limiting enabled")
	}
	s.controller = admission.New(cfg.MaxConnections, s.limiter, logger)

	if cfg.NATSEnabled {
		s.natsSource = ingest.NewNATSSource(ingest.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
		}, s.router, s.stats, logger)
	}
	if cfg.KafkaEnabled {
		source, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:       cfg.KafkaBrokerList(),
			Topics:        cfg.KafkaTopicList(),
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, s.router, s.stats, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create kafka source: %w", err)
		}
		s.kafkaSource = source
	}

	return s, nil
}

// Router returns the dispatch entry point for embedding and tests.
func (s *Server) Router() *router.Router { return s.router }

// Stats returns the counter set.
func (s *Server) Stats() *monitoring.Stats { return s.stats }

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener, starts ingest, and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	if s.natsSource != nil {
		if err := s.natsSource.Start(); err != nil {
			listener.Close()
			return fmt.Errorf("failed to start NATS ingest: %w", err)
		}
	}
	if s.kafkaSource != nil {
		if err := s.kafkaSource.Start(); err != nil {
			listener.Close()
			return fmt.Errorf("failed to start kafka ingest: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervisor.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sampler.Run(s.ctx, s.cfg.MetricsInterval)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStatsLoop()
	}()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Server listening")
	return nil
}

// Shutdown stops accepting, closes every session with server_shutdown,
// waits up to the drain timeout for queues to flush, then aborts
// whatever is left.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.natsSource != nil {
		s.natsSource.Stop()
	}
	if s.kafkaSource != nil {
		s.kafkaSource.Stop()
	}

	remaining := s.registry.Len()
	s.logger.Info().
		Int("active_sessions", remaining).
		Dur("drain_timeout", s.cfg.DrainTimeout).
		Msg("Draining sessions")
	s.registry.CloseAll(session.ReasonServerShutdown)

	drainTimer := time.NewTimer(s.cfg.DrainTimeout)
	checkTicker := time.NewTicker(250 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drainLoop:
	for {
		select {
		case <-drainTimer.C:
			left := s.registry.Len()
			if left > 0 {
				s.logger.Warn().Int("remaining", left).Msg("Drain timeout expired, aborting remaining sessions")
				s.registry.AbortAll()
			}
			break drainLoop
		case <-checkTicker.C:
			if s.registry.Len() == 0 {
				s.logger.Info().Msg("All sessions drained")
				break drainLoop
			}
		}
	}

	s.cancel()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}
	s.wg.Wait()

	s.logger.Info().Msg("Shutdown complete")
	return nil
}

func (s *Server) logStatsLoop() {
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			snap := s.stats.Snapshot()
			sys := s.sampler.Latest()
			s.logger.Info().
				Int64("connections_active", snap.ConnectionsActive).
				Int64("connections_total", snap.ConnectionsTotal).
				Int64("messages_forwarded", snap.MessagesForwarded).
				Int64("dropped_total", snap.DroppedTotal).
				Int64("protocol_errors", snap.ProtocolErrors).
				Int64("heartbeat_timeouts", snap.HeartbeatTimeouts).
				Float64("cpu_percent", sys.CPUPercent).
				Float64("memory_mb", sys.MemoryMB).
				Int("goroutines", sys.Goroutines).
				Msg("Stats")
		}
	}
}

// handleWebSocket is the accept path: admission, upgrade, session start.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	defer logging.RecoverPanic(s.logger, "handleWebSocket", nil)

	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if decision := s.controller.AllowConnection(ip); !decision.Allowed {
		s.stats.ConnectionRejected(string(decision.Code))
		http.Error(w, decision.Message, decision.HTTPStatus)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.controller.Release()
		s.stats.ConnectionRejected("upgrade_failed")
		s.logger.Warn().Err(err).Str("client_ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	sess := session.New(conn, session.Config{
		SendQueueHighWater:   s.cfg.SendQueueHighWater,
		MaxFrameBytes:        s.cfg.MaxFrameBytes,
		MaxFiltersPerSession: s.cfg.MaxFiltersPerSession,
		PingInterval:         s.cfg.PingInterval,
		IdleTimeout:          s.cfg.IdleTimeout,
		WriteStallTimeout:    s.cfg.WriteStallTimeout,
		CloseGrace:           s.cfg.CloseGrace,
		ProtocolErrorBudget:  s.cfg.ProtocolErrorBudget,
		Version:              Version,
	}, s.logger, s.stats, s.index, session.Hooks{
		OnClosing: func(sess *session.Session, reason session.CloseReason) {
			// Index removal precedes queue drain and socket release, so
			// no dispatch can target a Closing session through a stale
			// bucket entry.
			s.index.RemoveAll(sess.ID())
		},
		OnClosed: func(sess *session.Session, reason session.CloseReason) {
			s.registry.Remove(sess.ID())
			s.controller.Release()
			active := s.stats.ConnectionClosed(string(reason))
			s.logger.Info().
				Str("session_id", sess.ID()).
				Str("reason", string(reason)).
				Int64("connections_active", active).
				Msg("Session disconnected")
		},
	})

	// Counters open before Start so OnClosed can never decrement a
	// connection that was not yet counted. Submits are dropped until the
	// welcome frame has gone out, so no data frame can precede it.
	s.registry.Add(sess)
	active := s.stats.ConnectionOpened()
	if err := sess.Start(); err != nil {
		s.registry.Remove(sess.ID())
		s.controller.Release()
		s.stats.ConnectionClosed(string(session.ReasonHandshakeFailed))
		s.logger.Warn().Err(err).Str("client_ip", ip).Msg("Session handshake failed")
		return
	}
	s.logger.Info().
		Str("session_id", sess.ID()).
		Str("client_ip", ip).
		Int64("connections_active", active).
		Msg("Client connected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	sys := s.sampler.Latest()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(snap.Uptime.Seconds()),
		"connections": map[string]int64{
			"active": snap.ConnectionsActive,
			"total":  snap.ConnectionsTotal,
			"max":    int64(s.cfg.MaxConnections),
		},
		"messagesForwarded": snap.MessagesForwarded,
		"droppedTotal":      snap.DroppedTotal,
		"system":            sys,
	})
}

// clientIP extracts the peer address, honoring X-Forwarded-For when the
// proxy sits behind a load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
