package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Meteo-X/pixiu/internal/monitoring"
	"github.com/Meteo-X/pixiu/internal/protocol"
	"github.com/Meteo-X/pixiu/internal/subscription"
)

// State is the session lifecycle state. Transitions are one-way:
// Handshaking → Active → Closing → Closed.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// SubmitResult reports what happened to a submitted frame.
type SubmitResult int

const (
	SubmitOK SubmitResult = iota
	SubmitDropped
)

// CloseReason records why a session left Active.
type CloseReason string

const (
	ReasonClientClose      CloseReason = "client_close"
	ReasonReadError        CloseReason = "read_error"
	ReasonWriteError       CloseReason = "write_error"
	ReasonHandshakeFailed  CloseReason = "handshake_failed"
	ReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ReasonWriteStall       CloseReason = "write_stall"
	ReasonProtocolAbuse    CloseReason = "protocol_abuse"
	ReasonFrameTooLarge    CloseReason = "frame_too_large"
	ReasonServerShutdown   CloseReason = "server_shutdown"
)

// errorCode maps a close reason to the error frame announced to the
// client before the close frame, where the protocol defines one.
func (r CloseReason) errorCode() (protocol.ErrorCode, bool) {
	switch r {
	case ReasonHeartbeatTimeout:
		return protocol.CodeHeartbeatTimeout, true
	case ReasonWriteStall:
		return protocol.CodeWriteStall, true
	case ReasonServerShutdown:
		return protocol.CodeServerShutdown, true
	case ReasonProtocolAbuse, ReasonFrameTooLarge:
		return protocol.CodeProtocol, true
	default:
		return "", false
	}
}

// Config carries the per-session limits and timers.
type Config struct {
	SendQueueHighWater   int
	MaxFrameBytes        int
	MaxFiltersPerSession int

	PingInterval      time.Duration
	IdleTimeout       time.Duration
	WriteStallTimeout time.Duration
	CloseGrace        time.Duration // queue drain allowance once Closing

	ProtocolErrorBudget int // tolerated malformed frames per minute

	Version string // reported in the welcome frame
}

// Hooks are the session's only channel back to its owner. The supervisor
// wires them at accept time; the session never reaches into the registry
// or the index directly for lifecycle changes.
type Hooks struct {
	// OnClosing fires exactly once, on the Active→Closing edge, before
	// any queued frame is flushed. Owners remove the session from the
	// subscription index here.
	OnClosing func(s *Session, reason CloseReason)
	// OnClosed fires exactly once after the socket is released.
	OnClosed func(s *Session, reason CloseReason)
}

// controlFrame is a WebSocket control-plane write routed through the
// writer goroutine so the socket has a single writer.
type controlFrame struct {
	op      ws.OpCode
	payload []byte
}

// Session is the server-side state for one downstream client.
type Session struct {
	id     string
	conn   net.Conn
	cfg    Config
	logger zerolog.Logger
	stats  *monitoring.Stats
	index  *subscription.Index
	hooks  Hooks

	state   atomic.Int32
	send    chan []byte
	control chan controlFrame
	closing chan struct{}
	done    chan struct{}

	closeOnce   sync.Once
	closeReason atomic.Value // CloseReason

	createdAt    time.Time
	lastActivity atomic.Int64 // unixnano; monotonically advanced while not Closed
	stallSince   atomic.Int64 // unixnano of oldest undelivered enqueue, 0 when queue empty

	errBudget *rate.Limiter

	filtersMu sync.Mutex
	filters   map[string]subscription.Filter

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	dropped       atomic.Int64
}

// New builds a session around an upgraded connection. Start must be
// called before the session is visible to the router.
func New(conn net.Conn, cfg Config, logger zerolog.Logger, stats *monitoring.Stats, index *subscription.Index, hooks Hooks) *Session {
	id := uuid.NewString()
	s := &Session{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		logger:    logger.With().Str("component", "session").Str("session_id", id).Logger(),
		stats:     stats,
		index:     index,
		hooks:     hooks,
		send:      make(chan []byte, cfg.SendQueueHighWater),
		control:   make(chan controlFrame, 8),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: time.Now(),
		filters:   make(map[string]subscription.Filter),
		errBudget: rate.NewLimiter(rate.Limit(float64(cfg.ProtocolErrorBudget)/60.0), cfg.ProtocolErrorBudget),
	}
	s.state.Store(int32(StateHandshaking))
	s.touch()
	return s
}

// ID returns the process-unique session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// CreatedAt returns when the session was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Dropped returns how many frames this session has tail-dropped.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// BytesSent returns bytes written to this client.
func (s *Session) BytesSent() int64 { return s.bytesSent.Load() }

// BytesReceived returns bytes read from this client.
func (s *Session) BytesReceived() int64 { return s.bytesReceived.Load() }

// Done is closed once the session reaches Closed and the socket is
// released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start sends the welcome frame and transitions to Active, then runs the
// read and write pumps. The welcome write happens before the writer
// goroutine exists, so it goes straight to the socket.
func (s *Session) Start() error {
	welcome := protocol.EncodeWelcome(s.id, time.Now().UnixMilli(), s.cfg.Version)
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := wsutil.WriteServerMessage(s.conn, ws.OpText, welcome); err != nil {
		s.state.Store(int32(StateClosed))
		s.conn.Close()
		close(s.done)
		return fmt.Errorf("handshake failed for %s: %w", s.id, err)
	}
	s.conn.SetWriteDeadline(time.Time{})
	s.bytesSent.Add(int64(len(welcome)))
	s.stats.AddBytesSent(int64(len(welcome)))
	s.state.Store(int32(StateActive))

	go s.writePump()
	go s.readPump()
	return nil
}

// Submit enqueues an already-serialized frame for delivery. Non-blocking:
// a full queue tail-drops the frame. Submitting to a session that is not
// Active is a silent no-op reported as a drop, never an error.
func (s *Session) Submit(frame []byte) SubmitResult {
	if s.State() != StateActive {
		return SubmitDropped
	}
	select {
	case s.send <- frame:
		// Arm the stall clock when this enqueue is the oldest pending.
		s.stallSince.CompareAndSwap(0, time.Now().UnixNano())
		return SubmitOK
	default:
		s.dropped.Add(1)
		s.stats.MessageDropped()
		return SubmitDropped
	}
}

// Close starts an orderly shutdown. Idempotent: only the first reason is
// kept. The session stops accepting submits immediately, is removed from
// the index via OnClosing, and the writer drains the queue within the
// grace before releasing the socket.
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		s.state.Store(int32(StateClosing))
		s.logger.Debug().Str("reason", string(reason)).Msg("Session closing")
		if s.hooks.OnClosing != nil {
			s.hooks.OnClosing(s, reason)
		}
		close(s.closing)
	})
}

// Abort tears the socket down without draining. Used when the shutdown
// drain window has elapsed.
func (s *Session) Abort() {
	s.Close(ReasonServerShutdown)
	s.conn.Close()
}

// Reason returns the close reason once Closing has begun.
func (s *Session) Reason() CloseReason {
	if r, ok := s.closeReason.Load().(CloseReason); ok {
		return r
	}
	return ""
}

// touch advances the activity clock. Called for every inbound frame and
// every successful data or control write; server pings do not advance it.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// StalledFor reports how long the oldest pending frame has been waiting,
// or zero when the queue is making progress.
func (s *Session) StalledFor(now time.Time) time.Duration {
	since := s.stallSince.Load()
	if since == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, since))
}

// FilterCount returns the number of registered filters.
func (s *Session) FilterCount() int {
	s.filtersMu.Lock()
	defer s.filtersMu.Unlock()
	return len(s.filters)
}
