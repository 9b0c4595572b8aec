package admission

import (
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Meteo-X/pixiu/internal/protocol"
)

// Controller gates the accept path. Connections are rejected before the
// WebSocket upgrade when the process is at its connection cap or the
// rate limiter says no; rejected clients get an HTTP-level error, never
// a half-open socket.
//
// Capacity is a counting semaphore: AllowConnection acquires a slot and
// every accepted connection must Release it exactly once, so the active
// count can never overshoot the cap even under concurrent upgrades.
type Controller struct {
	maxConnections int64
	inUse          atomic.Int64
	limiter        *ConnectionRateLimiter // nil when rate limiting is disabled
	logger         zerolog.Logger
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Code       protocol.ErrorCode
	HTTPStatus int
	Message    string
}

// New builds a controller. limiter may be nil.
func New(maxConnections int, limiter *ConnectionRateLimiter, logger zerolog.Logger) *Controller {
	return &Controller{
		maxConnections: int64(maxConnections),
		limiter:        limiter,
		logger:         logger.With().Str("component", "admission").Logger(),
	}
}

// AllowConnection decides whether a new downstream connection from ip
// may proceed to the upgrade. On success a capacity slot is held until
// Release.
func (c *Controller) AllowConnection(ip string) Decision {
	if c.limiter != nil && !c.limiter.Allow(ip) {
		return Decision{
			Code:       protocol.CodeConnectionLimit,
			HTTPStatus: http.StatusTooManyRequests,
			Message:    "connection rate limit exceeded",
		}
	}

	if inUse := c.inUse.Add(1); inUse > c.maxConnections {
		c.inUse.Add(-1)
		c.logger.Warn().
			Str("client_ip", ip).
			Int64("max", c.maxConnections).
			Msg("Connection rejected at capacity")
		return Decision{
			Code:       protocol.CodeConnectionLimit,
			HTTPStatus: http.StatusServiceUnavailable,
			Message:    "connection limit reached",
		}
	}

	return Decision{Allowed: true}
}

// Release returns a slot acquired by a successful AllowConnection.
func (c *Controller) Release() {
	if c.inUse.Add(-1) < 0 {
		// A negative count means a double release; clamp and complain
		// rather than silently inflating capacity.
		c.inUse.Store(0)
		c.logger.Error().Msg("Admission slot double-released")
	}
}

// InUse reports the currently held slots.
func (c *Controller) InUse() int64 {
	return c.inUse.Load()
}
