package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the fan-out proxy, scraped via /metrics.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiu_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixiu_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixiu_connections_rejected_total",
		Help: "Connection attempts rejected before upgrade, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixiu_disconnects_total",
		Help: "Session closures by reason",
	}, []string{"reason"})

	messagesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiu_messages_forwarded_total",
		Help: "Data frames enqueued to client sessions",
	})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiu_dropped_total",
		Help: "Data frames dropped at session queue high-water mark",
	})

	protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiu_protocol_errors_total",
		Help: "Malformed or unknown client frames",
	})

	heartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiu_heartbeat_timeouts_total",
		Help: "Sessions closed for missing heartbeats",
	})

	ingestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixiu_ingest_messages_total",
		Help: "Upstream messages received, by source",
	}, []string{"source"})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiu_bytes_sent_total",
		Help: "Bytes written to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiu_bytes_received_total",
		Help: "Bytes read from clients",
	})

	processCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixiu_process_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	processMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixiu_process_memory_mb",
		Help: "Process resident memory in MB",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		disconnectsTotal,
		messagesForwarded,
		droppedTotal,
		protocolErrors,
		heartbeatTimeouts,
		ingestMessages,
		bytesSent,
		bytesReceived,
		processCPUPercent,
		processMemoryMB,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Stats holds the proxy's integer counters. The supervisor owns one
// instance and hands it to the components that account against it;
// read access goes through Snapshot.
type Stats struct {
	startTime time.Time

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64
	messagesForwarded atomic.Int64
	droppedTotal      atomic.Int64
	protocolErrors    atomic.Int64
	heartbeatTimeouts atomic.Int64
	writeStalls       atomic.Int64
	messagesReceived  atomic.Int64
	bytesSent         atomic.Int64
	bytesReceived     atomic.Int64
}

// Snapshot is a read-only copy of the counters.
type Snapshot struct {
	Uptime            time.Duration `json:"uptimeNanos"`
	ConnectionsTotal  int64         `json:"connectionsTotal"`
	ConnectionsActive int64         `json:"connectionsActive"`
	MessagesForwarded int64         `json:"messagesForwarded"`
	DroppedTotal      int64         `json:"droppedTotal"`
	ProtocolErrors    int64         `json:"protocolErrors"`
	HeartbeatTimeouts int64         `json:"heartbeatTimeouts"`
	WriteStalls       int64         `json:"writeStalls"`
	MessagesReceived  int64         `json:"messagesReceived"`
	BytesSent         int64         `json:"bytesSent"`
	BytesReceived     int64         `json:"bytesReceived"`
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:            time.Since(s.startTime),
		ConnectionsTotal:  s.connectionsTotal.Load(),
		ConnectionsActive: s.connectionsActive.Load(),
		MessagesForwarded: s.messagesForwarded.Load(),
		DroppedTotal:      s.droppedTotal.Load(),
		ProtocolErrors:    s.protocolErrors.Load(),
		HeartbeatTimeouts: s.heartbeatTimeouts.Load(),
		WriteStalls:       s.writeStalls.Load(),
		MessagesReceived:  s.messagesReceived.Load(),
		BytesSent:         s.bytesSent.Load(),
		BytesReceived:     s.bytesReceived.Load(),
	}
}

// ConnectionOpened records a successful upgrade.
func (s *Stats) ConnectionOpened() int64 {
	s.connectionsTotal.Add(1)
	connectionsTotal.Inc()
	active := s.connectionsActive.Add(1)
	connectionsActive.Set(float64(active))
	return active
}

// ConnectionClosed records a session reaching Closed.
func (s *Stats) ConnectionClosed(reason string) int64 {
	active := s.connectionsActive.Add(-1)
	connectionsActive.Set(float64(active))
	disconnectsTotal.WithLabelValues(reason).Inc()
	return active
}

// ConnectionRejected records an admission rejection before upgrade.
func (s *Stats) ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// MessageForwarded records one data frame enqueued to one session.
func (s *Stats) MessageForwarded() {
	s.messagesForwarded.Add(1)
	messagesForwarded.Inc()
}

// MessageDropped records a tail-drop at a session queue.
func (s *Stats) MessageDropped() {
	s.droppedTotal.Add(1)
	droppedTotal.Inc()
}

// ProtocolError records a malformed or unknown client frame.
func (s *Stats) ProtocolError() {
	s.protocolErrors.Add(1)
	protocolErrors.Inc()
}

// HeartbeatTimeout records an idle eviction.
func (s *Stats) HeartbeatTimeout() {
	s.heartbeatTimeouts.Add(1)
	heartbeatTimeouts.Inc()
}

// WriteStall records a stalled-writer eviction.
func (s *Stats) WriteStall() {
	s.writeStalls.Add(1)
}

// IngestMessage records one upstream message from the named source.
func (s *Stats) IngestMessage(source string) {
	s.messagesReceived.Add(1)
	ingestMessages.WithLabelValues(source).Inc()
}

// AddBytesSent accumulates bytes written to clients.
func (s *Stats) AddBytesSent(n int64) {
	s.bytesSent.Add(n)
	bytesSent.Add(float64(n))
}

// AddBytesReceived accumulates bytes read from clients.
func (s *Stats) AddBytesReceived(n int64) {
	s.bytesReceived.Add(n)
	bytesReceived.Add(float64(n))
}

// ActiveConnections returns the live connection count.
func (s *Stats) ActiveConnections() int64 {
	return s.connectionsActive.Load()
}
