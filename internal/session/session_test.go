package session

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu/internal/monitoring"
	"github.com/Meteo-X/pixiu/internal/protocol"
	"github.com/Meteo-X/pixiu/internal/subscription"
)

func testConfig() Config {
	return Config{
		SendQueueHighWater:   64,
		MaxFrameBytes:        1 << 20,
		MaxFiltersPerSession: 64,
		PingInterval:         time.Hour, // keep ping traffic out of assertions
		IdleTimeout:          time.Hour,
		WriteStallTimeout:    time.Hour,
		CloseGrace:           2 * time.Second,
		ProtocolErrorBudget:  10,
		Version:              "test",
	}
}

// clientEnd drives the peer side of a net.Pipe as a WebSocket client.
type clientEnd struct {
	conn   net.Conn
	frames chan receivedFrame
	closed chan struct{}
}

type receivedFrame struct {
	op   ws.OpCode
	data []byte
}

func startClient(t *testing.T, conn net.Conn) *clientEnd {
	t.Helper()
	c := &clientEnd{
		conn:   conn,
		frames: make(chan receivedFrame, 256),
		closed: make(chan struct{}),
	}
	go func() {
		for {
			data, op, err := wsutil.ReadServerData(conn)
			if err != nil {
				close(c.closed)
				return
			}
			c.frames <- receivedFrame{op: op, data: data}
		}
	}()
	return c
}

// nextText returns the next decoded text frame, skipping WebSocket-level
// control frames.
func (c *clientEnd) nextText(t *testing.T) protocol.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.op != ws.OpText {
				continue
			}
			var frame protocol.Frame
			require.NoError(t, json.Unmarshal(f.data, &frame))
			return frame
		case <-c.closed:
			t.Fatal("connection closed while waiting for frame")
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func (c *clientEnd) send(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientMessage(c.conn, ws.OpText, []byte(raw)))
}

func (c *clientEnd) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not close")
	}
}

type closeRecord struct {
	reason CloseReason
}

type testHarness struct {
	sess    *Session
	client  *clientEnd
	index   *subscription.Index
	stats   *monitoring.Stats
	closing chan closeRecord
	closed  chan closeRecord
}

func startSession(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	h := &testHarness{
		index:   subscription.NewIndex(),
		stats:   monitoring.NewStats(),
		closing: make(chan closeRecord, 1),
		closed:  make(chan closeRecord, 1),
	}
	index := h.index
	hooks := Hooks{
		OnClosing: func(s *Session, reason CloseReason) {
			index.RemoveAll(s.ID())
			h.closing <- closeRecord{reason: reason}
		},
		OnClosed: func(s *Session, reason CloseReason) {
			h.closed <- closeRecord{reason: reason}
		},
	}
	h.sess = New(serverConn, cfg, zerolog.Nop(), h.stats, h.index, hooks)
	h.client = startClient(t, clientConn)

	require.NoError(t, h.sess.Start())
	t.Cleanup(func() {
		h.sess.Abort()
	})

	welcome := h.client.nextText(t)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	return h
}

func TestStartSendsWelcomeAndActivates(t *testing.T) {
	h := startSession(t, testConfig())
	assert.Equal(t, StateActive, h.sess.State())
	assert.NotEmpty(t, h.sess.ID())
}

func TestSubmitPreservesOrder(t *testing.T) {
	h := startSession(t, testConfig())

	for i := 0; i < 5; i++ {
		frame := protocol.EncodeError(protocol.CodeInternal, fmt.Sprintf("frame-%d", i))
		require.Equal(t, SubmitOK, h.sess.Submit(frame))
	}
	for i := 0; i < 5; i++ {
		f := h.client.nextText(t)
		var p protocol.ErrorPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, fmt.Sprintf("frame-%d", i), p.Message)
	}
}

func TestSubmitTailDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueHighWater = 4
	h := startSession(t, cfg)

	// The peer stops reading; the writer blocks on the in-flight frame
	// and the queue fills behind it.
	payload := protocol.EncodePong(1)
	deadline := time.Now().Add(3 * time.Second)
	dropped := false
	for time.Now().Before(deadline) {
		if h.sess.Submit(payload) == SubmitDropped {
			dropped = true
			break
		}
	}
	require.True(t, dropped, "expected a tail drop once the queue filled")
	assert.Positive(t, h.sess.Dropped())
	assert.Positive(t, h.stats.Snapshot().DroppedTotal)
}

func TestSubscribeUnsubscribeFlow(t *testing.T) {
	h := startSession(t, testConfig())

	h.client.send(t, `{"type":"subscribe","payload":{"exchange":["binance"],"symbols":["BTCUSDT"],"dataTypes":["trade"]}}`)

	ack := h.client.nextText(t)
	require.Equal(t, protocol.TypeSubscribed, ack.Type)
	var sub protocol.SubscribedPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &sub))
	require.NotEmpty(t, sub.FilterID)
	assert.Equal(t, []string{"binance"}, sub.Filter.Exchanges)

	key := protocol.RoutingKey{Exchange: "binance", Symbol: "BTCUSDT", DataType: "trade"}
	require.Eventually(t, func() bool {
		return len(h.index.Lookup(key)) == 1
	}, time.Second, 10*time.Millisecond)

	h.client.send(t, fmt.Sprintf(`{"type":"unsubscribe","payload":{"filterId":%q}}`, sub.FilterID))
	ack = h.client.nextText(t)
	require.Equal(t, protocol.TypeUnsubscribed, ack.Type)
	assert.Empty(t, h.index.Lookup(key))
	assert.Zero(t, h.sess.FilterCount())
}

func TestUnsubscribeUnknownFilter(t *testing.T) {
	h := startSession(t, testConfig())

	h.client.send(t, `{"type":"unsubscribe","payload":{"filterId":"nope"}}`)
	f := h.client.nextText(t)
	require.Equal(t, protocol.TypeError, f.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, protocol.CodeProtocol, p.Code)
}

func TestInvalidFilterRejected(t *testing.T) {
	h := startSession(t, testConfig())

	h.client.send(t, `{"type":"subscribe","payload":{}}`)
	f := h.client.nextText(t)
	require.Equal(t, protocol.TypeError, f.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, protocol.CodeInvalidFilter, p.Code)
	assert.Zero(t, h.sess.FilterCount())
}

func TestFilterLimitEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFiltersPerSession = 2
	h := startSession(t, cfg)

	for i := 0; i < 2; i++ {
		h.client.send(t, fmt.Sprintf(`{"type":"subscribe","payload":{"symbols":["SYM%d"]}}`, i))
		ack := h.client.nextText(t)
		require.Equal(t, protocol.TypeSubscribed, ack.Type)
	}

	h.client.send(t, `{"type":"subscribe","payload":{"symbols":["SYM2"]}}`)
	f := h.client.nextText(t)
	require.Equal(t, protocol.TypeError, f.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, protocol.CodeFilterLimit, p.Code)
	assert.Equal(t, 2, h.sess.FilterCount())
}

func TestPingPongEcho(t *testing.T) {
	h := startSession(t, testConfig())

	h.client.send(t, `{"type":"ping","payload":{"timestamp":123456}}`)
	f := h.client.nextText(t)
	require.Equal(t, protocol.TypePong, f.Type)
	var p protocol.PingPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, int64(123456), p.Timestamp)
}

func TestMalformedFrameGetsErrorNotClose(t *testing.T) {
	h := startSession(t, testConfig())

	h.client.send(t, `{"type":`)
	f := h.client.nextText(t)
	require.Equal(t, protocol.TypeError, f.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, protocol.CodeProtocol, p.Code)

	// Session survives and keeps serving.
	h.client.send(t, `{"type":"ping","payload":{"timestamp":1}}`)
	assert.Equal(t, protocol.TypePong, h.client.nextText(t).Type)
}

func TestProtocolErrorBudgetCloses(t *testing.T) {
	cfg := testConfig()
	cfg.ProtocolErrorBudget = 2
	h := startSession(t, cfg)

	for i := 0; i < 3; i++ {
		h.client.send(t, `{"type":"bogus","payload":{}}`)
	}

	h.client.waitClosed(t)
	select {
	case rec := <-h.closed:
		assert.Equal(t, ReasonProtocolAbuse, rec.reason)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := startSession(t, testConfig())

	h.sess.Close(ReasonHeartbeatTimeout)
	h.sess.Close(ReasonServerShutdown)

	select {
	case rec := <-h.closing:
		assert.Equal(t, ReasonHeartbeatTimeout, rec.reason)
	case <-time.After(3 * time.Second):
		t.Fatal("OnClosing never fired")
	}
	select {
	case rec := <-h.closed:
		assert.Equal(t, ReasonHeartbeatTimeout, rec.reason)
	case <-time.After(3 * time.Second):
		t.Fatal("OnClosed never fired")
	}
	// Only one closing record: the second Close was a no-op.
	assert.Empty(t, h.closing)

	select {
	case <-h.sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done never closed")
	}
	assert.Equal(t, StateClosed, h.sess.State())
}

func TestCloseAnnouncesReasonToClient(t *testing.T) {
	h := startSession(t, testConfig())

	h.sess.Close(ReasonServerShutdown)

	f := h.client.nextText(t)
	require.Equal(t, protocol.TypeError, f.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, protocol.CodeServerShutdown, p.Code)
	h.client.waitClosed(t)
}

func TestCloseDrainsQueueBeforeClosing(t *testing.T) {
	h := startSession(t, testConfig())

	for i := 0; i < 3; i++ {
		require.Equal(t, SubmitOK, h.sess.Submit(protocol.EncodePong(int64(i))))
	}
	h.sess.Close(ReasonServerShutdown)

	// All queued pongs arrive before the shutdown error frame.
	for i := 0; i < 3; i++ {
		f := h.client.nextText(t)
		require.Equal(t, protocol.TypePong, f.Type, "queued frame %d lost in close", i)
	}
	f := h.client.nextText(t)
	assert.Equal(t, protocol.TypeError, f.Type)
}

func TestSubmitAfterCloseIsSilentNoop(t *testing.T) {
	h := startSession(t, testConfig())

	h.sess.Close(ReasonServerShutdown)
	before := h.sess.Dropped()
	assert.Equal(t, SubmitDropped, h.sess.Submit(protocol.EncodePong(1)))
	assert.Equal(t, before, h.sess.Dropped())
}

func TestClientCloseDetected(t *testing.T) {
	h := startSession(t, testConfig())

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")
	require.NoError(t, ws.WriteFrame(h.client.conn, ws.MaskFrame(ws.NewCloseFrame(body))))

	select {
	case rec := <-h.closed:
		assert.Equal(t, ReasonClientClose, rec.reason)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not notice client close")
	}
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	h := startSession(t, cfg)

	select {
	case rec := <-h.closed:
		assert.Equal(t, ReasonHeartbeatTimeout, rec.reason)
	case <-time.After(3 * time.Second):
		t.Fatal("idle session was not evicted")
	}
	assert.Positive(t, h.stats.Snapshot().HeartbeatTimeouts)
}

func TestClosingRemovesSessionFromIndex(t *testing.T) {
	h := startSession(t, testConfig())

	h.client.send(t, `{"type":"subscribe","payload":{"symbols":["BTCUSDT"]}}`)
	require.Equal(t, protocol.TypeSubscribed, h.client.nextText(t).Type)

	key := protocol.RoutingKey{Exchange: "binance", Symbol: "BTCUSDT", DataType: "trade"}
	require.Eventually(t, func() bool {
		return len(h.index.Lookup(key)) == 1
	}, time.Second, 10*time.Millisecond)

	h.sess.Close(ReasonHeartbeatTimeout)
	<-h.closing
	assert.Empty(t, h.index.Lookup(key))
}
