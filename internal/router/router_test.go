package router

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
	"github.com/Meteo-X/pixiu/internal/session"
	"github.com/Meteo-X/pixiu/internal/subscription"
)

type fixture struct {
	index    *subscription.Index
	registry *session.Registry
	stats    *monitoring.Stats
	router   *Router
}

func newFixture() *fixture {
	f := &fixture{
		index:    subscription.NewIndex(),
		registry: session.NewRegistry(zerolog.Nop()),
		stats:    monitoring.NewStats(),
	}
	f.router = New(f.index, f.registry, f.stats, zerolog.Nop())
	return f
}

// target is a routed session together with the client side of its pipe.
type target struct {
	sess   *session.Session
	conn   net.Conn
	frames chan []byte
}

// addSession starts a session, registers it, and attaches the filters.
func (f *fixture) addSession(t *testing.T, queueSize int, filters ...subscription.Filter) *target {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	tgt := &target{conn: clientConn, frames: make(chan []byte, 4096)}

	cfg := session.Config{
		SendQueueHighWater:   queueSize,
		MaxFrameBytes:        1 << 20,
		MaxFiltersPerSession: 64,
		PingInterval:         time.Hour,
		IdleTimeout:          time.Hour,
		WriteStallTimeout:    time.Hour,
		CloseGrace:           time.Second,
		ProtocolErrorBudget:  10,
		Version:              "test",
	}
	index := f.index
	registry := f.registry
	tgt.sess = session.New(serverConn, cfg, zerolog.Nop(), f.stats, f.index, session.Hooks{
		OnClosing: func(s *session.Session, _ session.CloseReason) {
			index.RemoveAll(s.ID())
		},
		OnClosed: func(s *session.Session, _ session.CloseReason) {
			registry.Remove(s.ID())
		},
	})

	go func() {
		for {
			data, op, err := wsutil.ReadServerData(clientConn)
			if err != nil {
				close(tgt.frames)
				return
			}
			if op == ws.OpText {
				tgt.frames <- data
			}
		}
	}()

	f.registry.Add(tgt.sess)
	require.NoError(t, tgt.sess.Start())
	t.Cleanup(func() { tgt.sess.Abort() })

	// Swallow the welcome frame.
	select {
	case <-tgt.frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no welcome frame")
	}

	for i, filter := range filters {
		require.NoError(t, f.index.Add(tgt.sess.ID(), fmt.Sprintf("f%d", i), filter))
	}
	return tgt
}

// nextData waits for the next data frame and returns its decoded body.
func (tgt *target) nextData(t *testing.T) (string, json.RawMessage) {
	t.Helper()
	select {
	case data, ok := <-tgt.frames:
		require.True(t, ok, "connection closed")
		var f struct {
			Type    string `json:"type"`
			Payload struct {
				Type     string          `json:"type"`
				Exchange string          `json:"exchange"`
				Symbol   string          `json:"symbol"`
				Data     json.RawMessage `json:"data"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &f))
		require.Equal(t, protocol.TypeData, f.Type)
		return f.Payload.Exchange + "/" + f.Payload.Symbol + "/" + f.Payload.Type, f.Payload.Data
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for data frame")
		return "", nil
	}
}

func (tgt *target) expectNoData(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case data, ok := <-tgt.frames:
		if ok {
			t.Fatalf("unexpected frame: %s", data)
		}
	case <-time.After(within):
	}
}

func msg(exchange, symbol, dataType, payload string) protocol.MarketDataMessage {
	return protocol.MarketDataMessage{
		Key:       protocol.RoutingKey{Exchange: exchange, Symbol: symbol, DataType: dataType},
		Timestamp: time.Now().UnixMilli(),
		Payload:   json.RawMessage(payload),
	}
}

func TestDispatchExactMatch(t *testing.T) {
	f := newFixture()
	tgt := f.addSession(t, 64, subscription.Filter{
		Exchanges: []string{"binance"},
		Symbols:   []string{"BTCUSDT"},
		DataTypes: []string{"trade"},
	})

	f.router.Dispatch(msg("binance", "BTCUSDT", "trade", `{"price":"p1"}`))

	key, payload := tgt.nextData(t)
	assert.Equal(t, "binance/BTCUSDT/trade", key)
	assert.JSONEq(t, `{"price":"p1"}`, string(payload))
	assert.Equal(t, int64(1), f.stats.Snapshot().MessagesForwarded)
}

func TestDispatchWildcard(t *testing.T) {
	f := newFixture()
	tgt := f.addSession(t, 64, subscription.Filter{DataTypes: []string{"ticker"}})

	f.router.Dispatch(msg("okex", "ETHUSDT", "ticker", `{"n":1}`))
	f.router.Dispatch(msg("binance", "BTCUSDT", "ticker", `{"n":2}`))
	f.router.Dispatch(msg("binance", "BTCUSDT", "trade", `{"n":3}`))

	k1, _ := tgt.nextData(t)
	k2, _ := tgt.nextData(t)
	assert.Equal(t, "okex/ETHUSDT/ticker", k1)
	assert.Equal(t, "binance/BTCUSDT/ticker", k2)
	tgt.expectNoData(t, 200*time.Millisecond)
}

func TestDispatchDeduplicatesOverlappingFilters(t *testing.T) {
	f := newFixture()
	tgt := f.addSession(t, 64,
		subscription.Filter{Exchanges: []string{"binance"}, DataTypes: []string{"trade"}},
		subscription.Filter{Symbols: []string{"BTCUSDT"}},
	)

	f.router.Dispatch(msg("binance", "BTCUSDT", "trade", `{"n":1}`))

	tgt.nextData(t)
	tgt.expectNoData(t, 200*time.Millisecond)
	assert.Equal(t, int64(1), f.stats.Snapshot().MessagesForwarded)
}

func TestDispatchToMultipleSessions(t *testing.T) {
	f := newFixture()
	a := f.addSession(t, 64, subscription.Filter{Symbols: []string{"BTCUSDT"}})
	b := f.addSession(t, 64, subscription.Filter{Exchanges: []string{"binance"}})
	c := f.addSession(t, 64, subscription.Filter{DataTypes: []string{"ticker"}})

	f.router.Dispatch(msg("binance", "BTCUSDT", "trade", `{"n":1}`))

	a.nextData(t)
	b.nextData(t)
	c.expectNoData(t, 200*time.Millisecond)
	assert.Equal(t, int64(2), f.stats.Snapshot().MessagesForwarded)
}

func TestDispatchPerSessionOrder(t *testing.T) {
	f := newFixture()
	tgt := f.addSession(t, 1024, subscription.Filter{Symbols: []string{"BTCUSDT"}})

	const n = 100
	for i := 0; i < n; i++ {
		f.router.Dispatch(msg("binance", "BTCUSDT", "trade", fmt.Sprintf(`{"seq":%d}`, i)))
	}

	for i := 0; i < n; i++ {
		_, payload := tgt.nextData(t)
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(payload, &body))
		require.Equal(t, i, body.Seq, "frames reordered")
	}
}

func TestSlowClientDoesNotBlockDispatch(t *testing.T) {
	f := newFixture()

	slow := f.addSession(t, 4, subscription.Filter{Symbols: []string{"BTCUSDT"}})
	healthy := f.addSession(t, 4096, subscription.Filter{Symbols: []string{"BTCUSDT"}})

	// Nothing consumes the slow target's frames, so its read buffer and
	// then its send queue fill, wedging its writer. Enough dispatches
	// overflow both.
	const n = 6000
	start := time.Now()
	for i := 0; i < n; i++ {
		f.router.Dispatch(msg("binance", "BTCUSDT", "trade", fmt.Sprintf(`{"seq":%d}`, i)))
	}
	elapsed := time.Since(start)

	// Ingest is never gated on the wedged session.
	assert.Less(t, elapsed, 5*time.Second)
	assert.Positive(t, slow.sess.Dropped())
	assert.Positive(t, f.stats.Snapshot().DroppedTotal)

	// The healthy session still gets every frame its queue could hold;
	// read a large prefix in order.
	for i := 0; i < 100; i++ {
		_, payload := healthy.nextData(t)
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(payload, &body))
		require.Equal(t, i, body.Seq)
	}
}

func TestDispatchAfterSessionCloseIsNoop(t *testing.T) {
	f := newFixture()
	tgt := f.addSession(t, 64, subscription.Filter{Symbols: []string{"BTCUSDT"}})

	tgt.sess.Close(session.ReasonHeartbeatTimeout)
	require.Eventually(t, func() bool {
		return f.registry.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)

	before := f.stats.Snapshot()
	f.router.Dispatch(msg("binance", "BTCUSDT", "trade", `{"n":1}`))
	after := f.stats.Snapshot()
	assert.Equal(t, before.MessagesForwarded, after.MessagesForwarded)
	assert.Equal(t, before.DroppedTotal, after.DroppedTotal)
}

func TestDispatchWithNoSubscribers(t *testing.T) {
	f := newFixture()
	f.router.Dispatch(msg("binance", "BTCUSDT", "trade", `{"n":1}`))
	assert.Zero(t, f.stats.Snapshot().MessagesForwarded)
}
