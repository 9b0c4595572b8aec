package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Meteo-X/pixiu/internal/protocol"
)

// Dispatcher receives decoded upstream messages. Satisfied by the
// fan-out router; tests substitute their own.
type Dispatcher interface {
	Dispatch(msg protocol.MarketDataMessage)
}

// envelope is the JSON shape producers publish on the bus. The data
// field stays opaque all the way to the client.
type envelope struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// decodeMessage parses a bus payload into a routable message.
func decodeMessage(data []byte) (protocol.MarketDataMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.MarketDataMessage{}, fmt.Errorf("decode upstream message: %w", err)
	}
	if env.Exchange == "" || env.Symbol == "" || env.Type == "" {
		return protocol.MarketDataMessage{}, fmt.Errorf("upstream message missing routing fields (exchange=%q symbol=%q type=%q)",
			env.Exchange, env.Symbol, env.Type)
	}
	return protocol.MarketDataMessage{
		Key: protocol.RoutingKey{
			Exchange: env.Exchange,
			Symbol:   env.Symbol,
			DataType: env.Type,
		},
		Timestamp: env.Timestamp,
		Payload:   env.Data,
	}, nil
}

// keyFromSubject derives a routing key from a hierarchical subject like
// "md.binance.BTCUSDT.trade". Used as a fallback when the body omits
// routing fields.
func keyFromSubject(subject string) (protocol.RoutingKey, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 {
		return protocol.RoutingKey{}, false
	}
	key := protocol.RoutingKey{
		Exchange: parts[1],
		Symbol:   parts[2],
		DataType: parts[3],
	}
	if key.Exchange == "" || key.Symbol == "" || key.DataType == "" {
		return protocol.RoutingKey{}, false
	}
	return key, true
}
