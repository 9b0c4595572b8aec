package protocol

import (
	"encoding/json"
	"fmt"
)

// RoutingKey is the triple a market-data message is routed on. Elements
// are short ASCII tokens compared for exact equality only.
type RoutingKey struct {
	Exchange string
	Symbol   string
	DataType string
}

func (k RoutingKey) String() string {
	return k.Exchange + "/" + k.Symbol + "/" + k.DataType
}

// MarketDataMessage is one upstream tick. The payload is opaque to the
// proxy: it is carried through to matching clients byte for byte.
type MarketDataMessage struct {
	Key       RoutingKey
	Timestamp int64 // producer timestamp, ms since epoch; informational
	Payload   json.RawMessage
}

// dataBody is the payload object inside an outbound data frame.
type dataBody struct {
	Type      string          `json:"type"`
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// dataFrame is the outbound data envelope. Timestamp is the proxy's
// enqueue time, distinct from the producer timestamp inside the payload.
type dataFrame struct {
	Type      string   `json:"type"`
	Timestamp int64    `json:"timestamp"`
	Payload   dataBody `json:"payload"`
}

// EncodeData serializes the outbound data frame for a message. The router
// calls this exactly once per dispatch and shares the bytes across all
// matching sessions.
func EncodeData(msg MarketDataMessage, enqueuedAt int64) ([]byte, error) {
	data, err := json.Marshal(dataFrame{
		Type:      TypeData,
		Timestamp: enqueuedAt,
		Payload: dataBody{
			Type:      msg.Key.DataType,
			Exchange:  msg.Key.Exchange,
			Symbol:    msg.Key.Symbol,
			Timestamp: msg.Timestamp,
			Data:      msg.Payload,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode data frame for %s: %w", msg.Key, err)
	}
	return data, nil
}
