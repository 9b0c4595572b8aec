package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control frames are JSON text frames with a "type" discriminator and a
// type-specific "payload" object. Outbound frames are encoded once and the
// resulting bytes are shared across every target send queue, so encoders
// here return immutable byte slices that callers must not modify.

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMalformed     = errors.New("malformed frame")
	ErrUnknownType   = errors.New("unknown frame type")
)

// Frame is the wire envelope for all control-plane messages.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingPayload carries the client timestamp, echoed back in the pong.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SubscribePayload is the client's filter declaration. An empty (or
// absent) array in a dimension means wildcard. All three absent means the
// payload is structurally empty and is rejected upstream.
type SubscribePayload struct {
	Exchanges []string `json:"exchange"`
	Symbols   []string `json:"symbols"`
	DataTypes []string `json:"dataTypes"`
}

// UnsubscribePayload names the filter to drop.
type UnsubscribePayload struct {
	FilterID string `json:"filterId"`
}

// WelcomePayload is the first frame a client receives after upgrade.
type WelcomePayload struct {
	ConnectionID string `json:"connectionId"`
	ServerTime   int64  `json:"serverTime"`
	Version      string `json:"version"`
}

// SubscribedPayload acknowledges a subscribe with the assigned filter id
// and the filter as the server understood it.
type SubscribedPayload struct {
	FilterID string           `json:"filterId"`
	Filter   SubscribePayload `json:"filter"`
}

// UnsubscribedPayload acknowledges an unsubscribe.
type UnsubscribedPayload struct {
	FilterID string `json:"filterId"`
}

// ErrorPayload reports a recoverable or terminal error condition.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Inbound is a decoded client frame. Exactly one of the pointers is
// non-nil, matching Type.
type Inbound struct {
	Type        string
	Ping        *PingPayload
	Subscribe   *SubscribePayload
	Unsubscribe *UnsubscribePayload
}

// ParseInbound decodes a client text frame. maxBytes is enforced before
// any JSON work; oversize frames are terminal for the connection and
// callers distinguish them via ErrFrameTooLarge.
func ParseInbound(data []byte, maxBytes int) (*Inbound, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(data), maxBytes)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	in := &Inbound{Type: f.Type}
	switch f.Type {
	case TypePing:
		in.Ping = &PingPayload{}
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, in.Ping); err != nil {
				return nil, fmt.Errorf("%w: ping payload: %v", ErrMalformed, err)
			}
		}
	case TypeSubscribe:
		if len(f.Payload) == 0 {
			return nil, fmt.Errorf("%w: subscribe requires a payload", ErrMalformed)
		}
		in.Subscribe = &SubscribePayload{}
		if err := json.Unmarshal(f.Payload, in.Subscribe); err != nil {
			return nil, fmt.Errorf("%w: subscribe payload: %v", ErrMalformed, err)
		}
	case TypeUnsubscribe:
		if len(f.Payload) == 0 {
			return nil, fmt.Errorf("%w: unsubscribe requires a payload", ErrMalformed)
		}
		in.Unsubscribe = &UnsubscribePayload{}
		if err := json.Unmarshal(f.Payload, in.Unsubscribe); err != nil {
			return nil, fmt.Errorf("%w: unsubscribe payload: %v", ErrMalformed, err)
		}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return in, nil
}

func encode(frameType string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload types here are plain structs of strings and ints;
		// marshal cannot fail on them.
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", frameType, err))
	}
	data, err := json.Marshal(Frame{Type: frameType, Payload: raw})
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s frame: %v", frameType, err))
	}
	return data
}

// EncodeWelcome builds the welcome frame sent on successful handshake.
func EncodeWelcome(connectionID string, serverTime int64, version string) []byte {
	return encode(TypeWelcome, WelcomePayload{
		ConnectionID: connectionID,
		ServerTime:   serverTime,
		Version:      version,
	})
}

// EncodePong echoes the client's ping timestamp.
func EncodePong(timestamp int64) []byte {
	return encode(TypePong, PingPayload{Timestamp: timestamp})
}

// EncodeSubscribed acknowledges a subscribe.
func EncodeSubscribed(filterID string, filter SubscribePayload) []byte {
	return encode(TypeSubscribed, SubscribedPayload{FilterID: filterID, Filter: filter})
}

// EncodeUnsubscribed acknowledges an unsubscribe.
func EncodeUnsubscribed(filterID string) []byte {
	return encode(TypeUnsubscribed, UnsubscribedPayload{FilterID: filterID})
}

// EncodeError builds an error frame.
func EncodeError(code ErrorCode, message string) []byte {
	return encode(TypeError, ErrorPayload{Code: code, Message: message})
}
