package subscription

import (
	"errors"
	"fmt"

	"github.com/Meteo-X/pixiu/internal/protocol"
)

const maxTokenBytes = 32

var (
	ErrEmptyFilter  = errors.New("filter declares no dimensions")
	ErrInvalidToken = errors.New("invalid filter token")
	ErrNotFound     = errors.New("filter not found")
)

// Filter is a predicate over routing keys: one value set per dimension,
// where an empty set matches any value in that dimension.
type Filter struct {
	Exchanges []string
	Symbols   []string
	DataTypes []string
}

// FilterFromPayload validates a subscribe payload and converts it into a
// Filter. A payload with all three dimension arrays absent is structurally
// empty and rejected; explicit empty arrays are wildcards.
func FilterFromPayload(p protocol.SubscribePayload) (Filter, error) {
	if p.Exchanges == nil && p.Symbols == nil && p.DataTypes == nil {
		return Filter{}, ErrEmptyFilter
	}
	f := Filter{Exchanges: p.Exchanges, Symbols: p.Symbols, DataTypes: p.DataTypes}
	for _, dim := range [][]string{f.Exchanges, f.Symbols, f.DataTypes} {
		for _, tok := range dim {
			if err := validateToken(tok); err != nil {
				return Filter{}, err
			}
		}
	}
	return f, nil
}

func validateToken(tok string) error {
	if tok == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if len(tok) > maxTokenBytes {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidToken, tok, maxTokenBytes)
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < 0x21 || tok[i] > 0x7e {
			return fmt.Errorf("%w: %q contains non-printable or non-ASCII byte", ErrInvalidToken, tok)
		}
	}
	return nil
}

// MatchAll reports whether every dimension is a wildcard.
func (f Filter) MatchAll() bool {
	return len(f.Exchanges) == 0 && len(f.Symbols) == 0 && len(f.DataTypes) == 0
}

// Matches evaluates the filter against a routing key: each dimension is
// either a wildcard or contains the key's value.
func (f Filter) Matches(key protocol.RoutingKey) bool {
	return dimMatches(f.Exchanges, key.Exchange) &&
		dimMatches(f.Symbols, key.Symbol) &&
		dimMatches(f.DataTypes, key.DataType)
}

func dimMatches(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Payload converts the filter back into its wire shape for the
// subscribed acknowledgment. Nil dimensions are normalized to empty
// arrays so the client always sees all three.
func (f Filter) Payload() protocol.SubscribePayload {
	return protocol.SubscribePayload{
		Exchanges: normalize(f.Exchanges),
		Symbols:   normalize(f.Symbols),
		DataTypes: normalize(f.DataTypes),
	}
}

func normalize(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
