// Package signal models the inbound trading instruction and parses the
// flexible webhook payload shape the upstream source emits.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tv-mt5-auto/internal/broker"
)

// ErrMalformed marks payloads that can never be processed; the intake loop
// acknowledges these as permanently failed instead of retrying.
var ErrMalformed = errors.New("malformed signal")

// Signal is one inbound instruction, immutable once parsed. PosAfter and
// MarketPosition jointly declare the target signed position; Contracts is
// the magnitude of change the source claims to make and may be distrusted
// by policy.
type Signal struct {
	ID             int64
	Symbol         string
	Action         string // "buy", "sell", or "" when only an exit keyword was given
	ExitHint       bool   // an exit keyword appeared in the action field
	Contracts      *float64
	PosAfter       *float64
	MarketPosition string // "long", "short", "flat", or ""
	OrderPrice     *float64
	Time           string
}

// flexFloat accepts JSON numbers or numeric strings, both of which the
// upstream source produces depending on alert template quoting.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return fmt.Errorf("empty numeric field")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type payload struct {
	Symbol         string     `json:"symbol"`
	Sym            string     `json:"sym"`
	Ticker         string     `json:"ticker"`
	S              string     `json:"s"`
	Action         string     `json:"action"`
	Contracts      *flexFloat `json:"contracts"`
	PosAfter       *flexFloat `json:"pos_after"`
	MarketPosition string     `json:"market_position"`
	OrderPrice     *flexFloat `json:"order_price"`
	Time           string     `json:"time"`
}

var exitKeywords = map[string]bool{
	"close": true, "close_all": true, "close_long": true, "close_short": true,
	"exit": true, "flat": true, "flatten": true,
}

// Parse decodes a raw webhook payload. The symbol is taken from the first
// non-empty of symbol|sym|ticker|s; action is normalised case-insensitively.
// A payload with no recognisable action, market position, or target size is
// malformed.
func Parse(raw []byte) (*Signal, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sig := &Signal{Time: p.Time}
	for _, v := range []string{p.Symbol, p.Sym, p.Ticker, p.S} {
		if v = strings.TrimSpace(v); v != "" {
			sig.Symbol = v
			break
		}
	}

	switch a := strings.ToLower(strings.TrimSpace(p.Action)); {
	case a == "buy" || a == "long" || a == "open_long":
		sig.Action = "buy"
	case a == "sell" || a == "short" || a == "open_short":
		sig.Action = "sell"
	case exitKeywords[a]:
		sig.ExitHint = true
	}

	switch mp := strings.ToLower(strings.TrimSpace(p.MarketPosition)); mp {
	case "long", "short", "flat":
		sig.MarketPosition = mp
	}

	if p.Contracts != nil {
		v := float64(*p.Contracts)
		if v < 0 {
			return nil, fmt.Errorf("%w: negative contracts", ErrMalformed)
		}
		sig.Contracts = &v
	}
	if p.PosAfter != nil {
		v := float64(*p.PosAfter)
		if v < 0 {
			return nil, fmt.Errorf("%w: negative pos_after", ErrMalformed)
		}
		sig.PosAfter = &v
	}
	if p.OrderPrice != nil {
		v := float64(*p.OrderPrice)
		sig.OrderPrice = &v
	}

	if sig.Action == "" && !sig.ExitHint && sig.MarketPosition == "" && sig.PosAfter == nil {
		return nil, fmt.Errorf("%w: no actionable fields", ErrMalformed)
	}
	return sig, nil
}

// FlatIntent reports whether the signal declares a flat target. A flat
// intent must never produce a new directional entry.
func (s *Signal) FlatIntent() bool {
	if s.MarketPosition == "flat" {
		return true
	}
	return s.PosAfter != nil && *s.PosAfter == 0
}

// ActionSide maps the buy/sell action to a direction, Flat when absent.
func (s *Signal) ActionSide() broker.Side {
	switch s.Action {
	case "buy":
		return broker.Long
	case "sell":
		return broker.Short
	default:
		return broker.Flat
	}
}

// TargetNet returns the declared target signed position (long positive,
// short negative). ok is false when the signal does not declare one, i.e.
// market_position is absent and the signal is not a flat intent.
func (s *Signal) TargetNet() (net float64, ok bool) {
	if s.FlatIntent() {
		return 0, true
	}
	if s.MarketPosition == "" || s.PosAfter == nil {
		return 0, false
	}
	if s.MarketPosition == "short" {
		return -*s.PosAfter, true
	}
	return *s.PosAfter, true
}
