// Package broker defines the capability interfaces the relay needs from a
// trading terminal (symbol catalog, open positions, order gateway) and the
// shared wire types. Implementations are injected; the engine never talks to
// a concrete terminal SDK directly.
package broker

import "context"

// Side is the direction of an exposure or order.
type Side int

const (
	Flat Side = iota
	Long
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Opposite returns the reverse direction; Flat maps to Flat.
func (s Side) Opposite() Side {
	switch s {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Flat
	}
}

// SymbolInfo carries the trading constraints for one instrument.
type SymbolInfo struct {
	Name     string
	Step     float64
	MinLot   float64
	MaxLot   float64
	Digits   int
	Tradable bool
	Bid      float64
	Ask      float64
}

// PositionRecord is one open position ticket as the terminal reports it.
// Hedging accounts can hold several records per symbol, on both sides.
type PositionRecord struct {
	Ticket     int64
	Symbol     string
	Side       Side
	Volume     float64
	EntryPrice float64
}

// RejectCode classifies the outcome of an order call. The executor retries
// margin rejections with downsizing; hard rejections abort the plan.
type RejectCode int

const (
	OK RejectCode = iota
	RejectMargin
	RejectHard
	RejectTransport
)

func (c RejectCode) String() string {
	switch c {
	case OK:
		return "ok"
	case RejectMargin:
		return "margin"
	case RejectHard:
		return "hard"
	default:
		return "transport"
	}
}

// OrderResult reports a single order call. Raw preserves the terminal's
// native return code for operator diagnosis.
type OrderResult struct {
	Filled float64
	Code   RejectCode
	Raw    int
}

// Catalog exposes the terminal's instrument universe.
type Catalog interface {
	// Symbols lists every instrument name known to the terminal.
	Symbols(ctx context.Context) ([]string, error)
	// Info returns constraints for one instrument.
	Info(ctx context.Context, name string) (SymbolInfo, error)
	// Select makes an instrument visible/tradable in the terminal session.
	Select(ctx context.Context, name string) error
}

// Positions exposes the open position book.
type Positions interface {
	// Open returns all open records for symbol, both sides.
	Open(ctx context.Context, symbol string) ([]PositionRecord, error)
}

// Gateway submits orders. Every call is one terminal transaction; there is
// no cross-call atomicity.
type Gateway interface {
	// MarketOpen submits a market order opening lot on side.
	MarketOpen(ctx context.Context, symbol string, side Side, lot float64) (OrderResult, error)
	// CloseTicket closes lot out of one existing position record.
	CloseTicket(ctx context.Context, ticket int64, lot float64) (OrderResult, error)
	// CloseBy offsets two opposing records against each other up to the
	// smaller volume, without routing a new market order.
	CloseBy(ctx context.Context, a, b int64) (OrderResult, error)
	// MarginRequired prices the margin needed for a hypothetical order.
	MarginRequired(ctx context.Context, symbol string, side Side, lot float64) (float64, error)
	// FreeMargin reports the account's available margin.
	FreeMargin(ctx context.Context) (float64, error)
}

// Terminal bundles the three capabilities a full terminal session provides.
type Terminal interface {
	Catalog
	Positions
	Gateway
}
