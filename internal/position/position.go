// Package position reads and nets the broker's open volume for a symbol.
package position

import (
	"context"
	"fmt"

	"tv-mt5-auto/internal/broker"
)

const epsilon = 1e-9

// Snapshot is the netted open exposure on one symbol at read time. It is
// never cached across signals: every decision re-reads broker state so it
// cannot act on stale volume.
type Snapshot struct {
	Symbol string
	Side   broker.Side
	Volume float64
	Long   float64
	Short  float64
}

// Net is the signed magnitude, positive long and negative short.
func (s Snapshot) Net() float64 { return s.Long - s.Short }

// Mixed reports simultaneous long and short records on the symbol. Mixed
// exposure is never a valid target state; it is offset-closed before any
// directional action.
func (s Snapshot) Mixed() bool { return s.Long > epsilon && s.Short > epsilon }

// Read aggregates all open records for symbol into a netted snapshot.
func Read(ctx context.Context, pos broker.Positions, symbol string) (Snapshot, error) {
	records, err := pos.Open(ctx, symbol)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read positions for %s: %w", symbol, err)
	}
	snap := Snapshot{Symbol: symbol, Side: broker.Flat}
	for _, r := range records {
		switch r.Side {
		case broker.Long:
			snap.Long += r.Volume
		case broker.Short:
			snap.Short += r.Volume
		}
	}
	net := snap.Net()
	switch {
	case net > epsilon:
		snap.Side = broker.Long
		snap.Volume = net
	case net < -epsilon:
		snap.Side = broker.Short
		snap.Volume = -net
	}
	return snap, nil
}
