// Package execution turns one logical action plan into primitive broker
// calls: market opens with margin downsizing and split fills, ticket-level
// partial and full closes, and pairwise offsetting of mixed books.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"tv-mt5-auto/internal/broker"
	"tv-mt5-auto/internal/lots"
	"tv-mt5-auto/internal/metrics"
	"tv-mt5-auto/internal/notify"
	"tv-mt5-auto/internal/position"
	"tv-mt5-auto/internal/reconcile"
)

const epsilon = 1e-9

// ErrRejected marks a hard broker rejection: the remaining plan is aborted
// and never retried, because resubmitting risks duplicate exposure.
var ErrRejected = errors.New("order rejected")

// Config tunes executor behavior.
type Config struct {
	// MarginCheck sizes entries against free margin before submitting.
	MarginCheck bool
	// SplitEntries chunk-submits any entry larger than 1.5 steps instead
	// of sending one order.
	SplitEntries bool
	// SplitDelay spaces consecutive split fills.
	SplitDelay time.Duration
}

// Executor runs plans against an injected terminal. One instance is used by
// the single intake worker; it holds no per-signal state.
type Executor struct {
	term     broker.Terminal
	notifier notify.Notifier
	cfg      Config
	log      zerolog.Logger
}

// New wires an executor. A nil notifier is replaced with a no-op.
func New(term broker.Terminal, notifier notify.Notifier, cfg Config, log zerolog.Logger) *Executor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.SplitDelay <= 0 {
		cfg.SplitDelay = 50 * time.Millisecond
	}
	return &Executor{term: term, notifier: notifier, cfg: cfg, log: log}
}

// Run executes the plan strictly in order. Before an Enter that follows a
// CloseAll (a reversal), the position is re-read and must be flat; a
// leftover book aborts the entry rather than opening against it.
func (e *Executor) Run(ctx context.Context, plan reconcile.Plan, info broker.SymbolInfo) error {
	closedSomething := false
	for _, action := range plan.Actions {
		switch action.Kind {
		case reconcile.Offset:
			if err := e.offset(ctx, info); err != nil {
				return err
			}
		case reconcile.CloseAll:
			if err := e.closeSide(ctx, info, action.Side, math.Inf(1)); err != nil {
				return err
			}
			closedSomething = true
		case reconcile.ClosePartial:
			if err := e.closeSide(ctx, info, action.Side, action.Lot); err != nil {
				return err
			}
		case reconcile.Enter:
			if closedSomething {
				snap, err := position.Read(ctx, e.term, info.Name)
				if err != nil {
					return err
				}
				if snap.Volume > epsilon {
					return fmt.Errorf("%w: position not flat before reversal entry (%.4f %s remains)",
						ErrRejected, snap.Volume, snap.Side)
				}
			}
			if err := e.enter(ctx, info, action.Side, action.Lot); err != nil {
				return err
			}
		}
	}
	return nil
}

// enter submits a market order for lot. In split mode an entry above 1.5
// steps is chunk-submitted; otherwise one order is sent, walking one step
// down on each margin rejection. Success is any filled volume > 0; the
// shortfall is logged.
func (e *Executor) enter(ctx context.Context, info broker.SymbolInfo, side broker.Side, lot float64) error {
	c := lots.FromInfo(info)
	var target float64
	var err error
	if e.cfg.MarginCheck {
		target, err = c.SizeWithMargin(ctx, e.term, info.Name, side, lot)
	} else {
		target, err = c.Size(lot)
	}
	if err != nil {
		return fmt.Errorf("size entry: %w", err)
	}

	var filled float64
	if e.cfg.SplitEntries && target > 1.5*c.Step+epsilon {
		filled, err = e.chunkFill(ctx, info, side, target, c)
	} else {
		filled, err = e.openLadder(ctx, info, side, target, c)
	}
	if err != nil {
		return err
	}
	if filled <= epsilon {
		return fmt.Errorf("%w: entry unfilled for %s %s %.4f", ErrRejected, info.Name, side, target)
	}
	if target-filled > epsilon {
		e.log.Warn().Str("symbol", info.Name).Float64("target", target).Float64("filled", filled).
			Msg("entry under-filled")
	}
	e.notifyFill(info.Name, side, filled, "enter")
	return nil
}

// openLadder tries target, then target-step, ... down to min. A hard or
// transport rejection stops immediately; margin rejections keep walking.
func (e *Executor) openLadder(ctx context.Context, info broker.SymbolInfo, side broker.Side, target float64, c lots.Constraints) (float64, error) {
	for v := target; v >= c.Min-epsilon; v = lots.Round(v-c.Step, c.Step) {
		res, err := e.submitOpen(ctx, info.Name, side, v)
		if err != nil {
			return 0, err
		}
		switch res.Code {
		case broker.OK:
			return res.Filled, nil
		case broker.RejectMargin:
			continue
		default:
			return 0, fmt.Errorf("%w: %s open %s %.4f code=%s raw=%d",
				ErrRejected, info.Name, side, v, res.Code, res.Raw)
		}
	}
	return 0, nil
}

// chunkFill executes a large entry as a series of chunk-sized orders with
// the remainder last, spaced by SplitDelay. Chunks are one step, raised to
// the minimum lot where the minimum is coarser. A margin rejection mid-way
// keeps the chunks already filled; a remainder below the minimum is skipped.
func (e *Executor) chunkFill(ctx context.Context, info broker.SymbolInfo, side broker.Side, target float64, c lots.Constraints) (float64, error) {
	chunk := c.Step
	if c.Min > chunk {
		chunk = c.Min
	}
	var filled float64
	for {
		rem := target - filled
		if rem <= epsilon {
			return filled, nil
		}
		lot := chunk
		if rem < chunk+epsilon {
			if rem < c.Min-epsilon {
				return filled, nil
			}
			lot = lots.Round(rem, c.Step)
		}
		res, err := e.submitOpen(ctx, info.Name, side, lot)
		if err != nil {
			return filled, err
		}
		if res.Code == broker.RejectMargin {
			return filled, nil // account is full; keep what we have
		}
		if res.Code != broker.OK {
			return filled, fmt.Errorf("%w: chunked entry %s code=%s raw=%d", ErrRejected, info.Name, res.Code, res.Raw)
		}
		filled += res.Filled
		if target-filled <= epsilon {
			return filled, nil
		}
		select {
		case <-ctx.Done():
			return filled, ctx.Err()
		case <-time.After(e.cfg.SplitDelay):
		}
	}
}

func (e *Executor) submitOpen(ctx context.Context, symbol string, side broker.Side, lot float64) (broker.OrderResult, error) {
	res, err := e.term.MarketOpen(ctx, symbol, side, lot)
	if err != nil {
		metrics.OrderRejectionsTotal.WithLabelValues(broker.RejectTransport.String()).Inc()
		return broker.OrderResult{}, fmt.Errorf("market open %s %s %.4f: %w", symbol, side, lot, err)
	}
	metrics.OrdersTotal.WithLabelValues(symbol, side.String(), "open").Inc()
	if res.Code != broker.OK {
		metrics.OrderRejectionsTotal.WithLabelValues(res.Code.String()).Inc()
		e.log.Warn().Str("symbol", symbol).Str("side", side.String()).Float64("lot", lot).
			Int("raw", res.Raw).Str("code", res.Code.String()).Msg("open rejected")
	}
	return res, nil
}

// closeSide closes up to target lots of the given side against specific
// tickets, never via a symbol-generic reverse order, so a netting account
// cannot end up with fresh opposite exposure. Inf closes everything.
func (e *Executor) closeSide(ctx context.Context, info broker.SymbolInfo, side broker.Side, target float64) error {
	records, err := e.term.Open(ctx, info.Name)
	if err != nil {
		return fmt.Errorf("read book for close: %w", err)
	}
	remaining := target
	closed := 0.0
	for _, rec := range records {
		if rec.Side != side || remaining <= epsilon {
			continue
		}
		lot := rec.Volume
		if remaining < lot {
			lot = lots.FloorStep(remaining, info.Step)
		}
		if lot <= epsilon {
			break
		}
		res, err := e.term.CloseTicket(ctx, rec.Ticket, lot)
		if err != nil {
			metrics.OrderRejectionsTotal.WithLabelValues(broker.RejectTransport.String()).Inc()
			return fmt.Errorf("close ticket %d: %w", rec.Ticket, err)
		}
		metrics.OrdersTotal.WithLabelValues(info.Name, side.String(), "close").Inc()
		if res.Code != broker.OK {
			metrics.OrderRejectionsTotal.WithLabelValues(res.Code.String()).Inc()
			return fmt.Errorf("%w: close ticket %d code=%s raw=%d", ErrRejected, rec.Ticket, res.Code, res.Raw)
		}
		closed += res.Filled
		if !math.IsInf(remaining, 1) {
			remaining -= res.Filled
		}
	}
	if closed > epsilon {
		e.notifyFill(info.Name, side, closed, "close")
	}
	return nil
}

// offset pairs opposing tickets via close-by until the book is no longer
// mixed. Bounded by the record count so a rejecting broker cannot loop us.
func (e *Executor) offset(ctx context.Context, info broker.SymbolInfo) error {
	for attempt := 0; attempt < 64; attempt++ {
		records, err := e.term.Open(ctx, info.Name)
		if err != nil {
			return fmt.Errorf("read book for offset: %w", err)
		}
		var longRec, shortRec *broker.PositionRecord
		for i := range records {
			switch {
			case records[i].Side == broker.Long && longRec == nil:
				longRec = &records[i]
			case records[i].Side == broker.Short && shortRec == nil:
				shortRec = &records[i]
			}
		}
		if longRec == nil || shortRec == nil {
			return nil
		}
		res, err := e.term.CloseBy(ctx, longRec.Ticket, shortRec.Ticket)
		if err != nil {
			return fmt.Errorf("close by %d/%d: %w", longRec.Ticket, shortRec.Ticket, err)
		}
		metrics.OrdersTotal.WithLabelValues(info.Name, "both", "close_by").Inc()
		if res.Code != broker.OK {
			metrics.OrderRejectionsTotal.WithLabelValues(res.Code.String()).Inc()
			return fmt.Errorf("%w: close by code=%s raw=%d", ErrRejected, res.Code, res.Raw)
		}
	}
	return fmt.Errorf("offset did not converge for %s", info.Name)
}

func (e *Executor) notifyFill(symbol string, side broker.Side, lot float64, kind string) {
	if err := e.notifier.Send(fmt.Sprintf("%s %s %s %.4f", kind, symbol, side, lot)); err != nil {
		e.log.Debug().Err(err).Msg("notify failed")
	}
}
