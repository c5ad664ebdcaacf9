// Package reconcile classifies the transition between the account's actual
// exposure and a signal's declared target, and emits the ordered action
// plan that moves one to the other. Classification is a pure function of
// the snapshot, the signal, and policy - it performs no broker calls.
package reconcile

import (
	"math"

	"tv-mt5-auto/internal/broker"
	"tv-mt5-auto/internal/position"
	"tv-mt5-auto/internal/signal"
)

const epsilon = 1e-9

// Classification names the transition a signal requires.
type Classification int

const (
	NoOp Classification = iota
	Exit
	NewEntry
	Reversal
	Pyramiding // same-direction increase, ignored by policy
	PartialDecrease
	Same
	Blocked // safety gate: contradictory signal suppressed
)

func (c Classification) String() string {
	switch c {
	case Exit:
		return "exit"
	case NewEntry:
		return "new_entry"
	case Reversal:
		return "reversal"
	case Pyramiding:
		return "pyramiding"
	case PartialDecrease:
		return "partial_decrease"
	case Same:
		return "same"
	case Blocked:
		return "blocked"
	default:
		return "noop"
	}
}

// ActionKind is one step of a plan.
type ActionKind int

const (
	// Offset pairs opposing records against each other; always first when
	// the book is mixed.
	Offset ActionKind = iota
	Enter
	ClosePartial
	CloseAll
)

func (k ActionKind) String() string {
	switch k {
	case Enter:
		return "enter"
	case ClosePartial:
		return "close_partial"
	case CloseAll:
		return "close_all"
	default:
		return "offset"
	}
}

// Action is one ordered step. Lot is meaningful for Enter and ClosePartial;
// CloseAll and Offset derive volumes from the live book at execution time.
type Action struct {
	Kind ActionKind
	Side broker.Side
	Lot  float64
}

// Plan is the ordered action sequence for one signal. Later actions must
// observe the effect of earlier ones, so the executor re-reads position
// state between steps that change it.
type Plan struct {
	Class   Classification
	Actions []Action
}

// Policy carries the tunable reconciliation behavior.
type Policy struct {
	// EntryLot is the configured entry size; zero falls back to the
	// symbol minimum.
	EntryLot float64
	// DistrustContracts ignores per-signal contract counts and closes a
	// fixed fraction instead.
	DistrustContracts bool
	// PartialCloseFraction is the fallback close fraction when contracts
	// are distrusted. Zero defaults to 1/3.
	PartialCloseFraction float64
}

func (p Policy) fraction() float64 {
	if p.PartialCloseFraction > 0 && p.PartialCloseFraction <= 1 {
		return p.PartialCloseFraction
	}
	return 1.0 / 3.0
}

func (p Policy) entryLot(info broker.SymbolInfo) float64 {
	if p.EntryLot > 0 {
		return p.EntryLot
	}
	return info.MinLot
}

// Classify computes the plan for one signal against a fresh snapshot.
// Invariants: a flat-intent signal never yields an Enter; a mixed book is
// offset before anything directional; ClosePartial lots never exceed the
// current volume.
func Classify(cur position.Snapshot, sig *signal.Signal, pol Policy, info broker.SymbolInfo) Plan {
	var pre []Action
	if cur.Mixed() {
		pre = append(pre, Action{Kind: Offset})
	}

	c := cur.Net()

	// Flat intent is absolute: close what exists, never enter.
	if sig.FlatIntent() {
		if math.Abs(c) <= epsilon {
			return Plan{Class: NoOp, Actions: pre}
		}
		return Plan{Class: Exit, Actions: append(pre, Action{Kind: CloseAll, Side: cur.Side})}
	}

	targetSide, targetMag, magKnown := target(sig)
	if targetSide == broker.Flat {
		// No declared side and no recognised direction: with an exit
		// keyword this is exit-only, otherwise nothing safe to do.
		if sig.ExitHint && math.Abs(c) > epsilon {
			return Plan{Class: Exit, Actions: append(pre, Action{Kind: CloseAll, Side: cur.Side})}
		}
		return Plan{Class: NoOp, Actions: pre}
	}

	// Safety gate: flat account plus an action direction contradicting the
	// declared side means the signal is stale or out of order; entering
	// here would open the wrong way.
	if math.Abs(c) <= epsilon {
		if as := sig.ActionSide(); as != broker.Flat && sig.MarketPosition != "" && as != targetSide {
			return Plan{Class: Blocked, Actions: pre}
		}
		return Plan{
			Class:   NewEntry,
			Actions: append(pre, Action{Kind: Enter, Side: targetSide, Lot: pol.entryLot(info)}),
		}
	}

	if cur.Side != targetSide {
		return Plan{
			Class: Reversal,
			Actions: append(pre,
				Action{Kind: CloseAll, Side: cur.Side},
				Action{Kind: Enter, Side: targetSide, Lot: pol.entryLot(info)},
			),
		}
	}

	// Same direction. Without a declared magnitude this is an increase
	// request, which policy ignores.
	if !magKnown {
		return Plan{Class: Pyramiding, Actions: pre}
	}
	vol := math.Abs(c)
	switch {
	case targetMag > vol+epsilon:
		return Plan{Class: Pyramiding, Actions: pre}
	case math.Abs(targetMag-vol) <= epsilon:
		return Plan{Class: Same, Actions: pre}
	}

	lot := vol - targetMag
	if pol.DistrustContracts {
		lot = vol * pol.fraction()
	}
	if lot > vol {
		lot = vol
	}
	return Plan{
		Class:   PartialDecrease,
		Actions: append(pre, Action{Kind: ClosePartial, Side: cur.Side, Lot: lot}),
	}
}

// target derives the declared side and magnitude. Side comes from
// market_position when present, else from the buy/sell action (a full
// new-entry intent with unknown size).
func target(sig *signal.Signal) (side broker.Side, mag float64, magKnown bool) {
	switch sig.MarketPosition {
	case "long":
		side = broker.Long
	case "short":
		side = broker.Short
	default:
		return sig.ActionSide(), 0, false
	}
	if sig.PosAfter != nil {
		return side, *sig.PosAfter, true
	}
	return side, 0, false
}
