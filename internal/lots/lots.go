// Package lots computes executable lot sizes under per-symbol step/min/max
// constraints, optionally downsizing until the account can afford the order.
package lots

import (
	"context"
	"errors"
	"fmt"
	"math"

	"tv-mt5-auto/internal/broker"
)

// tolerance absorbs binary floating-point drift in step arithmetic.
const tolerance = 1e-9

// ErrUnaffordable means even the minimum lot exceeds free margin.
var ErrUnaffordable = errors.New("minimum lot unaffordable")

// Constraints are the volume limits of one instrument.
type Constraints struct {
	Step float64
	Min  float64
	Max  float64
}

// FromInfo extracts volume constraints from a catalog entry.
func FromInfo(info broker.SymbolInfo) Constraints {
	return Constraints{Step: info.Step, Min: info.MinLot, Max: info.MaxLot}
}

func (c Constraints) validate() error {
	if c.Step <= 0 || c.Min <= 0 || c.Max < c.Min {
		return fmt.Errorf("invalid constraints step=%v min=%v max=%v", c.Step, c.Min, c.Max)
	}
	return nil
}

// CeilStep rounds v up to the nearest multiple of step.
func CeilStep(v, step float64) float64 {
	return math.Ceil(v/step-tolerance) * step
}

// FloorStep rounds v down to the nearest multiple of step.
func FloorStep(v, step float64) float64 {
	return math.Floor(v/step+tolerance) * step
}

// Round snaps v to the instrument's natural decimal precision: 2 places for
// coarse steps (>= 0.01), 4 for finer ones. Applied before any broker call.
func Round(v, step float64) float64 {
	if step >= 0.01 {
		return math.Round(v*100) / 100
	}
	return math.Round(v*10000) / 10000
}

// Size rounds requested up to a step multiple that is at least Min, clamped
// down to Max (re-floored to a step multiple). The result meets or exceeds
// the caller's intent, never silently under-fills.
func (c Constraints) Size(requested float64) (float64, error) {
	if err := c.validate(); err != nil {
		return 0, err
	}
	if requested <= 0 {
		return 0, fmt.Errorf("non-positive requested lot %v", requested)
	}
	v := CeilStep(requested, c.Step)
	if v < c.Min {
		v = CeilStep(c.Min, c.Step)
	}
	if v > c.Max+tolerance {
		v = FloorStep(c.Max, c.Step)
		if v < c.Min-tolerance {
			return 0, fmt.Errorf("no step multiple within [%v, %v]", c.Min, c.Max)
		}
	}
	return Round(v, c.Step), nil
}

// MarginQuerier is the slice of the gateway the margin-checked mode needs.
type MarginQuerier interface {
	MarginRequired(ctx context.Context, symbol string, side broker.Side, lot float64) (float64, error)
	FreeMargin(ctx context.Context) (float64, error)
}

// SizeWithMargin starts from Size's result and walks down one step at a
// time while the margin requirement exceeds free margin, stopping at Min.
// The result is affordable but may under-fill the original intent; callers
// get ErrUnaffordable when even Min does not fit.
func (c Constraints) SizeWithMargin(ctx context.Context, mq MarginQuerier, symbol string, side broker.Side, requested float64) (float64, error) {
	v, err := c.Size(requested)
	if err != nil {
		return 0, err
	}
	free, err := mq.FreeMargin(ctx)
	if err != nil {
		return 0, fmt.Errorf("free margin: %w", err)
	}
	for {
		need, err := mq.MarginRequired(ctx, symbol, side, v)
		if err != nil {
			return 0, fmt.Errorf("margin for %v lots: %w", v, err)
		}
		if need <= free+tolerance {
			return v, nil
		}
		v = Round(v-c.Step, c.Step)
		if v < c.Min-tolerance {
			return 0, ErrUnaffordable
		}
	}
}
