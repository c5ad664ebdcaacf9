package lots

import (
	"context"
	"errors"
	"math"
	"testing"

	"tv-mt5-auto/internal/broker"
)

func TestSizeBounds(t *testing.T) {
	cases := []struct {
		name      string
		c         Constraints
		requested float64
		want      float64
	}{
		{"rounds up to step", Constraints{Step: 0.01, Min: 0.01, Max: 100}, 0.013, 0.02},
		{"raises to min", Constraints{Step: 0.01, Min: 0.1, Max: 100}, 0.03, 0.1},
		{"clamps to max", Constraints{Step: 0.01, Min: 0.01, Max: 5}, 7.2, 5},
		{"exact multiple unchanged", Constraints{Step: 0.1, Min: 0.1, Max: 10}, 0.3, 0.3},
		{"fp drift absorbed", Constraints{Step: 0.1, Min: 0.1, Max: 10}, 0.1 + 0.2, 0.3},
		{"fine step rounds to 4 places", Constraints{Step: 0.001, Min: 0.001, Max: 1}, 0.0004, 0.001},
	}
	for _, tc := range cases {
		got, err := tc.c.Size(tc.requested)
		if err != nil {
			t.Fatalf("%s: Size returned error: %v", tc.name, err)
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if got < tc.c.Min-1e-9 || got > tc.c.Max+1e-9 {
			t.Fatalf("%s: %v outside [%v, %v]", tc.name, got, tc.c.Min, tc.c.Max)
		}
		steps := got / tc.c.Step
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			t.Fatalf("%s: %v is not a step multiple of %v", tc.name, got, tc.c.Step)
		}
	}
}

func TestSizeInvalid(t *testing.T) {
	if _, err := (Constraints{Step: 0, Min: 0.1, Max: 1}).Size(1); err == nil {
		t.Fatalf("expected error for zero step")
	}
	if _, err := (Constraints{Step: 0.1, Min: 1, Max: 0.5}).Size(1); err == nil {
		t.Fatalf("expected error for max < min")
	}
	if _, err := (Constraints{Step: 0.1, Min: 0.1, Max: 1}).Size(0); err == nil {
		t.Fatalf("expected error for zero requested lot")
	}
}

func TestSizeWithMarginDownsizes(t *testing.T) {
	sim := broker.NewSim()
	sim.AddSymbol(broker.SymbolInfo{Name: "NAS100", Step: 0.1, MinLot: 0.1, MaxLot: 10, Tradable: true})
	sim.SetMarginPerLot("NAS100", 100)
	sim.SetFreeMargin(250) // affords 2.5 lots

	c := Constraints{Step: 0.1, Min: 0.1, Max: 10}
	got, err := c.SizeWithMargin(context.Background(), sim, "NAS100", broker.Long, 5)
	if err != nil {
		t.Fatalf("SizeWithMargin returned error: %v", err)
	}
	if math.Abs(got-2.5) > 1e-9 {
		t.Fatalf("expected downsized 2.5 lots, got %v", got)
	}
}

func TestSizeWithMarginUnaffordable(t *testing.T) {
	sim := broker.NewSim()
	sim.AddSymbol(broker.SymbolInfo{Name: "NAS100", Step: 0.1, MinLot: 0.1, MaxLot: 10, Tradable: true})
	sim.SetMarginPerLot("NAS100", 100)
	sim.SetFreeMargin(5)

	c := Constraints{Step: 0.1, Min: 0.1, Max: 10}
	_, err := c.SizeWithMargin(context.Background(), sim, "NAS100", broker.Long, 1)
	if !errors.Is(err, ErrUnaffordable) {
		t.Fatalf("expected ErrUnaffordable, got %v", err)
	}
}

func TestSizeWithMarginAffordableUnchanged(t *testing.T) {
	sim := broker.NewSim()
	sim.AddSymbol(broker.SymbolInfo{Name: "NAS100", Step: 0.1, MinLot: 0.1, MaxLot: 10, Tradable: true})
	sim.SetMarginPerLot("NAS100", 10)
	sim.SetFreeMargin(1000)

	c := Constraints{Step: 0.1, Min: 0.1, Max: 10}
	got, err := c.SizeWithMargin(context.Background(), sim, "NAS100", broker.Long, 3)
	if err != nil {
		t.Fatalf("SizeWithMargin returned error: %v", err)
	}
	if math.Abs(got-3) > 1e-9 {
		t.Fatalf("expected 3 lots untouched, got %v", got)
	}
}
