package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tv-mt5-auto/internal/broker"
	"tv-mt5-auto/internal/execution"
	"tv-mt5-auto/internal/position"
	"tv-mt5-auto/internal/reconcile"
	"tv-mt5-auto/internal/resolve"
	"tv-mt5-auto/internal/signal"
)

// errPermanent marks failures that redelivery can never fix: the signal is
// acknowledged failed and must not be retried.
var errPermanent = errors.New("permanent failure")

// Agent is the per-signal pipeline: parse, resolve, read fresh position
// state, classify, execute. It holds no state between signals; the broker
// book is the only source of truth, which is what makes redelivery
// idempotent.
type Agent struct {
	resolver *resolve.Resolver
	term     broker.Terminal
	exec     *execution.Executor
	policy   reconcile.Policy
	log      zerolog.Logger
}

// NewAgent wires the pipeline.
func NewAgent(resolver *resolve.Resolver, term broker.Terminal, exec *execution.Executor, policy reconcile.Policy, log zerolog.Logger) *Agent {
	return &Agent{resolver: resolver, term: term, exec: exec, policy: policy, log: log}
}

// Handle processes one queued signal end to end. Any returned error means
// the signal is acknowledged failed; errors wrapping errPermanent are
// additionally never worth redelivering.
func (a *Agent) Handle(ctx context.Context, qs QueuedSignal) error {
	sig, err := signal.Parse(qs.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	sig.ID = qs.ID

	info, err := a.resolver.Resolve(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", sig.Symbol, err)
	}

	snap, err := position.Read(ctx, a.term, info.Name)
	if err != nil {
		return err
	}

	plan := reconcile.Classify(snap, sig, a.policy, info)
	a.log.Info().
		Int64("id", sig.ID).
		Str("symbol", info.Name).
		Str("class", plan.Class.String()).
		Str("current", snap.Side.String()).
		Float64("volume", snap.Volume).
		Msg("signal classified")

	if len(plan.Actions) == 0 {
		return nil
	}
	if err := a.exec.Run(ctx, plan, info); err != nil {
		return fmt.Errorf("execute %s: %w", plan.Class, err)
	}
	return nil
}
