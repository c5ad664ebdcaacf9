package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tv-mt5-auto/internal/metrics"
)

// Handler processes one reserved signal; an error marks it failed.
type Handler interface {
	Handle(ctx context.Context, qs QueuedSignal) error
}

// Loop is the single intake worker. Signals are processed strictly
// sequentially so no two broker calls can race on the same symbol, and
// every decision sees the effect of the previous one.
type Loop struct {
	client   *Client
	handler  Handler
	interval time.Duration
	maxBatch int
	log      zerolog.Logger
}

// NewLoop builds the intake loop. interval is the poll cadence, maxBatch
// the pull size cap.
func NewLoop(client *Client, handler Handler, interval time.Duration, maxBatch int, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxBatch <= 0 {
		maxBatch = 10
	}
	return &Loop{client: client, handler: handler, interval: interval, maxBatch: maxBatch, log: log}
}

// Run polls until the context is cancelled. Per-signal failures never stop
// the loop; transport failures on pull only skip the cycle.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cycle pulls one batch and processes it. Exported for tests via RunOnce.
func (l *Loop) cycle(ctx context.Context) {
	items, err := l.client.Pull(ctx, l.maxBatch)
	if err != nil {
		metrics.QueuePullErrorsTotal.Inc()
		l.log.Warn().Err(err).Msg("pull failed")
		return
	}
	if len(items) == 0 {
		return
	}

	var done, failed []int64
	for _, item := range items {
		if err := l.handler.Handle(ctx, item); err != nil {
			l.log.Error().Int64("id", item.ID).Err(err).Msg("signal failed")
			metrics.SignalsTotal.WithLabelValues("failed").Inc()
			failed = append(failed, item.ID)
			continue
		}
		metrics.SignalsTotal.WithLabelValues("done").Inc()
		done = append(done, item.ID)
	}
	if err := l.client.Ack(ctx, done, "done"); err != nil {
		l.log.Warn().Err(err).Msg("ack done failed")
	}
	if err := l.client.Ack(ctx, failed, "failed"); err != nil {
		l.log.Warn().Err(err).Msg("ack failed failed")
	}
}

// RunOnce executes a single pull/process/ack cycle. Used by tests and the
// drain mode of the agent binary.
func (l *Loop) RunOnce(ctx context.Context) {
	l.cycle(ctx)
}
