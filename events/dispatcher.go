package events

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/flowforge/dagcore"
	"github.com/flowforge/dagcore/engine"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// stuckStepRetryDelayMs is how long the Dispatcher waits before redelivering
// an execution.retry after a StuckStepError — long enough that the live
// worker holding the claim has likely finished or crashed out of it.
const stuckStepRetryDelayMs = 2000

// runner is the subset of engine.Executor the Dispatcher drives. Declared
// as an interface so tests can substitute a fake without a real Store.
type runner interface {
	Run(ctx context.Context, executionID string) (dagcore.RunOutcomeStatus, error)
}

var _ runner = (*engine.Executor)(nil)

// Dispatcher is the Scheduler/Dispatcher component from spec.md §4.5/§6: a
// bounded pool of workers that turn each Bus delivery into one
// engine.Executor.Run call, and that reschedule execution.retry deliveries
// when a step is merely stuck behind a live worker's claim rather than
// terminally failed.
type Dispatcher struct {
	bus         Bus
	executor    runner
	concurrency int
	logger      zerolog.Logger
	clock       dagcore.Clock
}

// NewDispatcher wires a Dispatcher against a Bus and an Executor. Pool size
// defaults to dagcore.DefaultEngineConfig.MaxConcurrentExecutions.
func NewDispatcher(bus Bus, executor runner, concurrency int, clock dagcore.Clock) *Dispatcher {
	if concurrency <= 0 {
		concurrency = dagcore.DefaultEngineConfig.MaxConcurrentExecutions
	}
	if clock == nil {
		clock = dagcore.SystemClock{}
	}
	return &Dispatcher{
		bus:         bus,
		executor:    executor,
		concurrency: concurrency,
		clock:       clock,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("component", "dispatcher").Logger(),
	}
}

// Run drains the Bus until ctx is cancelled, dispatching up to concurrency
// deliveries at once. It returns when ctx is done and all in-flight
// handlers have returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	deliveries := d.bus.Subscribe(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case delivery, ok := <-deliveries:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				d.handle(gctx, delivery)
				return nil
			})
		}
	}
}

// handle invokes the Executor for one delivery's execution, swallowing all
// outcomes except StuckStepError, which it turns into a delayed redelivery
// — every other outcome (success, terminal error, waiting-for-signal,
// durable-sleep, cancelled) is already durably recorded by Executor.Run
// itself.
func (d *Dispatcher) handle(ctx context.Context, delivery Delivery) {
	outcome, err := d.executor.Run(ctx, delivery.Subject)

	var stuck *dagcore.StuckStepError
	if err != nil && errors.As(err, &stuck) {
		d.logger.Warn().Str("execution_id", delivery.Subject).Msg("step claim contended, rescheduling")
		wake := dagcore.NowMs(d.clock) + stuckStepRetryDelayMs
		_ = d.bus.Publish(ctx, Delivery{
			Type:      dagcore.DeliveryExecutionRetry,
			Subject:   delivery.Subject,
			DeliverAt: &wake,
		})
		return
	}

	if err != nil {
		d.logger.Debug().Str("execution_id", delivery.Subject).Str("outcome", string(outcome)).Err(err).Msg("run returned")
	}
}
