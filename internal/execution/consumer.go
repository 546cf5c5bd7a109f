package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"options-executor/internal/models"
	"options-executor/internal/queue"
)

// Dequeuer yields queued executions.
type Dequeuer interface {
	Dequeue(ctx context.Context) (models.ExecutionMessage, error)
}

// Executor runs one execution message.
type Executor interface {
	Execute(ctx context.Context, msg models.ExecutionMessage) (*Summary, error)
}

// Consumer drains the execution queue with a fixed number of workers.
type Consumer struct {
	queue    Dequeuer
	executor Executor
	workers  int
	logger   zerolog.Logger
}

// NewConsumer creates a queue consumer.
func NewConsumer(q Dequeuer, ex Executor, workers int, logger zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		queue:    q,
		executor: ex,
		workers:  workers,
		logger:   logger.With().Str("component", "consumer").Logger(),
	}
}

// Run blocks until ctx is done or the queue is closed and drained.
func (c *Consumer) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	for i := 0; i < c.workers; i++ {
		worker := i
		wg.Go(func() { c.work(ctx, worker) })
	}
	wg.Wait()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Consumer) work(ctx context.Context, worker int) {
	logger := c.logger.With().Int("worker", worker).Logger()
	for {
		msg, err := c.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Dequeue failed")
			continue
		}
		c.handle(ctx, logger, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, logger zerolog.Logger, msg models.ExecutionMessage) {
	var catcher panics.Catcher
	var err error
	catcher.Try(func() {
		_, err = c.executor.Execute(ctx, msg)
	})
	if r := catcher.Recovered(); r != nil {
		err = fmt.Errorf("panic: %v", r.Value)
	}
	if err != nil {
		logger.Error().Err(err).
			Str("message_id", msg.ID).
			Str("user_id", msg.UserID).
			Str("strategy_id", msg.StrategyID).
			Str("execution_type", string(msg.ExecutionType)).
			Str("tag", string(msg.Tag)).
			Msg("Execution failed")
	}
}
