// Package queue implements the per-user execution queue: priorities,
// delayed delivery and at-most-once enqueue by deduplication key.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-executor/internal/metrics"
	"options-executor/internal/models"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Config configures a Queue.
type Config struct {
	DedupTTL time.Duration
}

// Queue is an in-process priority queue of execution messages.
type Queue struct {
	mu      sync.Mutex
	ready   [models.PriorityCritical + 1][]models.ExecutionMessage
	delayed map[*time.Timer]struct{}
	closed  bool

	signal chan struct{}
	done   chan struct{}

	dedup  Deduper
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a queue. A nil deduper disables deduplication.
func New(cfg Config, dedup Deduper, logger zerolog.Logger) *Queue {
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Queue{
		delayed: make(map[*time.Timer]struct{}),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		dedup:   dedup,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue adds msg and reports whether it was accepted. A message whose
// DedupKey was already claimed within the TTL is dropped. Messages with a
// future ExecutionTime are delivered at that time.
func (q *Queue) Enqueue(ctx context.Context, msg models.ExecutionMessage) (bool, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return false, ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.DedupKey != "" && q.dedup != nil {
		fresh, err := q.dedup.Claim(ctx, msg.DedupKey, q.ttl)
		if err != nil {
			// Fail open: a dedup store outage must not stop trading.
			q.logger.Warn().Err(err).Str("dedup_key", msg.DedupKey).Msg("Dedup check failed, enqueuing anyway")
		} else if !fresh {
			metrics.QueueDeduplicated.Inc()
			q.logger.Debug().Str("dedup_key", msg.DedupKey).Msg("Duplicate execution dropped")
			return false, nil
		}
	}

	metrics.QueueEnqueued.WithLabelValues(msg.Priority.String()).Inc()
	metrics.QueueDepth.Inc()

	if delay := msg.ExecutionTime.Sub(q.now()); delay > 0 {
		q.schedule(msg, delay)
		return true, nil
	}
	q.push(msg)
	return true, nil
}

func (q *Queue) schedule(msg models.ExecutionMessage, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.delayed, timer)
		q.mu.Unlock()
		q.push(msg)
	})
	q.delayed[timer] = struct{}{}
}

func (q *Queue) push(msg models.ExecutionMessage) {
	p := msg.Priority
	if p < models.PriorityNormal || p > models.PriorityCritical {
		p = models.PriorityNormal
	}

	q.mu.Lock()
	q.ready[p] = append(q.ready[p], msg)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a message is ready, ctx is done, or the queue is
// closed and empty. Higher priorities are served first, FIFO within one.
func (q *Queue) Dequeue(ctx context.Context) (models.ExecutionMessage, error) {
	for {
		if msg, ok, remaining := q.pop(); ok {
			if remaining {
				q.wake()
			}
			metrics.QueueDepth.Dec()
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return models.ExecutionMessage{}, ctx.Err()
		case <-q.done:
			if msg, ok, _ := q.pop(); ok {
				metrics.QueueDepth.Dec()
				return msg, nil
			}
			return models.ExecutionMessage{}, ErrClosed
		case <-q.signal:
		}
	}
}

func (q *Queue) pop() (models.ExecutionMessage, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := models.PriorityCritical; p >= models.PriorityNormal; p-- {
		if len(q.ready[p]) == 0 {
			continue
		}
		msg := q.ready[p][0]
		q.ready[p] = q.ready[p][1:]
		return msg, true, q.readyLen() > 0
	}
	return models.ExecutionMessage{}, false, false
}

func (q *Queue) readyLen() int {
	n := 0
	for _, msgs := range q.ready {
		n += len(msgs)
	}
	return n
}

// Len returns the number of ready and delayed messages.
func (q *Queue) Len() (ready, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyLen(), len(q.delayed)
}

// Close stops accepting messages and drops pending delayed deliveries.
// Consumers drain the ready messages and then receive ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.delayed {
		if t.Stop() {
			metrics.QueueDepth.Dec()
		}
	}
	q.delayed = make(map[*time.Timer]struct{})
	close(q.done)
}
