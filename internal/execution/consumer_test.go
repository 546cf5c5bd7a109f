package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-executor/internal/models"
	"options-executor/internal/queue"
)

type recordingExecutor struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingExecutor) Execute(ctx context.Context, msg models.ExecutionMessage) (*Summary, error) {
	r.mu.Lock()
	r.seen = append(r.seen, msg.ID)
	r.mu.Unlock()
	if msg.StrategyID == "boom" {
		panic("strategy exploded")
	}
	return &Summary{StrategyID: msg.StrategyID}, nil
}

func TestConsumerDrainsClosedQueue(t *testing.T) {
	q := queue.New(queue.Config{}, queue.NewMemoryDeduper(), zerolog.Nop())
	ctx := context.Background()
	for _, m := range []models.ExecutionMessage{
		{ID: "a", UserID: "u1", StrategyID: "s1", ExecutionType: models.ExecutionEntry},
		{ID: "b", UserID: "u1", StrategyID: "boom", ExecutionType: models.ExecutionEntry},
		{ID: "c", UserID: "u2", StrategyID: "s2", ExecutionType: models.ExecutionExit, Priority: models.PriorityCritical},
	} {
		if _, err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue(%s): %v", m.ID, err)
		}
	}
	q.Close()

	ex := &recordingExecutor{}
	done := make(chan error, 1)
	go func() { done <- NewConsumer(q, ex, 2, zerolog.Nop()).Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after the queue drained")
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.seen) != 3 {
		t.Errorf("executed %v, want all three messages", ex.seen)
	}
}

func TestConsumerStopsOnCancel(t *testing.T) {
	q := queue.New(queue.Config{}, queue.NewMemoryDeduper(), zerolog.Nop())
	t.Cleanup(q.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer(q, &recordingExecutor{}, 1, zerolog.Nop()).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer ignored cancellation")
	}
}

func TestConsumerExecutesAgainstBridge(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	q := queue.New(queue.Config{}, queue.NewMemoryDeduper(), zerolog.Nop())
	if _, err := q.Enqueue(context.Background(), models.ExecutionMessage{
		UserID: "u1", StrategyID: "s1", ExecutionType: models.ExecutionEntry,
		Tag: models.TagScheduled, DedupKey: "s1#ENTRY#2024-10-14",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Close()

	if err := NewConsumer(q, f.bridge, 1, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if orders := f.orders(t); len(orders) != 2 {
		t.Errorf("orders = %d, want 2", len(orders))
	}
	if run := f.run(t); run.Status != models.RunEntered {
		t.Errorf("run = %s, want ENTERED", run.Status)
	}
}
