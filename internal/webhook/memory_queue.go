package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue keeps delayed retries in process. Pending retries are lost on restart; the
// sweeper's ledger re-drive covers that gap.
type MemoryQueue struct {
	ready   chan string
	workers int
	logger  *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewMemoryQueue(workers, capacity int, logger *slog.Logger) *MemoryQueue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryQueue{
		ready:   make(chan string, capacity),
		workers: workers,
		logger:  logger,
		timers:  make(map[string]*time.Timer),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, providerEventID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.timers[providerEventID]; ok {
		t.Stop()
	}
	q.timers[providerEventID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, providerEventID)
		q.mu.Unlock()

		select {
		case q.ready <- providerEventID:
		default:
			q.logger.Warn("orphan retry queue full, dropping to re-drive", "provider_event_id", providerEventID)
		}
	})
	return nil
}

// Len reports retries that are scheduled or waiting for a worker.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers) + len(q.ready)
}

func (q *MemoryQueue) Run(ctx context.Context, handle func(ctx context.Context, providerEventID string)) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case eventID := <-q.ready:
					q.logger.Debug("retrying orphan event", "worker_id", id, "provider_event_id", eventID)
					handle(ctx, eventID)
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}

	<-ctx.Done()
	q.stopTimers()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) stopTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}
