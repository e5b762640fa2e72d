package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher delivers one outbox message to an external system. Delivery is
// at-least-once: a message whose publish fails stays pending and is
// retried on a later drain.
type Publisher interface {
	Publish(ctx context.Context, msg OutboxMessage) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, msg OutboxMessage) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, msg OutboxMessage) error {
	return f(ctx, msg)
}

// OutboxRelay drains pending outbox rows to a Publisher. Rows are written
// transactionally with the state change that produced them; the relay
// moves them out-of-band so external delivery never blocks or fails a
// workflow cycle.
type OutboxRelay struct {
	rt        *Runtime
	publisher Publisher
	interval  time.Duration
	batchSize int

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewOutboxRelay creates a relay draining every interval, publishing at
// most batchSize rows per drain. Non-positive arguments fall back to 2s
// and 100.
func NewOutboxRelay(rt *Runtime, publisher Publisher, interval time.Duration, batchSize int) *OutboxRelay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		rt:        rt,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		stop:      make(chan struct{}),
	}
}

// Start launches the drain loop.
func (r *OutboxRelay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.DrainOnce(ctx) //nolint:errcheck // publish errors leave rows pending
			}
		}
	}()
}

// Stop terminates the drain loop and waits for an in-flight drain.
func (r *OutboxRelay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// DrainOnce publishes one batch of pending rows and marks the successful
// ones dispatched. It reports how many were dispatched.
func (r *OutboxRelay) DrainOnce(ctx context.Context) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.running.Store(false)

	pending, err := r.rt.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	var dispatched []string
	var firstErr error
	for _, msg := range pending {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dispatched = append(dispatched, msg.ID)
	}
	if len(dispatched) > 0 {
		if err := r.rt.store.MarkOutboxDispatched(ctx, dispatched, r.rt.now()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(dispatched), firstErr
}
