package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TimerWorker periodically fires due timer tasks, resuming the branches
// waiting on them. Like the JoinTimeoutWorker, scans are single-flight.
type TimerWorker struct {
	rt        *Runtime
	interval  time.Duration
	batchSize int

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewTimerWorker creates a worker scanning every interval, firing at most
// batchSize due timers per scan. Non-positive arguments fall back to 1s
// and 100.
func NewTimerWorker(rt *Runtime, interval time.Duration, batchSize int) *TimerWorker {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TimerWorker{
		rt:        rt,
		interval:  interval,
		batchSize: batchSize,
		stop:      make(chan struct{}),
	}
}

// Start launches the scan loop.
func (w *TimerWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.ScanOnce(ctx) //nolint:errcheck // scan errors surface per task
			}
		}
	}()
}

// Stop terminates the scan loop and waits for an in-flight scan.
func (w *TimerWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// ScanOnce fires one batch of due timers and reports how many fired.
func (w *TimerWorker) ScanOnce(ctx context.Context) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer w.running.Store(false)

	due, err := w.rt.store.ListDueTasks(ctx, TaskKindTimer, w.rt.now(), w.batchSize)
	if err != nil {
		return 0, err
	}
	fired := 0
	var firstErr error
	for _, task := range due {
		if err := w.rt.CompleteTask(ctx, task.ID, "", "timer"); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fired++
	}
	return fired, firstErr
}
