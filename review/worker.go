/*
Package review persists webhooks that could not be applied so a human
can look at them.

The reconciler must acknowledge processor deliveries quickly, so
recording a review event never blocks the webhook path: events go into
a buffered channel and a background worker drains them into the store.
If the buffer fills, the event is logged and dropped - the ledger is
untouched either way, and the processor's redelivery gives us another
chance to record it.
*/
package review

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meridian/credit-engine/credit"
)

// DefaultBuffer is the channel capacity between the webhook path and
// the store writer.
const DefaultBuffer = 256

// Worker drains review events into the store asynchronously.
type Worker struct {
	events chan credit.ReviewEvent
	store  credit.Store
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorker(store credit.Store, bufferSize int) *Worker {
	if bufferSize <= 0 {
		bufferSize = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		events: make(chan credit.ReviewEvent, bufferSize),
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the drain loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.ctx.Done():
				slog.Info("draining review events before shutdown", "remaining", len(w.events))
				for len(w.events) > 0 {
					ev := <-w.events
					if err := w.store.RecordReviewEvent(context.Background(), ev); err != nil {
						slog.Error("failed to record review event during shutdown",
							"error", err, "processor_ref", ev.ProcessorRef)
					}
				}
				return
			case ev := <-w.events:
				// Background context: a store write already in flight
				// should finish even if shutdown starts underneath it.
				if err := w.store.RecordReviewEvent(context.Background(), ev); err != nil {
					slog.Error("failed to record review event",
						"error", err, "processor_ref", ev.ProcessorRef, "reason", ev.Reason)
				}
			}
		}
	}()
}

// Record enqueues an event without blocking. Implements
// payment.ReviewSink.
func (w *Worker) Record(ev credit.ReviewEvent) {
	select {
	case w.events <- ev:
	default:
		slog.Warn("review queue full, dropping event",
			"processor_ref", ev.ProcessorRef, "reason", ev.Reason)
	}
}

// Shutdown stops the loop after draining whatever is buffered.
func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}
