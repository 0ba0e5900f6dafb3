package cachestats

import (
	"context"
	"log/slog"
	"sync"

	"github.com/a-h/kv"
	"github.com/a-h/pypiresolve/metrics"
)

// LookupEvent is a single cache lookup outcome, sent on NewBufferedCounter's
// channel so that recording never blocks a resolve in progress.
type LookupEvent struct {
	Kind    string
	Outcome string
}

// NewBufferedCounter starts a goroutine that drains lookup events onto the
// persistent counter and into OpenTelemetry, so callers on the resolver's hot
// path never block on a kv.Store write.
func NewBufferedCounter(ctx context.Context, log *slog.Logger, store kv.Store, m metrics.Metrics, bufferSize int) (events chan LookupEvent, shutdown func()) {
	events = make(chan LookupEvent, bufferSize)

	var wg sync.WaitGroup
	wg.Go(func() {
		c := New(store)
		for event := range events {
			log.Debug("recording cache lookup", "kind", event.Kind, "outcome", event.Outcome)
			m.IncrementCacheLookup(ctx, event.Kind, event.Outcome)
			if err := c.Increment(ctx, event.Kind, event.Outcome); err != nil {
				log.Error("failed to record cache lookup", slog.String("kind", event.Kind), slog.String("outcome", event.Outcome), slog.Any("error", err))
			}
		}
	})

	shutdown = func() {
		close(events)
		wg.Wait()
	}

	return events, shutdown
}

// AsyncCounter adapts a LookupEvent channel to the same Increment signature
// *Counter exposes, so a Cache can record hits/misses without blocking on the
// kv.Store write NewBufferedCounter's goroutine performs instead.
type AsyncCounter struct {
	events chan<- LookupEvent
}

// NewAsyncCounter wraps the channel side of NewBufferedCounter.
func NewAsyncCounter(events chan<- LookupEvent) *AsyncCounter {
	return &AsyncCounter{events: events}
}

// Increment enqueues the lookup outcome for the draining goroutine to
// persist. A full buffer drops the event rather than blocking the resolve
// in progress; stats accounting is best-effort.
func (a *AsyncCounter) Increment(ctx context.Context, kind, outcome string) error {
	select {
	case a.events <- LookupEvent{Kind: kind, Outcome: outcome}:
	default:
	}
	return nil
}
