// Package loggedstorage wraps a storage.Storage so that every artifact byte
// fetched is reported to metrics without blocking the caller on the
// OpenTelemetry pipeline.
package loggedstorage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-h/pypiresolve/metrics"
)

func newEvent(filename string, n int64) event {
	return event{
		Filename: filename,
		Bytes:    n,
	}
}

type event struct {
	Filename string
	Bytes    int64
}

func newBufferedEventLog(ctx context.Context, log *slog.Logger, m metrics.Metrics, bufferSize int) (c chan event, shutdown func(timeout time.Duration) error) {
	c = make(chan event, bufferSize)
	shutdownComplete := make(chan struct{}, 1)

	go func() {
		defer func() {
			shutdownComplete <- struct{}{}
		}()
		for event := range c {
			log.Debug("recording artifact fetch", slog.Any("event", event))
			m.IncrementArtifactBytes(ctx, event.Bytes)
		}
	}()

	shutdown = func(timeout time.Duration) error {
		close(c)
		select {
		case <-time.Tick(timeout):
			return fmt.Errorf("timed out waiting for events to complete")
		case <-shutdownComplete:
			return nil
		}
	}

	return c, shutdown
}
