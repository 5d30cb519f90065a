package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/setevik/flightlog/internal/event"
)

// SupervisedSource wraps a Source factory with automatic restart, so a
// stream that ends (a writer closing the pipe, a transient open failure)
// gets reopened instead of silencing the daemon.
type SupervisedSource struct {
	factory     func() Source
	restartWait time.Duration
	maxRestarts int
}

// NewSupervisedSource creates a supervised wrapper around a source
// factory. On stream end or failure it waits restartWait before creating
// a new source. maxRestarts of 0 means unlimited restarts.
func NewSupervisedSource(factory func() Source, restartWait time.Duration, maxRestarts int) *SupervisedSource {
	return &SupervisedSource{
		factory:     factory,
		restartWait: restartWait,
		maxRestarts: maxRestarts,
	}
}

// Events starts the supervised loop. It returns a channel that receives
// events across restarts. The channel is closed when the context is
// cancelled or max restarts are exceeded.
func (s *SupervisedSource) Events(ctx context.Context) (<-chan event.Event, error) {
	out := make(chan event.Event, 64)

	go func() {
		defer close(out)

		restarts := 0
		for {
			if s.maxRestarts > 0 && restarts >= s.maxRestarts {
				slog.Error("event source exceeded max restarts", "max", s.maxRestarts)
				return
			}

			src := s.factory()
			events, err := src.Events(ctx)
			if err != nil {
				slog.Error("failed to start event source", "error", err, "restart_count", restarts)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.restartWait):
					restarts++
					continue
				}
			}

			slog.Info("event source started", "restart_count", restarts)

			// Forward events until the source channel closes.
			sourceDone := false
			for !sourceDone {
				select {
				case ev, ok := <-events:
					if !ok {
						sourceDone = true
						break
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						src.Stop()
						return
					}
				case <-ctx.Done():
					src.Stop()
					return
				}
			}

			slog.Warn("event source stopped, restarting", "restart_count", restarts)
			src.Stop()
			restarts++

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.restartWait):
			}
		}
	}()

	return out, nil
}

func (s *SupervisedSource) Stop() {
	// Stopping is handled via context cancellation.
}
