package source

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/setevik/flightlog/internal/event"
)

// ReaderSource parses NDJSON events from an io.Reader, typically standard
// input. The channel closes when the reader reaches end of stream.
type ReaderSource struct {
	r      io.Reader
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewReaderSource creates a ReaderSource over r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

func (s *ReaderSource) Events(ctx context.Context) (<-chan event.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ch := make(chan event.Event, 64)

	go func() {
		defer close(ch)
		if err := forward(ctx, s.r, ch); err != nil && ctx.Err() == nil {
			slog.Warn("event stream error", "error", err)
		}
	}()

	return ch, nil
}

func (s *ReaderSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
