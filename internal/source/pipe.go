package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/setevik/flightlog/internal/event"
)

// PipeSource reads events from a named pipe. One call to Events covers
// one writer generation: when the last writer disconnects the stream hits
// EOF and the channel closes. Wrap it in a SupervisedSource to keep
// tailing across producer restarts.
type PipeSource struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	cancel context.CancelFunc
}

// NewPipeSource creates a PipeSource for the FIFO at path.
func NewPipeSource(path string) *PipeSource {
	return &PipeSource{path: path}
}

func (p *PipeSource) Events(ctx context.Context) (<-chan event.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	// Opening a FIFO read-only blocks until a writer appears.
	f, err := os.OpenFile(p.path, os.O_RDONLY, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening event pipe: %w", err)
	}

	p.mu.Lock()
	p.file = f
	p.mu.Unlock()

	ch := make(chan event.Event, 64)

	go func() {
		defer close(ch)
		defer f.Close()

		if err := forward(ctx, f, ch); err != nil && ctx.Err() == nil {
			slog.Warn("event pipe error", "error", err, "path", p.path)
		}
	}()

	slog.Info("event pipe opened", "path", p.path)
	return ch, nil
}

func (p *PipeSource) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	// Closing the file unblocks a read in progress.
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
}
