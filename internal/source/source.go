// Package source reads events from NDJSON streams: standard input or a
// named pipe.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/setevik/flightlog/internal/event"
)

// Source is the interface for receiving events. Implementations include
// the stdin reader, the named-pipe tail, and test fakes.
type Source interface {
	// Events returns a channel of parsed events. The channel is closed
	// when the stream ends, the source is stopped, or the context is
	// cancelled.
	Events(ctx context.Context) (<-chan event.Event, error)

	// Stop signals the source to shut down.
	Stop()
}

// parseLine decodes one NDJSON event. A missing severity defaults to
// operational and a missing time is stamped on arrival; any sequence
// number the producer sent is discarded, since numbering happens at
// ingestion.
func parseLine(data []byte) (event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event.Event{}, err
	}
	if ev.Level == 0 {
		ev.Level = event.Operational
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Num = 0
	return ev, nil
}

// forward scans NDJSON lines from r, sending parsed events to ch until
// the stream ends or ctx is cancelled. Unparseable lines are skipped.
func forward(ctx context.Context, r io.Reader, ch chan<- event.Event) error {
	scanner := bufio.NewScanner(r)
	// Event lines can be large; increase buffer to 1MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := parseLine(line)
		if err != nil {
			slog.Debug("skipping unparseable event line", "error", err)
			continue
		}

		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
