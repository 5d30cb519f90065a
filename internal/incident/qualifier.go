// Package incident implements incident detection and recording: a Qualifier
// that watches the event stream for anything at or above a severity
// threshold, and a Reporter that durably captures the events surrounding
// each detection as a self-contained artifact on disk.
package incident

import (
	"sync"

	"github.com/setevik/flightlog/internal/event"
)

// DefaultThreshold is the severity at or above which events qualify as
// incident triggers.
const DefaultThreshold = event.Weird

// Handler receives incident declarations from a Qualifier.
type Handler interface {
	DeclareIncident(trigger event.Event)
}

// Qualifier is the triage filter: it watches every event the logger
// delivers and declares an incident for each one that crosses the
// threshold. It keeps no state between events, so repeated serious events
// each declare their own incident.
type Qualifier struct {
	threshold event.Level

	mu      sync.Mutex
	handler Handler
}

// NewQualifier creates a Qualifier with the given severity threshold.
func NewQualifier(threshold event.Level) *Qualifier {
	return &Qualifier{threshold: threshold}
}

// SetHandler installs the declaration handler, replacing any previous one.
// A nil handler drops declarations.
func (q *Qualifier) SetHandler(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

// CheckEvent reports whether ev is serious enough to trigger an incident.
func (q *Qualifier) CheckEvent(ev event.Event) bool {
	return ev.Level >= q.threshold
}

// Event examines one delivered event and declares an incident if it
// qualifies. Delivery is asynchronous, so a declaration lands slightly
// after the triggering event was logged; the trigger is still in the
// logger's history buffer by then, which is how it reaches the artifact.
func (q *Qualifier) Event(ev event.Event) {
	if !q.CheckEvent(ev) {
		return
	}
	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()
	if h != nil {
		h.DeclareIncident(ev)
	}
}
