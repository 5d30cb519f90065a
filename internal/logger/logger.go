// Package logger implements the event log at the center of flightlog. It
// assigns sequence numbers at ingestion, keeps bounded per-severity history
// buffers, fans events out to observers on a serialized delivery task, and
// runs the incident triage filter over everything it delivers.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/setevik/flightlog/internal/dispatch"
	"github.com/setevik/flightlog/internal/event"
	"github.com/setevik/flightlog/internal/incident"
)

// DefaultBufferSize is the per-severity history bound.
const DefaultBufferSize = 100

// Logger accepts events, remembers a bounded window of them per severity
// level, and delivers each one to the triage filter and to all registered
// observers. Delivery runs on a single queue goroutine; that serialization
// is what lets an incident declaration subscribe and snapshot history
// without an event slipping between the two.
type Logger struct {
	source    string
	threshold event.Level
	triage    *incident.Qualifier

	reporterOpts []incident.Option

	deliver *dispatch.Queue
	active  sync.WaitGroup

	mu          sync.Mutex
	seq         int64
	bufSize     int
	buffers     map[event.Level]*ring
	observers   map[int64]*observerTask
	nextObs     int64
	incidentDir string
	declared    int
	onRecorded  []func(string)
}

// Option configures a Logger.
type Option func(*Logger)

// WithSource sets the identity stamped into incident wrapper records.
// Defaults to the hostname.
func WithSource(id string) Option {
	return func(l *Logger) { l.source = id }
}

// WithBufferSize sets the per-severity history bound.
func WithBufferSize(n int) Option {
	return func(l *Logger) { l.bufSize = n }
}

// WithThreshold sets the severity at or above which events declare
// incidents.
func WithThreshold(level event.Level) Option {
	return func(l *Logger) { l.threshold = level }
}

// WithReporterOptions forwards options to every incident reporter the
// logger creates.
func WithReporterOptions(opts ...incident.Option) Option {
	return func(l *Logger) { l.reporterOpts = opts }
}

// New creates a Logger. Incident recording stays off until
// SetIncidentDir is called.
func New(opts ...Option) *Logger {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	l := &Logger{
		source:    hostname,
		threshold: incident.DefaultThreshold,
		bufSize:   DefaultBufferSize,
		buffers:   make(map[event.Level]*ring),
		observers: make(map[int64]*observerTask),
		deliver:   dispatch.NewQueue(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.triage = incident.NewQualifier(l.threshold)
	return l
}

// Publish accepts an event, assigns the next sequence number, and queues
// it for delivery. It returns the assigned number. Publishing never
// blocks on observers.
func (l *Logger) Publish(ev event.Event) int64 {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	l.mu.Lock()
	l.seq++
	ev.Num = l.seq
	l.mu.Unlock()

	l.deliver.Push(func() { l.dispatch(ev) })
	return ev.Num
}

// dispatch runs on the delivery goroutine. The observer set is captured
// before triage runs, so a triggering event reaches its own freshly
// subscribed reporter through history replay, never as a trailing
// duplicate.
func (l *Logger) dispatch(ev event.Event) {
	l.mu.Lock()
	r := l.buffers[ev.Level]
	if r == nil {
		r = newRing(l.bufSize)
		l.buffers[ev.Level] = r
	}
	r.add(ev)

	obs := make([]*observerTask, 0, len(l.observers))
	for _, o := range l.observers {
		obs = append(obs, o)
	}
	l.mu.Unlock()

	l.triage.Event(ev)

	for _, o := range obs {
		o.push(ev)
	}
}

// BufferedEvents returns a copy of everything in the history buffers, in
// no particular order across severity levels. Callers that need sequence
// order sort by Num.
func (l *Logger) BufferedEvents() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, r := range l.buffers {
		out = r.snapshot(out)
	}
	return out
}

// SetBufferSize adjusts one severity level's history bound, keeping the
// newest buffered events up to the new size.
func (l *Logger) SetBufferSize(level event.Level, n int) {
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.buffers[level]
	if r == nil {
		l.buffers[level] = newRing(n)
		return
	}
	l.buffers[level] = r.resized(n)
}

// AddObserver registers fn for delivery of every event from here on.
// Each observer gets its own task, so a slow one cannot stall the rest.
func (l *Logger) AddObserver(fn func(event.Event)) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextObs++
	l.observers[l.nextObs] = &observerTask{q: dispatch.NewQueue(), fn: fn}
	return l.nextObs
}

// RemoveObserver unregisters an observer. Deliveries already queued for
// it still drain.
func (l *Logger) RemoveObserver(id int64) {
	l.mu.Lock()
	o := l.observers[id]
	delete(l.observers, id)
	l.mu.Unlock()
	if o != nil {
		o.q.Close()
	}
}

// SetIncidentDir creates dir if needed and activates incident recording:
// from here on, every published event at or above the threshold opens a
// capture under dir.
func (l *Logger) SetIncidentDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating incident directory: %w", err)
	}
	l.mu.Lock()
	l.incidentDir = dir
	l.mu.Unlock()
	l.triage.SetHandler(l)
	return nil
}

// DeclareIncident opens a new capture for a triggering event. The triage
// filter calls it on the delivery goroutine; every qualifying event gets
// its own reporter.
func (l *Logger) DeclareIncident(trigger event.Event) {
	l.mu.Lock()
	dir := l.incidentDir
	l.declared++
	opts := l.reporterOpts
	l.mu.Unlock()

	if dir == "" {
		return
	}

	r := incident.NewReporter(dir, l, l.source, opts...)
	if err := r.IncidentDeclared(trigger); err != nil {
		slog.Error("incident capture failed",
			"error", err, "trigger_num", trigger.Num)
		return
	}

	l.active.Add(1)
	go func() {
		<-r.Done()
		l.active.Done()
	}()
}

// Flush blocks until every event published before the call has been
// dispatched. Observer and completion deliveries may still be in flight
// when it returns.
func (l *Logger) Flush() {
	fence := make(chan struct{})
	if !l.deliver.Push(func() { close(fence) }) {
		return
	}
	<-fence
}

// WaitIncidents blocks until every in-flight capture has finalized, or
// the timeout elapses. It reports whether everything drained. Call Flush
// first so captures declared by already-published events are counted.
func (l *Logger) WaitIncidents(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// IncidentsDeclared returns how many incidents have been declared.
func (l *Logger) IncidentsDeclared() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.declared
}

// IncidentRecorded is the completion announcement from a reporter. It
// fans out asynchronously to completion subscribers.
func (l *Logger) IncidentRecorded(path string) {
	slog.Info("incident artifact recorded", "path", path)

	l.mu.Lock()
	subs := append(([]func(string))(nil), l.onRecorded...)
	l.mu.Unlock()

	l.deliver.Push(func() {
		for _, fn := range subs {
			fn(path)
		}
	})
}

// OnIncidentRecorded registers fn to receive each finished artifact's
// path.
func (l *Logger) OnIncidentRecorded(fn func(path string)) {
	l.mu.Lock()
	l.onRecorded = append(l.onRecorded, fn)
	l.mu.Unlock()
}

// Close drains and stops delivery, then the observer tasks. Events
// published after Close are dropped. Captures still inside their trailing
// window are not waited for; a working copy they leave behind shows up in
// the orphan scan on the next start.
func (l *Logger) Close() {
	l.deliver.Close()
	<-l.deliver.Done()

	l.mu.Lock()
	obs := make([]*observerTask, 0, len(l.observers))
	for id, o := range l.observers {
		obs = append(obs, o)
		delete(l.observers, id)
	}
	l.mu.Unlock()

	for _, o := range obs {
		o.q.Close()
		<-o.q.Done()
	}
}

// observerTask delivers events to one observer in arrival order.
type observerTask struct {
	q  *dispatch.Queue
	fn func(event.Event)
}

func (o *observerTask) push(ev event.Event) {
	o.q.Push(func() { o.fn(ev) })
}

// ring is a bounded event buffer; once full, the oldest entry is
// overwritten.
type ring struct {
	buf   []event.Event
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]event.Event, size)}
}

func (r *ring) add(ev event.Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot(dst []event.Event) []event.Event {
	for i := 0; i < r.n; i++ {
		dst = append(dst, r.buf[(r.start+i)%len(r.buf)])
	}
	return dst
}

func (r *ring) resized(size int) *ring {
	nr := newRing(size)
	events := r.snapshot(nil)
	if len(events) > size {
		events = events[len(events)-size:]
	}
	for _, ev := range events {
		nr.add(ev)
	}
	return nr
}
