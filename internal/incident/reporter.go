package incident

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/setevik/flightlog/internal/dispatch"
	"github.com/setevik/flightlog/internal/event"
	"github.com/setevik/flightlog/internal/flog"
)

// Defaults for the trailing capture window.
const (
	DefaultTrailingDelay = 5 * time.Second
	DefaultTrailingLimit = 100
)

// Artifact names embed the local declaration time, strftime-style.
const nameTimeLayout = "2006-01-02-150405"

// EventLog is the slice of the logger a Reporter needs: history for
// replay, observer registration for the trailing window, and the
// completion announcement.
type EventLog interface {
	// BufferedEvents returns a snapshot of the history buffers, in no
	// particular order.
	BufferedEvents() []event.Event

	// AddObserver registers fn for future event deliveries and returns
	// a registration id for RemoveObserver.
	AddObserver(fn func(event.Event)) int64

	// RemoveObserver unregisters an observer. Deliveries already in
	// flight may still arrive.
	RemoveObserver(id int64)

	// IncidentRecorded announces a finished artifact.
	IncidentRecorded(path string)
}

// Recording lifecycle. Transitions only move forward; every callback
// checks the state first, which is what makes late timer fires and
// in-flight deliveries after the window closes harmless.
type recState int

const (
	stateCreated recState = iota
	stateRecording
	stateDraining
	stateFinalizing
	stateClosed
)

// Reporter captures a single incident. It writes every record to two
// sinks: a plain working copy that is flushed as soon as the history
// replay lands, so the capture survives a crash, and a bzip2-compressed
// final artifact that only becomes readable when it is closed. The
// working copy is deleted only after the compressed artifact closes
// cleanly.
//
// After IncidentDeclared returns, all state transitions run on the
// reporter's own dispatch queue: trailing deliveries, the trailing-delay
// timer, and finalization are serialized there in FIFO order.
type Reporter struct {
	basedir string
	log     EventLog
	from    string

	delay time.Duration
	limit int
	sched dispatch.Scheduler

	// Compressor construction is swappable for failure-injection tests.
	newCompressor func(io.Writer) (io.WriteCloser, error)

	q    *dispatch.Queue
	done chan struct{}

	state       recState
	remaining   int
	obsID       int64
	subscribed  bool
	timer       dispatch.Timer
	wroteHeader bool

	workingPath string
	workingFile *os.File
	workingEnc  *flog.Writer

	finalPath  string
	finalFile  *os.File
	compressor io.WriteCloser
	finalEnc   *flog.Writer
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithTrailingDelay sets how long after declaration the capture window
// stays open.
func WithTrailingDelay(d time.Duration) Option {
	return func(r *Reporter) { r.delay = d }
}

// WithTrailingLimit caps how many trailing events are captured before the
// window closes early.
func WithTrailingLimit(n int) Option {
	return func(r *Reporter) { r.limit = n }
}

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s dispatch.Scheduler) Option {
	return func(r *Reporter) { r.sched = s }
}

// NewReporter creates a Reporter that will write its artifact under
// basedir. from is the source identity stamped into every wrapper record.
func NewReporter(basedir string, log EventLog, from string, opts ...Option) *Reporter {
	r := &Reporter{
		basedir:       basedir,
		log:           log,
		from:          from,
		delay:         DefaultTrailingDelay,
		limit:         DefaultTrailingLimit,
		sched:         dispatch.System(),
		newCompressor: flog.NewCompressor,
		q:             dispatch.NewQueue(),
		done:          make(chan struct{}),
		state:         stateCreated,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Done returns a channel closed once the incident is fully finalized and
// its completion has been announced.
func (r *Reporter) Done() <-chan struct{} {
	return r.done
}

// IncidentDeclared starts the capture: it opens both sinks, writes the
// header, subscribes to live events, replays the buffered history sorted
// by sequence number, flushes the working copy, and arms the trailing
// window. Call it exactly once, from the logger's delivery goroutine.
func (r *Reporter) IncidentDeclared(trigger event.Event) error {
	if r.state != stateCreated {
		return errors.New("incident already declared")
	}
	r.state = stateRecording
	r.remaining = r.limit

	if err := r.beginRecording(trigger); err != nil {
		r.abortRecording()
		return err
	}
	return nil
}

func (r *Reporter) beginRecording(trigger event.Event) error {
	name := fmt.Sprintf("incident-%s-%s.flog",
		time.Now().Format(nameTimeLayout), randomToken())
	r.workingPath = filepath.Join(r.basedir, name)
	r.finalPath = r.workingPath + ".bz2"

	wf, err := os.OpenFile(r.workingPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating working copy: %w", err)
	}
	r.workingFile = wf
	r.workingEnc = flog.NewWriter(wf)

	ff, err := os.OpenFile(r.finalPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating compressed sink: %w", err)
	}
	r.finalFile = ff
	zw, err := r.newCompressor(ff)
	if err != nil {
		return err
	}
	r.compressor = zw
	r.finalEnc = flog.NewWriter(zw)

	if err := r.writeBoth(flog.NewHeader(trigger)); err != nil {
		return err
	}
	r.wroteHeader = true

	// Subscribe before snapshotting history: an event must never fall
	// between the replay and the trailing window.
	r.obsID = r.log.AddObserver(r.observe)
	r.subscribed = true

	history := r.log.BufferedEvents()
	sort.Slice(history, func(i, j int) bool { return history[i].Num < history[j].Num })
	rx := time.Now()
	for _, ev := range history {
		if err := r.writeBoth(flog.Wrap(r.from, rx, ev)); err != nil {
			return err
		}
	}

	// The compressed sink cannot flush; the working copy is the one that
	// has to survive a crash from here on.
	if err := r.workingFile.Sync(); err != nil {
		return fmt.Errorf("syncing working copy: %w", err)
	}

	r.timer = r.sched.AfterFunc(r.delay, func() {
		r.q.Push(r.stopRecording)
	})

	slog.Info("incident declared",
		"trigger_num", trigger.Num,
		"trigger_level", trigger.Level,
		"artifact", r.workingPath,
		"history_events", len(history),
	)
	return nil
}

// observe is the logger observer callback. It defers onto the reporter's
// queue so trailing writes never race finalization.
func (r *Reporter) observe(ev event.Event) {
	r.q.Push(func() { r.trailingEvent(ev) })
}

func (r *Reporter) trailingEvent(ev event.Event) {
	if r.state != stateRecording {
		// Deliveries that were in flight when the window closed.
		return
	}
	r.remaining--
	if r.remaining >= 0 {
		if err := r.writeBoth(flog.Wrap(r.from, time.Now(), ev)); err != nil {
			slog.Error("trailing event write failed",
				"error", err, "artifact", r.workingPath)
			r.stopRecording()
		}
		return
	}
	// Count exhausted ahead of the timer.
	r.stopRecording()
}

// stopRecording closes the capture window. Idempotent: the trailing-delay
// timer and count exhaustion both funnel here, and only the first takes
// effect.
func (r *Reporter) stopRecording() {
	if r.state != stateRecording {
		return
	}
	r.state = stateDraining
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.subscribed {
		r.log.RemoveObserver(r.obsID)
		r.subscribed = false
	}
	// Queued behind any deliveries already accepted, so they drain into
	// the state guard before finalization starts.
	r.q.Push(r.finishedRecording)
}

func (r *Reporter) finishedRecording() {
	if r.state != stateDraining {
		return
	}
	r.state = stateFinalizing

	artifact := r.finalPath
	if err := r.closeCompressed(); err != nil {
		// The compressed artifact is not trustworthy; keep the working
		// copy and announce that instead.
		slog.Error("closing compressed artifact failed, keeping working copy",
			"error", err, "working", r.workingPath)
		r.workingFile.Close()
		artifact = r.workingPath
	} else {
		r.workingFile.Close()
		if err := os.Remove(r.workingPath); err != nil {
			slog.Warn("removing working copy failed",
				"error", err, "path", r.workingPath)
		}
	}

	r.state = stateClosed
	slog.Info("incident recorded", "artifact", artifact)

	final := artifact
	r.q.Push(func() {
		r.log.IncidentRecorded(final)
		close(r.done)
	})
	r.q.Close()
}

// closeCompressed completes the compressed artifact. The compressor's
// Close writes the stream trailer, so nothing is durable until all three
// steps succeed.
func (r *Reporter) closeCompressed() error {
	if err := r.compressor.Close(); err != nil {
		r.finalFile.Close()
		return fmt.Errorf("closing compressor: %w", err)
	}
	if err := r.finalFile.Sync(); err != nil {
		r.finalFile.Close()
		return fmt.Errorf("syncing compressed artifact: %w", err)
	}
	if err := r.finalFile.Close(); err != nil {
		return fmt.Errorf("closing compressed artifact: %w", err)
	}
	return nil
}

// abortRecording tears down a declaration that failed partway. The
// working copy is kept if it holds records; the unreliable compressed
// file is removed so the working copy shows up in ScanOrphans.
func (r *Reporter) abortRecording() {
	if r.subscribed {
		r.log.RemoveObserver(r.obsID)
		r.subscribed = false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.compressor != nil {
		r.compressor.Close()
	}
	if r.finalFile != nil {
		r.finalFile.Close()
		os.Remove(r.finalPath)
	}
	if r.workingFile != nil {
		r.workingFile.Close()
		if !r.wroteHeader {
			os.Remove(r.workingPath)
		}
	}
	r.state = stateClosed
	close(r.done)
	r.q.Close()
}

func (r *Reporter) writeBoth(rec flog.Record) error {
	if err := r.workingEnc.Write(rec); err != nil {
		return fmt.Errorf("writing working copy: %w", err)
	}
	if err := r.finalEnc.Write(rec); err != nil {
		return fmt.Errorf("writing compressed sink: %w", err)
	}
	return nil
}

// randomToken returns a short random filename component: 4 bytes of
// entropy as lowercase base32. Collisions within one second are as good
// as impossible, and O_EXCL turns one into an error instead of a clobber.
func randomToken() string {
	var b [4]byte
	rand.Read(b[:])
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:]))
}
