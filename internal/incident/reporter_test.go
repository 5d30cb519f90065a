package incident

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/setevik/flightlog/internal/dispatch"
	"github.com/setevik/flightlog/internal/event"
	"github.com/setevik/flightlog/internal/flog"
)

// fakeLog stands in for the logger: preset history, a single observer
// slot, and a record of completion announcements.
type fakeLog struct {
	mu       sync.Mutex
	buffered []event.Event
	observer func(event.Event)
	nextID   int64
	added    int
	removed  int
	recorded []string
}

func newFakeLog(buffered ...event.Event) *fakeLog {
	return &fakeLog{buffered: buffered}
}

func (f *fakeLog) BufferedEvents() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Event(nil), f.buffered...)
}

func (f *fakeLog) AddObserver(fn func(event.Event)) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added++
	f.observer = fn
	f.nextID++
	return f.nextID
}

func (f *fakeLog) RemoveObserver(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	f.observer = nil
}

func (f *fakeLog) IncidentRecorded(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, path)
}

// deliver hands an event to the registered observer, as the logger's
// delivery task would.
func (f *fakeLog) deliver(ev event.Event) {
	f.mu.Lock()
	fn := f.observer
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakeLog) recordedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recorded...)
}

// fakeScheduler hands out timers that only fire when the test says so.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) dispatch.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// fire triggers every armed timer that has not been stopped.
func (s *fakeScheduler) fire() {
	s.mu.Lock()
	timers := append([]*fakeTimer(nil), s.timers...)
	s.mu.Unlock()
	for _, t := range timers {
		t.fire()
	}
}

func (s *fakeScheduler) timer(t *testing.T) *fakeTimer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) != 1 {
		t.Fatalf("%d timers armed, want 1", len(s.timers))
	}
	return s.timers[0]
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

func (t *fakeTimer) wasStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func mkEvent(num int64, level event.Level, msg string) event.Event {
	return event.Event{Num: num, Time: time.Now(), Level: level, Message: msg}
}

func waitDone(t *testing.T, r *Reporter) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reporter never finalized")
	}
}

func readArtifact(t *testing.T, path string) []flog.Record {
	t.Helper()
	f, err := flog.Open(path)
	if err != nil {
		t.Fatalf("opening artifact %s: %v", path, err)
	}
	defer f.Close()
	recs, err := f.ReadAll()
	if err != nil {
		t.Fatalf("reading artifact %s: %v", path, err)
	}
	return recs
}

func TestHeaderLeadsArtifact(t *testing.T) {
	lg := newFakeLog()
	sched := &fakeScheduler{}
	r := NewReporter(t.TempDir(), lg, "host1", WithScheduler(sched))

	trigger := mkEvent(7, event.Scary, "kernel oops")
	if err := r.IncidentDeclared(trigger); err != nil {
		t.Fatalf("IncidentDeclared: %v", err)
	}
	sched.fire()
	waitDone(t, r)

	paths := lg.recordedPaths()
	if len(paths) != 1 {
		t.Fatalf("got %d completion announcements, want 1", len(paths))
	}

	recs := readArtifact(t, paths[0])
	if len(recs) != 1 {
		t.Fatalf("got %d records, want just the header", len(recs))
	}
	head := recs[0]
	if !head.IsHeader() {
		t.Fatal("first record is not a header")
	}
	if head.Header.Type != flog.HeaderType {
		t.Errorf("header type = %q", head.Header.Type)
	}
	if head.Header.Trigger.Num != 7 {
		t.Errorf("trigger num = %d, want 7", head.Header.Trigger.Num)
	}
	if head.Header.Trigger.Level != event.Scary {
		t.Errorf("trigger level = %v, want scary", head.Header.Trigger.Level)
	}
	if head.Header.Trigger.Message != "kernel oops" {
		t.Errorf("trigger message = %q", head.Header.Trigger.Message)
	}
}

func TestReplaySortedByNum(t *testing.T) {
	// History handed over in buffer order 5, 3, 4; the artifact must
	// replay it as 3, 4, 5.
	lg := newFakeLog(
		mkEvent(5, event.Operational, "e5"),
		mkEvent(3, event.Operational, "e3"),
		mkEvent(4, event.Operational, "e4"),
	)
	sched := &fakeScheduler{}
	r := NewReporter(t.TempDir(), lg, "host1", WithScheduler(sched))

	if err := r.IncidentDeclared(mkEvent(6, event.Weird, "trigger")); err != nil {
		t.Fatalf("IncidentDeclared: %v", err)
	}
	sched.fire()
	waitDone(t, r)

	recs := readArtifact(t, lg.recordedPaths()[0])
	if len(recs) != 4 {
		t.Fatalf("got %d records, want header + 3 history", len(recs))
	}
	for i, want := range []int64{3, 4, 5} {
		rec := recs[i+1]
		if rec.IsHeader() {
			t.Fatalf("record %d is a second header", i+1)
		}
		if rec.D.Num != want {
			t.Errorf("replay record %d has num %d, want %d", i, rec.D.Num, want)
		}
		if rec.From != "host1" {
			t.Errorf("replay record %d from = %q", i, rec.From)
		}
	}

	// The whole replay batch shares one receive time.
	if recs[1].RxTime != recs[2].RxTime || recs[2].RxTime != recs[3].RxTime {
		t.Errorf("replay rx_times differ: %v %v %v",
			recs[1].RxTime, recs[2].RxTime, recs[3].RxTime)
	}
}

func TestTrailingLimitStopsEarly(t *testing.T) {
	lg := newFakeLog(mkEvent(1, event.Operational, "h1"))
	sched := &fakeScheduler{}
	r := NewReporter(t.TempDir(), lg, "host1",
		WithScheduler(sched), WithTrailingLimit(3))

	if err := r.IncidentDeclared(mkEvent(2, event.Weird, "trigger")); err != nil {
		t.Fatalf("IncidentDeclared: %v", err)
	}

	// Deliver well over the limit; the timer never fires.
	for i := int64(10); i < 20; i++ {
		lg.deliver(mkEvent(i, event.Operational, "trailing"))
	}
	waitDone(t, r)

	recs := readArtifact(t, lg.recordedPaths()[0])
	// header + 1 history + exactly 3 trailing
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	for i, want := range []int64{10, 11, 12} {
		if got := recs[i+2].D.Num; got != want {
			t.Errorf("trailing record %d has num %d, want %d", i, got, want)
		}
	}

	if !sched.timer(t).wasStopped() {
		t.Error("trailing timer was not cancelled")
	}
	if lg.removed != 1 {
		t.Errorf("observer removed %d times, want 1", lg.removed)
	}
}

func TestTrailingWindowClosedByTimer(t *testing.T) {
	lg := newFakeLog()
	sched := &fakeScheduler{}
	r := NewReporter(t.TempDir(), lg, "host1",
		WithScheduler(sched), WithTrailingLimit(100))

	if err := r.IncidentDeclared(mkEvent(1, event.Weird, "trigger")); err != nil {
		t.Fatalf("IncidentDeclared: %v", err)
	}

	lg.deliver(mkEvent(2, event.Operational, "t1"))
	lg.deliver(mkEvent(3, event.Operational, "t2"))
	sched.fire()
	waitDone(t, r)

	recs := readArtifact(t, lg.recordedPaths()[0])
	if len(recs) != 3 {
		t.Fatalf("got %d records, want header + 2 trailing", len(recs))
	}
	if recs[1].D.Num != 2 || recs[2].D.Num != 3 {
		t.Errorf("trailing records out of order: %d, %d", recs[1].D.Num, recs[2].D.Num)
	}
	if recs[1].ReceivedAt().IsZero() {
		t.Error("trailing record has no rx_time")
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Run("count then timer", func(t *testing.T) {
		lg := newFakeLog()
		sched := &fakeScheduler{}
		r := NewReporter(t.TempDir(), lg, "host1",
			WithScheduler(sched), WithTrailingLimit(2))

		if err := r.IncidentDeclared(mkEvent(1, event.Weird, "trigger")); err != nil {
			t.Fatal(err)
		}
		for i := int64(2); i <= 5; i++ {
			lg.deliver(mkEvent(i, event.Operational, "t"))
		}
		// A timer firing late must not finalize again.
		sched.fire()
		waitDone(t, r)

		if got := len(lg.recordedPaths()); got != 1 {
			t.Fatalf("completion announced %d times, want 1", got)
		}
		recs := readArtifact(t, lg.recordedPaths()[0])
		if len(recs) != 3 {
			t.Errorf("got %d records, want header + 2 trailing", len(recs))
		}
	})

	t.Run("timer then count", func(t *testing.T) {
		lg := newFakeLog()
		sched := &fakeScheduler{}
		r := NewReporter(t.TempDir(), lg, "host1",
			WithScheduler(sched), WithTrailingLimit(2))

		if err := r.IncidentDeclared(mkEvent(1, event.Weird, "trigger")); err != nil {
			t.Fatal(err)
		}
		sched.fire()
		// Deliveries that were already in flight when the timer won.
		for i := int64(2); i <= 5; i++ {
			lg.deliver(mkEvent(i, event.Operational, "t"))
		}
		waitDone(t, r)

		if got := len(lg.recordedPaths()); got != 1 {
			t.Fatalf("completion announced %d times, want 1", got)
		}
	})
}

func TestWorkingCopyRemovedOnSuccess(t *testing.T) {
	lg := newFakeLog()
	sched := &fakeScheduler{}
	r := NewReporter(t.TempDir(), lg, "host1", WithScheduler(sched))

	if err := r.IncidentDeclared(mkEvent(1, event.Weird, "trigger")); err != nil {
		t.Fatal(err)
	}

	// The working copy exists and is readable while recording.
	working := r.workingPath
	if _, err := os.Stat(working); err != nil {
		t.Fatalf("working copy missing during capture: %v", err)
	}
	recs := readArtifact(t, working)
	if len(recs) != 1 || !recs[0].IsHeader() {
		t.Fatalf("working copy should hold the flushed header, got %d records", len(recs))
	}

	sched.fire()
	waitDone(t, r)

	if _, err := os.Stat(working); !os.IsNotExist(err) {
		t.Errorf("working copy still present after finalize: %v", err)
	}
	paths := lg.recordedPaths()
	if len(paths) != 1 || paths[0] != working+".bz2" {
		t.Errorf("announced %v, want %s", paths, working+".bz2")
	}
}

type failingCloser struct {
	w io.Writer
}

func (f *failingCloser) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f *failingCloser) Close() error                { return errors.New("trailer write rejected") }

func TestWorkingCopyKeptWhenCompressedCloseFails(t *testing.T) {
	lg := newFakeLog(mkEvent(1, event.Operational, "h1"))
	sched := &fakeScheduler{}
	r := NewReporter(t.TempDir(), lg, "host1", WithScheduler(sched))
	r.newCompressor = func(w io.Writer) (io.WriteCloser, error) {
		return &failingCloser{w: w}, nil
	}

	if err := r.IncidentDeclared(mkEvent(2, event.Weird, "trigger")); err != nil {
		t.Fatal(err)
	}
	working := r.workingPath
	sched.fire()
	waitDone(t, r)

	// The uncompressed capture must survive the failed close and be the
	// path handed downstream.
	if _, err := os.Stat(working); err != nil {
		t.Fatalf("working copy was lost: %v", err)
	}
	paths := lg.recordedPaths()
	if len(paths) != 1 || paths[0] != working {
		t.Fatalf("announced %v, want working copy %s", paths, working)
	}

	recs := readArtifact(t, working)
	if len(recs) != 2 {
		t.Errorf("working copy has %d records, want header + history", len(recs))
	}
}

func TestDeclareTwiceFails(t *testing.T) {
	lg := newFakeLog()
	sched := &fakeScheduler{}
	r := NewReporter(t.TempDir(), lg, "host1", WithScheduler(sched))

	if err := r.IncidentDeclared(mkEvent(1, event.Weird, "t")); err != nil {
		t.Fatal(err)
	}
	if err := r.IncidentDeclared(mkEvent(2, event.Weird, "t")); err == nil {
		t.Error("second declaration should fail")
	}
	sched.fire()
	waitDone(t, r)
}

func TestDeclareFailsWithoutDirectory(t *testing.T) {
	lg := newFakeLog()
	dir := t.TempDir() + "/missing"
	r := NewReporter(dir, lg, "host1", WithScheduler(&fakeScheduler{}))

	if err := r.IncidentDeclared(mkEvent(1, event.Weird, "t")); err == nil {
		t.Fatal("expected error for missing directory")
	}
	if lg.added != 0 {
		t.Errorf("observer registered %d times on failed declare", lg.added)
	}
	waitDone(t, r)
}

func TestLateDeliveryAfterFinalize(t *testing.T) {
	lg := newFakeLog()
	sched := &fakeScheduler{}
	r := NewReporter(t.TempDir(), lg, "host1", WithScheduler(sched))

	if err := r.IncidentDeclared(mkEvent(1, event.Weird, "t")); err != nil {
		t.Fatal(err)
	}
	sched.fire()
	waitDone(t, r)

	// Deliveries still in flight when the incident closed are dropped,
	// not written.
	r.observe(mkEvent(99, event.Bad, "late"))

	recs := readArtifact(t, lg.recordedPaths()[0])
	if len(recs) != 1 {
		t.Errorf("late delivery reached the artifact: %d records", len(recs))
	}
}

func TestArtifactNameShape(t *testing.T) {
	lg := newFakeLog()
	sched := &fakeScheduler{}
	dir := t.TempDir()
	r := NewReporter(dir, lg, "host1", WithScheduler(sched))

	if err := r.IncidentDeclared(mkEvent(1, event.Weird, "t")); err != nil {
		t.Fatal(err)
	}
	name := r.workingPath
	sched.fire()
	waitDone(t, r)

	base := name[len(dir)+1:]
	if len(base) < len("incident-2006-01-02-150405-x.flog") {
		t.Fatalf("artifact name too short: %q", base)
	}
	if base[:9] != "incident-" {
		t.Errorf("artifact name %q missing incident- prefix", base)
	}
	if base[len(base)-5:] != ".flog" {
		t.Errorf("artifact name %q missing .flog suffix", base)
	}

	ts, err := time.ParseInLocation(nameTimeLayout, base[9:9+len(nameTimeLayout)], time.Local)
	if err != nil {
		t.Fatalf("artifact name %q does not embed a timestamp: %v", base, err)
	}
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Errorf("artifact timestamp %v not near now", ts)
	}
}

func TestDistinctNamesSameSecond(t *testing.T) {
	lg := newFakeLog()
	dir := t.TempDir()

	var names []string
	for i := 0; i < 4; i++ {
		sched := &fakeScheduler{}
		r := NewReporter(dir, lg, "host1", WithScheduler(sched))
		if err := r.IncidentDeclared(mkEvent(int64(i), event.Weird, "t")); err != nil {
			t.Fatal(err)
		}
		names = append(names, r.workingPath)
		sched.fire()
		waitDone(t, r)
	}

	seen := make(map[string]bool)
	for _, n := range names {
		if seen[n] {
			t.Fatalf("duplicate artifact name %q", n)
		}
		seen[n] = true
	}
}
