package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"logupload/internal/cycle"
	"logupload/internal/notify"
)

// scriptRunner returns scripted results, then zero outcomes forever. Every
// call is announced on ran.
type scriptRunner struct {
	mu      sync.Mutex
	results []result
	calls   int
	ran     chan int
}

type result struct {
	out cycle.Outcome
	err error
}

func newScriptRunner(results ...result) *scriptRunner {
	return &scriptRunner{results: results, ran: make(chan int, 100)}
}

func (r *scriptRunner) Run(ctx context.Context) (cycle.Outcome, error) {
	r.mu.Lock()
	i := r.calls
	r.calls++
	r.mu.Unlock()
	r.ran <- i + 1
	if err := ctx.Err(); err != nil {
		return cycle.Outcome{State: cycle.Failed}, err
	}
	if i < len(r.results) {
		return r.results[i].out, r.results[i].err
	}
	return cycle.Outcome{State: cycle.Done}, nil
}

func (r *scriptRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *scriptRunner) waitCalls(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.ran:
			if got >= n {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for cycle %d", n)
		}
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	cycles int
	fails  int
	wakes  []bool
}

func (o *recordingObserver) ObserveCycle(_ cycle.Outcome, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles++
	if err != nil {
		o.fails++
	}
}

func (o *recordingObserver) ObserveWake(accepted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.wakes = append(o.wakes, accepted)
}

func (o *recordingObserver) wakeResults() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.wakes...)
}

func startRun(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not return")
		return nil
	}
}

func TestPickDelayRange(t *testing.T) {
	interval := 60 * time.Second
	lo, hi := 55*time.Second, 65*time.Second
	var below, above bool
	for range 10000 {
		d := PickDelay(interval)
		if d < lo || d > hi {
			t.Fatalf("PickDelay(%v) = %v, outside [%v, %v]", interval, d, lo, hi)
		}
		below = below || d < 57*time.Second
		above = above || d > 63*time.Second
	}
	if !below || !above {
		t.Fatalf("delays do not span the range (below=%v above=%v)", below, above)
	}
}

func TestPickDelaySmallIntervals(t *testing.T) {
	if d := PickDelay(0); d != 0 {
		t.Fatalf("PickDelay(0) = %v", d)
	}
	if d := PickDelay(11 * time.Nanosecond); d != 11*time.Nanosecond {
		t.Fatalf("PickDelay(11ns) = %v", d)
	}
}

func TestRunSingleCycle(t *testing.T) {
	failure := cycle.NewFailure(cycle.Uploading, cycle.CodeUpload, false, errors.New("refused"))
	r := newScriptRunner(result{out: cycle.Outcome{State: cycle.Failed}, err: failure})
	s := New(Config{Cycle: r, Clock: clockwork.NewFakeClock()})

	err := s.Run(context.Background())
	if !errors.Is(err, failure) {
		t.Fatalf("Run = %v, want the cycle failure", err)
	}
	if cycle.ExitCode(err) != 8 {
		t.Fatalf("ExitCode = %d", cycle.ExitCode(err))
	}
	if r.calls != 1 {
		t.Fatalf("calls = %d, want 1", r.calls)
	}
}

func TestRunSleepsBetweenCycles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newScriptRunner()
	s := New(Config{Cycle: r, Interval: time.Minute, Clock: clock})
	cancel, done := startRun(t, s)

	r.waitCalls(t, 1)
	ctx := context.Background()
	for n := 2; n <= 3; n++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute + time.Minute/12)
		r.waitCalls(t, n)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}

func TestRunContinuesAfterNonFatalFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	obs := &recordingObserver{}
	r := newScriptRunner(result{
		out: cycle.Outcome{State: cycle.Failed},
		err: cycle.NewFailure(cycle.Uploading, cycle.CodeUpload, false, errors.New("timeout")),
	})
	s := New(Config{Cycle: r, Interval: time.Second, Clock: clock, Observer: obs})
	cancel, done := startRun(t, s)

	r.waitCalls(t, 1)
	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)
	r.waitCalls(t, 2)
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.fails != 1 || obs.cycles < 2 {
		t.Fatalf("observer cycles=%d fails=%d", obs.cycles, obs.fails)
	}
}

func TestRunStopsOnFatalFailure(t *testing.T) {
	fatal := cycle.NewFailure(cycle.Reading, cycle.CodeRead, true, errors.New("EIO"))
	r := newScriptRunner(
		result{out: cycle.Outcome{State: cycle.Done}},
		result{out: cycle.Outcome{State: cycle.Failed}, err: fatal},
	)
	s := New(Config{Cycle: r, Interval: time.Second, Stream: true, Clock: clockwork.NewFakeClock()})
	if err := s.Run(context.Background()); !errors.Is(err, fatal) {
		t.Fatalf("Run = %v, want fatal failure", err)
	}
}

func TestRunStreamStopsAtEOF(t *testing.T) {
	r := newScriptRunner(
		result{out: cycle.Outcome{State: cycle.Done, Captured: 10}},
		result{out: cycle.Outcome{State: cycle.Done, Captured: 3}},
		result{out: cycle.Outcome{State: cycle.Done, EOF: true}},
	)
	// No clock advance is needed: stream mode never sleeps.
	s := New(Config{Cycle: r, Interval: time.Hour, Stream: true, Clock: clockwork.NewFakeClock()})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if r.calls != 3 {
		t.Fatalf("calls = %d, want 3", r.calls)
	}
}

func TestRunWakeCutsSleepShort(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wake := notify.NewSignal()
	obs := &recordingObserver{}
	r := newScriptRunner()
	s := New(Config{Cycle: r, Interval: time.Hour, Wake: wake, Clock: clock, Observer: obs})
	cancel, done := startRun(t, s)

	r.waitCalls(t, 1)
	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if !wake.Notify() {
		t.Fatal("sleeping scheduler was not armed")
	}
	r.waitCalls(t, 2)

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.wakes) != 1 || !obs.wakes[0] {
		t.Fatalf("wakes = %v", obs.wakes)
	}
}

func TestRunEveryWakeAcceptedByDefault(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wake := notify.NewSignal()
	obs := &recordingObserver{}
	r := newScriptRunner()
	s := New(Config{Cycle: r, Interval: time.Second, Wake: wake, Clock: clock, Observer: obs})
	cancel, done := startRun(t, s)
	ctx := context.Background()

	r.waitCalls(t, 1)
	// The fake clock never moves: back-to-back wakes each start a cycle.
	for n := 2; n <= 4; n++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		if !wake.Notify() {
			t.Fatalf("wake %d not delivered", n-1)
		}
		r.waitCalls(t, n)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.wakes) != 3 || !obs.wakes[0] || !obs.wakes[1] || !obs.wakes[2] {
		t.Fatalf("wakes = %v, want three accepted", obs.wakes)
	}
}

func TestRunWakeLimitIgnoresExcessWakes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wake := notify.NewSignal()
	obs := &recordingObserver{}
	r := newScriptRunner()
	s := New(Config{Cycle: r, Interval: time.Hour, Wake: wake, WakeLimit: 1, Clock: clock, Observer: obs})
	cancel, done := startRun(t, s)
	ctx := context.Background()

	r.waitCalls(t, 1)
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if !wake.Notify() {
		t.Fatal("first wake not delivered")
	}
	r.waitCalls(t, 2)

	// The fake clock has not moved, so the limiter has no token left.
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if !wake.Notify() {
		t.Fatal("second wake not delivered")
	}
	waitFor(t, func() bool { return len(obs.wakeResults()) == 2 })
	if got := obs.wakeResults(); !got[0] || got[1] {
		t.Fatalf("wakes = %v, want accepted then ignored", got)
	}
	if got := r.callCount(); got != 2 {
		t.Fatalf("calls = %d after ignored wake, want 2", got)
	}

	// A second later the limiter has refilled; the scheduler is still asleep.
	clock.Advance(time.Second)
	waitFor(t, wake.Notify)
	r.waitCalls(t, 3)

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestRunWakeWhileBusyIsDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wake := notify.NewSignal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dropped bool
	var calls atomic.Int32
	r := &funcRunner{fn: func(context.Context) (cycle.Outcome, error) {
		calls.Add(1)
		dropped = !wake.Notify()
		return cycle.Outcome{State: cycle.Done}, nil
	}}
	s := New(Config{Cycle: r, Interval: time.Hour, Wake: wake, Clock: clock})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The scheduler must sleep the full interval despite the wake.
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}
	if !dropped || wake.Dropped() != 1 {
		t.Fatalf("dropped=%v count=%d", dropped, wake.Dropped())
	}
}

type funcRunner struct {
	fn func(context.Context) (cycle.Outcome, error)
}

func (r *funcRunner) Run(ctx context.Context) (cycle.Outcome, error) { return r.fn(ctx) }

func TestRunCancelDuringSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wake := notify.NewSignal()
	r := newScriptRunner()
	s := New(Config{Cycle: r, Interval: time.Hour, Wake: wake, Clock: clock})
	cancel, done := startRun(t, s)

	r.waitCalls(t, 1)
	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	// The abandoned sleep released its wake.
	if wake.Notify() {
		t.Fatal("wake still armed after scheduler stopped")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
