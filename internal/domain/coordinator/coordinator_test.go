package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"pet-health-sync/internal/domain/dispatcher"
	"pet-health-sync/internal/domain/syncqueue"
)

// fakeDrainer cuenta pases; gate (si no es nil) bloquea cada pase hasta recibir.
type fakeDrainer struct {
	mu      sync.Mutex
	calls   int
	results []dispatcher.Result
	gate    chan struct{}
	started chan struct{}
	paused  bool
	resumed int
}

func (d *fakeDrainer) Drain(ctx context.Context) dispatcher.Result {
	d.mu.Lock()
	d.calls++
	n := d.calls
	gate, started := d.gate, d.started
	d.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if n-1 < len(d.results) {
		return d.results[n-1]
	}
	return dispatcher.Result{Reason: dispatcher.ReasonCompleted}
}

func (d *fakeDrainer) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	d.resumed++
}

func (d *fakeDrainer) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *fakeDrainer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeCounter struct{ n int }

func (c fakeCounter) Count(ctx context.Context) (int, error) { return c.n, nil }

type unsupportedBackground struct{}

func (unsupportedBackground) Register(func()) error { return ErrUnsupported }
func (unsupportedBackground) Stop()                 {}

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) Publish(ev syncqueue.Event) {
	if ev.Type != syncqueue.EventStateChanged {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.State)
}

func (r *recorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func newTestCoordinator(d *fakeDrainer, cfg Config) (*Coordinator, *recorder) {
	rec := &recorder{}
	c := New(Deps{Drainer: d, Counter: fakeCounter{n: 3}, Events: rec}, cfg)
	return c, rec
}

func TestCoordinator_OfflineTriggerIsNoop(t *testing.T) {
	d := &fakeDrainer{}
	c, _ := newTestCoordinator(d, Config{})
	c.Start(context.Background())
	defer c.Stop()

	c.Trigger()
	c.ScheduleDrain()
	time.Sleep(30 * time.Millisecond)

	if d.Calls() != 0 {
		t.Fatalf("offline coordinator must not drain, calls=%d", d.Calls())
	}
	if c.State() != StateOffline {
		t.Fatalf("expected offline, got %s", c.State())
	}
	if c.PendingCount() != 3 {
		t.Fatalf("expected pending refreshed on start, got %d", c.PendingCount())
	}
}

func TestCoordinator_OnlineTransitionDrains(t *testing.T) {
	d := &fakeDrainer{}
	c, rec := newTestCoordinator(d, Config{})
	c.Start(context.Background())
	defer c.Stop()

	c.SetOnline(true)
	eventually(t, func() bool { return d.Calls() == 1 && c.State() == StateIdle }, "one pass then idle")

	got := rec.States()
	want := []string{"idle", "syncing", "idle"}
	if len(got) != len(want) {
		t.Fatalf("states %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states %v want %v", got, want)
		}
	}

	c.SetOnline(false)
	if c.State() != StateOffline {
		t.Fatalf("expected offline after transition, got %s", c.State())
	}
}

func TestCoordinator_TriggersDuringPassCoalesce(t *testing.T) {
	d := &fakeDrainer{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	c, _ := newTestCoordinator(d, Config{InitialOnline: true})
	defer c.Stop()

	c.Trigger()
	<-d.started

	c.Trigger()
	c.Trigger()
	c.Trigger()

	d.gate <- struct{}{} // termina pase 1
	<-d.started          // arranca el único pase extra
	d.gate <- struct{}{}

	eventually(t, func() bool { return c.State() == StateIdle }, "idle after rerun")
	time.Sleep(20 * time.Millisecond)
	if d.Calls() != 2 {
		t.Fatalf("expected exactly 2 passes, got %d", d.Calls())
	}
}

func TestCoordinator_ScheduleDrainDebounces(t *testing.T) {
	d := &fakeDrainer{}
	c, _ := newTestCoordinator(d, Config{InitialOnline: true, Debounce: 40 * time.Millisecond})
	defer c.Stop()

	for i := 0; i < 5; i++ {
		c.ScheduleDrain()
		time.Sleep(5 * time.Millisecond)
	}
	eventually(t, func() bool { return d.Calls() == 1 }, "single debounced pass")
	time.Sleep(60 * time.Millisecond)
	if d.Calls() != 1 {
		t.Fatalf("expected 1 pass after burst, got %d", d.Calls())
	}
}

func TestCoordinator_OfflineCancelsPendingDebounce(t *testing.T) {
	d := &fakeDrainer{}
	c, _ := newTestCoordinator(d, Config{InitialOnline: true, Debounce: 30 * time.Millisecond})
	defer c.Stop()

	c.ScheduleDrain()
	c.SetOnline(false)
	time.Sleep(60 * time.Millisecond)

	if d.Calls() != 0 {
		t.Fatalf("debounced drain must be cancelled when going offline")
	}
}

func TestCoordinator_RetriesFailedPassWithBackoff(t *testing.T) {
	d := &fakeDrainer{results: []dispatcher.Result{
		{Reason: dispatcher.ReasonCompleted, Failed: 1},
		{Reason: dispatcher.ReasonCompleted, Succeeded: 1},
	}}
	c, _ := newTestCoordinator(d, Config{InitialOnline: true, RetryBase: 10 * time.Millisecond, RetryMax: 20 * time.Millisecond})
	defer c.Stop()

	c.Trigger()
	eventually(t, func() bool { return d.Calls() == 2 }, "retry pass after failure")
	time.Sleep(50 * time.Millisecond)
	if d.Calls() != 2 {
		t.Fatalf("clean pass must not schedule more retries, calls=%d", d.Calls())
	}
}

func TestCoordinator_BackgroundUnsupportedIsNotFatal(t *testing.T) {
	d := &fakeDrainer{}
	c := New(Deps{Drainer: d, Background: unsupportedBackground{}}, Config{InitialOnline: true})
	c.Start(context.Background())
	defer c.Stop()

	eventually(t, func() bool { return d.Calls() == 1 }, "foreground drain on start")
}

func TestCoordinator_ResumeClearsPauseAndDrains(t *testing.T) {
	d := &fakeDrainer{paused: true}
	c, _ := newTestCoordinator(d, Config{InitialOnline: true})
	defer c.Stop()

	if !c.Status().Paused {
		t.Fatalf("expected paused status")
	}
	c.Resume()
	eventually(t, func() bool { return d.Calls() == 1 }, "drain after resume")
	if c.Status().Paused {
		t.Fatalf("expected pause cleared")
	}
}

func TestCoordinator_ObserveUpdatesPending(t *testing.T) {
	c, _ := newTestCoordinator(&fakeDrainer{}, Config{})
	c.Observe(syncqueue.Event{Type: syncqueue.EventQueued, Pending: 7})
	c.Observe(syncqueue.Event{Type: syncqueue.EventSyncSuccess, Pending: 0})
	if c.PendingCount() != 7 {
		t.Fatalf("expected 7, got %d", c.PendingCount())
	}
	c.Observe(syncqueue.Event{Type: syncqueue.EventDiscarded, Pending: 6})
	if c.PendingCount() != 6 {
		t.Fatalf("expected discard to refresh pending, got %d", c.PendingCount())
	}
}

func TestCoordinator_StopPreventsNewPasses(t *testing.T) {
	d := &fakeDrainer{}
	c, _ := newTestCoordinator(d, Config{InitialOnline: true})
	c.Stop()
	c.Trigger()
	time.Sleep(20 * time.Millisecond)
	if d.Calls() != 0 {
		t.Fatalf("stopped coordinator must not drain")
	}
}
