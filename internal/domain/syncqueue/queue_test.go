package syncqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"pet-health-sync/internal/adapters/storage/memory"
	"pet-health-sync/internal/ports/storage"
)

type fakeConn struct{ online bool }

func (c *fakeConn) Online() bool { return c.online }

type fakeScheduler struct{ calls int }

func (s *fakeScheduler) ScheduleDrain() { s.calls++ }

type recorder struct{ events []Event }

func (r *recorder) Publish(ev Event) { r.events = append(r.events, ev) }

func newTestQueue(t *testing.T) (*Queue, *Log, *recorder) {
	t.Helper()
	st := memory.NewStore(storage.DefaultSchema())
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	log := NewLog(st)
	rec := &recorder{}
	q := NewQueue(log, Options{Events: rec})

	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }
	n := 0
	q.newID = func() string { n++; return "idem-" + string(rune('0'+n)) }
	return q, log, rec
}

func TestEnqueue_OfflineDoesNotSchedule(t *testing.T) {
	q, log, rec := newTestQueue(t)
	conn := &fakeConn{online: false}
	sched := &fakeScheduler{}
	q.Attach(conn, sched)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueInput{
		Type:     "add_metric",
		Endpoint: "/pets/p1/metrics",
		Method:   "post",
		Payload:  map[string]any{"weight": 9.5},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}
	if sched.calls != 0 {
		t.Fatalf("offline enqueue must not schedule a drain")
	}

	a, err := log.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != StatusPending || a.RetryCount != 0 || a.Method != "POST" {
		t.Fatalf("unexpected action %+v", a)
	}
	if string(a.Payload) != `{"weight":9.5}` {
		t.Fatalf("payload snapshot mismatch: %s", string(a.Payload))
	}
	if a.IdempotencyKey == "" {
		t.Fatalf("expected idempotency key")
	}

	if len(rec.events) != 1 || rec.events[0].Type != EventQueued || rec.events[0].Pending != 1 {
		t.Fatalf("expected queued event with pending=1, got %+v", rec.events)
	}
}

func TestEnqueue_OnlineSchedulesDebouncedDrain(t *testing.T) {
	q, _, _ := newTestQueue(t)
	sched := &fakeScheduler{}
	q.Attach(&fakeConn{online: true}, sched)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(context.Background(), EnqueueInput{Type: "update_pet", Endpoint: "/pets/p1", Method: "PATCH"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// el debounce es del scheduler: la cola sólo avisa
	if sched.calls != 3 {
		t.Fatalf("expected 3 schedule requests, got %d", sched.calls)
	}
}

func TestEnqueue_PayloadIsSnapshot(t *testing.T) {
	q, log, _ := newTestQueue(t)
	payload := map[string]any{"name": "Milo"}

	id, err := q.Enqueue(context.Background(), EnqueueInput{Type: "create_pet", Endpoint: "/pets", Method: "POST", Payload: payload})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	payload["name"] = "changed"

	a, _ := log.Get(context.Background(), id)
	if string(a.Payload) != `{"name":"Milo"}` {
		t.Fatalf("payload must not change after enqueue: %s", string(a.Payload))
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	bad := []EnqueueInput{
		{Endpoint: "/pets", Method: "POST"},
		{Type: "x", Method: "POST"},
		{Type: "x", Endpoint: "pets", Method: "POST"},
		{Type: "x", Endpoint: "/pets", Method: "GET"},
		{Type: "x", Endpoint: "/pets", Method: "POST", Payload: make(chan int)},
	}
	for i, in := range bad {
		if _, err := q.Enqueue(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestLog_FIFOAndIDsNeverReused(t *testing.T) {
	q, log, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if _, err := q.Enqueue(ctx, EnqueueInput{Type: "add_metric", Endpoint: "/pets/p1/metrics", Method: "POST"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := log.Remove(ctx, 12); err != nil {
		t.Fatalf("remove: %v", err)
	}
	id, _ := q.Enqueue(ctx, EnqueueInput{Type: "add_metric", Endpoint: "/pets/p1/metrics", Method: "POST"})
	if id != 13 {
		t.Fatalf("ids must not be reused, got %d", id)
	}

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	for i := 1; i < len(items); i++ {
		if items[i-1].ID >= items[i].ID {
			t.Fatalf("pending must be ordered by id: %d then %d", items[i-1].ID, items[i].ID)
		}
	}
}

type fakeRunner struct{ running bool }

func (r *fakeRunner) Running() bool { return r.running }

func markSyncing(t *testing.T, log *Log, id int64) {
	t.Helper()
	ctx := context.Background()
	a, err := log.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a.Status = StatusSyncing
	if err := log.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestRemove_RejectsSyncingDuringLivePass(t *testing.T) {
	q, log, _ := newTestQueue(t)
	runner := &fakeRunner{running: true}
	q.AttachRunner(runner)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, EnqueueInput{Type: "add_metric", Endpoint: "/pets/p1/metrics", Method: "POST"})
	markSyncing(t, log, id)

	if err := q.Remove(ctx, id); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput removing in-flight action, got %v", err)
	}
	if err := q.Remove(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	syncing, _ := log.ListByStatus(ctx, StatusSyncing)
	if len(syncing) != 1 {
		t.Fatalf("expected 1 syncing action via status index, got %d", len(syncing))
	}
}

func TestRemove_StaleSyncingAfterCrash(t *testing.T) {
	q, log, rec := newTestQueue(t)
	q.AttachRunner(&fakeRunner{running: false})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, EnqueueInput{Type: "add_metric", Endpoint: "/pets/p1/metrics", Method: "POST"})
	markSyncing(t, log, id)

	if err := q.Remove(ctx, id); err != nil {
		t.Fatalf("stale syncing action must be discardable, got %v", err)
	}
	if n, _ := log.Count(ctx); n != 0 {
		t.Fatalf("expected empty log, got %d", n)
	}

	last := rec.events[len(rec.events)-1]
	if last.Type != EventDiscarded || !last.Terminal || last.Action == nil || last.Action.ID != id || last.Pending != 0 {
		t.Fatalf("expected terminal discard event carrying the action, got %+v", last)
	}
}

func TestSwap_ConcurrentDeleteWins(t *testing.T) {
	q, log, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, EnqueueInput{Type: "add_metric", Endpoint: "/pets/p1/metrics", Method: "POST"})
	a, ver, err := log.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	a.Status = StatusSyncing
	ver, ok, err := log.Swap(ctx, id, ver, &a)
	if err != nil || !ok {
		t.Fatalf("expected swap, ok=%v err=%v", ok, err)
	}

	if err := log.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}

	a.Status = StatusFailed
	if _, ok, err := log.Swap(ctx, id, ver, &a); err != nil || ok {
		t.Fatalf("swap after delete must fail, ok=%v err=%v", ok, err)
	}
	if _, err := log.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted action must not be recreated, got %v", err)
	}
}
