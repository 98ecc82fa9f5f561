package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pet-health-sync/internal/adapters/storage/memory"
	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/platform/httpclient"
	"pet-health-sync/internal/ports/storage"
)

// -------------------------
// Fakes
// -------------------------

type fakeConn struct{ online atomic.Bool }

func (c *fakeConn) Online() bool { return c.online.Load() }

func onlineConn(v bool) *fakeConn {
	c := &fakeConn{}
	c.online.Store(v)
	return c
}

type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error) { return string(s), nil }

type call struct {
	Method, Endpoint, Token, Idem string
	Body                          string
}

// fakeRemote responde con fn y registra cada request.
type fakeRemote struct {
	mu    sync.Mutex
	calls []call
	fn    func(req httpclient.Request) (json.RawMessage, error)
}

func (r *fakeRemote) Do(ctx context.Context, req httpclient.Request) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{req.Method, req.Endpoint, req.Token, req.Headers["Idempotency-Key"], string(req.Body)})
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{}`), nil
	}
	return fn(req)
}

func (r *fakeRemote) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events []syncqueue.Event
}

func (r *recorder) Publish(ev syncqueue.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t syncqueue.EventType) []syncqueue.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []syncqueue.Event{}
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store  storage.Store
	log    *syncqueue.Log
	queue  *syncqueue.Queue
	remote *fakeRemote
	conn   *fakeConn
	events *recorder
	d      *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := memory.NewStore(storage.DefaultSchema())
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	f := &fixture{
		store:  st,
		log:    syncqueue.NewLog(st),
		remote: &fakeRemote{},
		conn:   onlineConn(true),
		events: &recorder{},
	}
	f.queue = syncqueue.NewQueue(f.log, syncqueue.Options{})
	f.d = New(Deps{
		Log:    f.log,
		Store:  st,
		Remote: f.remote,
		Tokens: staticToken("tok-1"),
		Conn:   f.conn,
		Events: f.events,
	}, cfg)
	return f
}

func (f *fixture) enqueue(t *testing.T, typ, endpoint, entity string, payload any) int64 {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), syncqueue.EnqueueInput{
		Type: typ, Endpoint: endpoint, Method: "POST", Payload: payload, EntityKey: entity,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func (f *fixture) pending(t *testing.T) []syncqueue.Action {
	t.Helper()
	items, err := f.log.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return items
}

func failWith(status int) func(httpclient.Request) (json.RawMessage, error) {
	return func(httpclient.Request) (json.RawMessage, error) {
		return nil, &httpclient.HTTPError{StatusCode: status}
	}
}

// -------------------------
// Tests
// -------------------------

func TestDrain_OfflineIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	f.enqueue(t, "add_metric", "/pets/p1/metrics", "pet:p1", map[string]any{"weight": 9})
	f.conn.online.Store(false)

	res := f.d.Drain(context.Background())
	if res.Reason != ReasonOffline {
		t.Fatalf("expected offline, got %s", res.Reason)
	}
	if len(f.remote.Calls()) != 0 {
		t.Fatalf("offline drain must not call remote")
	}
	items := f.pending(t)
	if len(items) != 1 || items[0].Status != syncqueue.StatusPending || items[0].RetryCount != 0 {
		t.Fatalf("log must be untouched, got %+v", items)
	}
}

func TestDrain_FIFOAndRemoval(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.enqueue(t, "add_metric", "/pets/p1/metrics", "pet:p1", map[string]any{"n": 1})
	second := f.enqueue(t, "add_vaccination", "/pets/p1/vaccinations", "pet:p1", map[string]any{"n": 2})

	res := f.d.Drain(context.Background())
	if res.Reason != ReasonCompleted || res.Succeeded != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	calls := f.remote.Calls()
	if len(calls) != 2 || calls[0].Endpoint != "/pets/p1/metrics" || calls[1].Endpoint != "/pets/p1/vaccinations" {
		t.Fatalf("expected creation order, got %+v", calls)
	}
	if calls[0].Token != "tok-1" || calls[0].Idem == "" || calls[0].Body != `{"n":1}` {
		t.Fatalf("unexpected request %+v", calls[0])
	}

	if len(f.pending(t)) != 0 {
		t.Fatalf("expected empty log")
	}
	ok := f.events.ofType(syncqueue.EventSyncSuccess)
	if len(ok) != 2 || ok[0].Action.ID != first || ok[1].Action.ID != second {
		t.Fatalf("expected 2 ordered success events, got %+v", ok)
	}
	if _, err := f.store.Get(context.Background(), storage.CollectionMeta, leaseKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("lease must be released after pass, got %v", err)
	}
}

func TestDrain_CeilingDropsAfterExactAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5})
	f.remote.fn = failWith(http.StatusInternalServerError)
	id := f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)

	for i := 1; i <= 4; i++ {
		res := f.d.Drain(context.Background())
		if res.Failed != 1 || res.Terminal != 0 {
			t.Fatalf("pass %d: unexpected %+v", i, res)
		}
		a, err := f.log.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("pass %d: action must remain: %v", i, err)
		}
		if a.RetryCount != i || a.Status != syncqueue.StatusFailed {
			t.Fatalf("pass %d: unexpected action %+v", i, a)
		}
	}

	res := f.d.Drain(context.Background())
	if res.Terminal != 1 || len(res.Errors) != 1 || !res.Errors[0].Terminal {
		t.Fatalf("expected terminal drop on 5th attempt, got %+v", res)
	}
	if len(f.remote.Calls()) != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", len(f.remote.Calls()))
	}
	if len(f.pending(t)) != 0 {
		t.Fatalf("terminal action must be removed")
	}

	errs := f.events.ofType(syncqueue.EventSyncError)
	if len(errs) != 5 {
		t.Fatalf("expected 5 sync-error events, got %d", len(errs))
	}
	for i, ev := range errs {
		if ev.Terminal != (i == 4) {
			t.Fatalf("event %d terminal=%v", i, ev.Terminal)
		}
	}
}

func TestDrain_FailureBlocksSameEntityOnly(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.fn = func(req httpclient.Request) (json.RawMessage, error) {
		if req.Endpoint == "/pets" {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`{}`), nil
	}
	f.enqueue(t, "create_pet", "/pets", "pet:local-1", nil)
	f.enqueue(t, "add_metric", "/pets/local-1/metrics", "pet:local-1", nil)
	f.enqueue(t, "add_metric", "/pets/p2/metrics", "pet:p2", nil)

	res := f.d.Drain(context.Background())
	if res.Failed != 1 || res.Skipped != 1 || res.Succeeded != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Retryable() {
		t.Fatalf("result with failures must be retryable")
	}

	calls := f.remote.Calls()
	if len(calls) != 2 || calls[1].Endpoint != "/pets/p2/metrics" {
		t.Fatalf("blocked action must not be sent, calls=%+v", calls)
	}

	items := f.pending(t)
	if len(items) != 2 || items[1].Status != syncqueue.StatusPending || items[1].RetryCount != 0 {
		t.Fatalf("skipped action must stay untouched, got %+v", items)
	}
}

func TestDrain_AuthPausesWithoutSpendingRetries(t *testing.T) {
	f := newFixture(t, Config{PauseOnAuth: true})
	f.remote.fn = failWith(http.StatusUnauthorized)
	id := f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)
	f.enqueue(t, "add_metric", "/pets/p2/metrics", "", nil)

	res := f.d.Drain(context.Background())
	if res.Reason != ReasonAuth {
		t.Fatalf("expected auth reason, got %+v", res)
	}
	if !f.d.Paused() {
		t.Fatalf("expected paused dispatcher")
	}
	a, _ := f.log.Get(context.Background(), id)
	if a.RetryCount != 0 || a.Status != syncqueue.StatusPending {
		t.Fatalf("auth failure must not consume retries, got %+v", a)
	}
	if len(f.events.ofType(syncqueue.EventSyncPaused)) != 1 {
		t.Fatalf("expected sync-paused event")
	}

	// pausado: no hay requests
	if res := f.d.Drain(context.Background()); res.Reason != ReasonAuth {
		t.Fatalf("expected auth while paused, got %s", res.Reason)
	}
	if len(f.remote.Calls()) != 1 {
		t.Fatalf("paused queue must not call remote, calls=%d", len(f.remote.Calls()))
	}

	f.remote.fn = nil
	f.d.Resume()
	res = f.d.Drain(context.Background())
	if res.Succeeded != 2 || len(f.pending(t)) != 0 {
		t.Fatalf("expected drain after resume, got %+v", res)
	}
}

func TestDrain_AuthWithoutPauseIsRetried(t *testing.T) {
	f := newFixture(t, Config{PauseOnAuth: false})
	f.remote.fn = failWith(http.StatusUnauthorized)
	id := f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)

	res := f.d.Drain(context.Background())
	if res.Reason != ReasonCompleted || res.Failed != 1 {
		t.Fatalf("unexpected %+v", res)
	}
	a, _ := f.log.Get(context.Background(), id)
	if a.RetryCount != 1 {
		t.Fatalf("expected retry consumed, got %d", a.RetryCount)
	}
	if res.Errors[0].Kind != syncqueue.AuthExpired {
		t.Fatalf("expected auth_expired kind, got %s", res.Errors[0].Kind)
	}
}

func TestDrain_BusyWhileRunning(t *testing.T) {
	f := newFixture(t, Config{})
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.remote.fn = func(req httpclient.Request) (json.RawMessage, error) {
		once.Do(func() { close(entered) })
		<-release
		return json.RawMessage(`{}`), nil
	}
	f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)

	done := make(chan Result, 1)
	go func() { done <- f.d.Drain(context.Background()) }()
	<-entered

	if res := f.d.Drain(context.Background()); res.Reason != ReasonBusy {
		t.Fatalf("expected busy, got %s", res.Reason)
	}
	close(release)

	if res := <-done; res.Succeeded != 1 {
		t.Fatalf("first pass must finish, got %+v", res)
	}
}

func TestDrain_LeaseHeldByOtherInstance(t *testing.T) {
	f := newFixture(t, Config{LeaseTTL: time.Minute})
	f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f.d.now = func() time.Time { return now }

	other, _ := json.Marshal(lease{Owner: "other-tab", ExpiresAt: now.Add(30 * time.Second)})
	if err := f.store.Put(context.Background(), storage.CollectionMeta, storage.Record{Key: leaseKey, Value: other}); err != nil {
		t.Fatalf("put lease: %v", err)
	}

	if res := f.d.Drain(context.Background()); res.Reason != ReasonLocked {
		t.Fatalf("expected locked, got %s", res.Reason)
	}
	if len(f.remote.Calls()) != 0 {
		t.Fatalf("locked drain must not call remote")
	}

	// vencido el lease ajeno, lo tomamos
	now = now.Add(time.Minute)
	if res := f.d.Drain(context.Background()); res.Reason != ReasonCompleted || res.Succeeded != 1 {
		t.Fatalf("expected takeover of expired lease, got %+v", res)
	}
}

func TestDrain_ReplaysActionLeftSyncing(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)

	// simula un crash a mitad de request
	a, _ := f.log.Get(context.Background(), id)
	a.Status = syncqueue.StatusSyncing
	_ = f.log.Update(context.Background(), a)

	res := f.d.Drain(context.Background())
	if res.Succeeded != 1 || len(f.pending(t)) != 0 {
		t.Fatalf("syncing action must be replayed, got %+v", res)
	}
}

func TestDrain_ActionTimeoutIsNetworkFailure(t *testing.T) {
	f := newFixture(t, Config{ActionTimeout: 20 * time.Millisecond})
	f.remote.fn = func(req httpclient.Request) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}
	f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)

	res := f.d.Drain(context.Background())
	if res.Failed != 1 || res.Errors[0].Kind != syncqueue.NetworkFailure {
		t.Fatalf("expected retryable network failure, got %+v", res)
	}
}

func TestDrain_MissingTokenPauses(t *testing.T) {
	f := newFixture(t, Config{PauseOnAuth: true})
	f.d.tokens = staticToken("")
	f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)

	if res := f.d.Drain(context.Background()); res.Reason != ReasonAuth {
		t.Fatalf("expected auth without session, got %s", res.Reason)
	}
	if len(f.remote.Calls()) != 0 {
		t.Fatalf("no request without a token")
	}
}

// add_metric offline -> reconexión -> POST con bearer -> pendientes 0 + sync-success.
func TestScenario_AddMetricOfflineThenReconnect(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-metric-1"}`))
	}))
	defer ts.Close()

	client, err := httpclient.New(ts.URL, time.Second)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	f := newFixture(t, Config{})
	f.d.remote = client
	f.conn.online.Store(false)

	f.enqueue(t, "add_metric", "/pets/p1/metrics", "pet:p1", map[string]any{"kind": "weight", "value": 9.5})
	if res := f.d.Drain(context.Background()); res.Reason != ReasonOffline {
		t.Fatalf("expected offline while disconnected")
	}

	f.conn.online.Store(true)
	res := f.d.Drain(context.Background())
	if res.Succeeded != 1 {
		t.Fatalf("expected success after reconnect, got %+v", res)
	}
	if gotMethod != http.MethodPost || gotPath != "/pets/p1/metrics" || gotAuth != "Bearer tok-1" {
		t.Fatalf("unexpected request %s %s auth=%q", gotMethod, gotPath, gotAuth)
	}
	if gotBody != `{"kind":"weight","value":9.5}` {
		t.Fatalf("unexpected body %s", gotBody)
	}

	n, _ := f.log.Count(context.Background())
	if n != 0 {
		t.Fatalf("expected pending 0, got %d", n)
	}
	ok := f.events.ofType(syncqueue.EventSyncSuccess)
	if len(ok) != 1 || string(ok[0].Response) != `{"id":"srv-metric-1"}` {
		t.Fatalf("expected sync-success with server response, got %+v", ok)
	}
}

type swappableToken struct {
	mu  sync.Mutex
	tok string
}

func (s *swappableToken) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, nil
}

func (s *swappableToken) set(tok string) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

func TestDrain_SkipsActionDiscardedDuringPass(t *testing.T) {
	f := newFixture(t, Config{})
	f.enqueue(t, "add_metric", "/pets/1/metrics", "", nil)
	second := f.enqueue(t, "add_metric", "/pets/2/metrics", "", nil)

	f.remote.fn = func(req httpclient.Request) (json.RawMessage, error) {
		if req.Endpoint == "/pets/1/metrics" {
			if err := f.queue.Remove(context.Background(), second); err != nil {
				t.Errorf("discard: %v", err)
			}
		}
		return json.RawMessage(`{}`), nil
	}

	res := f.d.Drain(context.Background())
	if res.Reason != ReasonCompleted || res.Succeeded != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	calls := f.remote.Calls()
	if len(calls) != 1 || calls[0].Endpoint != "/pets/1/metrics" {
		t.Fatalf("discarded action must not be sent, got %+v", calls)
	}
	if items := f.pending(t); len(items) != 0 {
		t.Fatalf("expected empty log, got %+v", items)
	}
}

func TestDrain_LogoutDuringPassDoesNotResurrect(t *testing.T) {
	f := newFixture(t, Config{PauseOnAuth: true})
	tokens := &swappableToken{tok: "tok-1"}
	f.d.tokens = tokens
	f.enqueue(t, "add_metric", "/pets/1/metrics", "", nil)
	f.enqueue(t, "add_metric", "/pets/2/metrics", "", nil)

	// logout mientras la primera acción está en vuelo
	f.remote.fn = func(req httpclient.Request) (json.RawMessage, error) {
		if err := f.store.Clear(context.Background(), storage.CollectionPendingSync); err != nil {
			t.Errorf("clear: %v", err)
		}
		tokens.set("")
		return json.RawMessage(`{}`), nil
	}

	res := f.d.Drain(context.Background())
	if res.Reason != ReasonCompleted {
		t.Fatalf("expected completed pass, got %+v", res)
	}
	if f.d.Paused() {
		t.Fatalf("queue must not pause for actions of a closed session")
	}
	if len(f.remote.Calls()) != 1 {
		t.Fatalf("expected only the in-flight request, got %+v", f.remote.Calls())
	}
	if items := f.pending(t); len(items) != 0 {
		t.Fatalf("cleared actions must not be written back, got %+v", items)
	}
}

func TestDrain_AuthFailureOfRemovedActionDoesNotPause(t *testing.T) {
	f := newFixture(t, Config{PauseOnAuth: true})
	f.enqueue(t, "add_metric", "/pets/1/metrics", "", nil)

	f.remote.fn = func(req httpclient.Request) (json.RawMessage, error) {
		_ = f.store.Clear(context.Background(), storage.CollectionPendingSync)
		return nil, &httpclient.HTTPError{StatusCode: http.StatusUnauthorized}
	}

	res := f.d.Drain(context.Background())
	if res.Reason != ReasonCompleted || f.d.Paused() {
		t.Fatalf("expected completed pass without pause, got %+v paused=%v", res, f.d.Paused())
	}
	if items := f.pending(t); len(items) != 0 {
		t.Fatalf("removed action must stay removed, got %+v", items)
	}
}

type applyCall struct {
	action   syncqueue.Action
	response string
}

type fakeApplier struct {
	mu     sync.Mutex
	calls  []applyCall
	events *recorder
	seen   int // eventos sync-success ya publicados al momento de aplicar
}

func (a *fakeApplier) Apply(ctx context.Context, action syncqueue.Action, response json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, applyCall{action, string(response)})
	a.seen = len(a.events.ofType(syncqueue.EventSyncSuccess))
	return nil
}

func TestDrain_AppliesResultBeforeNotifying(t *testing.T) {
	f := newFixture(t, Config{})
	applier := &fakeApplier{events: f.events}
	f.d.applier = applier
	f.remote.fn = func(httpclient.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"srv-9"}`), nil
	}

	ref := &syncqueue.RecordRef{Collection: storage.CollectionMetrics, Key: "m1"}
	if _, err := f.queue.Enqueue(context.Background(), syncqueue.EnqueueInput{
		Type: "add_metric", Endpoint: "/pets/p1/metrics", Method: "POST", Record: ref,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.enqueue(t, "update_pet", "/pets/p1", "", nil)

	for i := 0; i < 100; i++ {
		f.enqueue(t, "add_metric", "/pets/p1/metrics", "", nil)
	}

	res := f.d.Drain(context.Background())
	if res.Succeeded != 102 {
		t.Fatalf("unexpected result %+v", res)
	}

	applier.mu.Lock()
	defer applier.mu.Unlock()
	if len(applier.calls) != 1 {
		t.Fatalf("expected one fold for the action with a record, got %d", len(applier.calls))
	}
	got := applier.calls[0]
	if got.action.Record == nil || got.action.Record.Key != "m1" || got.response != `{"id":"srv-9"}` {
		t.Fatalf("unexpected fold %+v", got)
	}
	if applier.seen != 0 {
		t.Fatalf("fold must run before the success event, saw %d events", applier.seen)
	}
}
