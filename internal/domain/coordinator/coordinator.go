package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pet-health-sync/internal/domain/dispatcher"
	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/platform/metrics"
)

type State string

const (
	StateOffline State = "offline"
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// ErrUnsupported lo devuelve una facilidad de background que no existe en el host.
var ErrUnsupported = errors.New("background sync unsupported")

type Drainer interface {
	Drain(ctx context.Context) dispatcher.Result
	Resume()
	Paused() bool
}

type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Background es una facilidad del host que dispara syncs aunque la UI esté cerrada.
type Background interface {
	Register(trigger func()) error
	Stop()
}

type Config struct {
	Debounce  time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
	// InitialOnline es el estado de red al arrancar (antes de la primera señal).
	InitialOnline bool
}

type Deps struct {
	Drainer    Drainer
	Counter    Counter
	Background Background
	Events     syncqueue.Publisher
	Logger     logger.Logger
}

// Coordinator traduce señales de red y triggers de background en pases del dispatcher.
// Nunca corre dos pases a la vez; un trigger durante un pase agenda exactamente uno más.
type Coordinator struct {
	drainer Drainer
	counter Counter
	bg      Background
	events  syncqueue.Publisher
	logger  logger.Logger
	cfg     Config

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	online   bool
	state    State
	rerun    bool
	stopped  bool
	pending  int
	last     *dispatcher.Result
	lastAt   time.Time
	debounce *time.Timer
	retry    *time.Timer
	bo       *backoff.ExponentialBackOff
	wg       sync.WaitGroup
}

func New(deps Deps, cfg Config) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMax
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	c := &Coordinator{
		drainer: deps.Drainer,
		counter: deps.Counter,
		bg:      deps.Background,
		events:  deps.Events,
		logger:  deps.Logger,
		cfg:     cfg,
		online:  cfg.InitialOnline,
		state:   StateOffline,
		bo:      bo,
		ctx:     context.Background(),
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	c.logger = c.logger.With(map[string]any{"component": "coordinator"})
	if c.events == nil {
		c.events = nopPublisher{}
	}
	if c.online {
		c.state = StateIdle
	}
	return c
}

// Start fija el contexto de los pases, registra el background sync (best effort)
// y, si hay red, drena lo que haya quedado de una sesión anterior.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.RefreshPending(ctx)

	if c.bg != nil {
		if err := c.bg.Register(c.Trigger); err != nil {
			// sin facilidad de background => sólo foreground
			c.logger.Info("background_sync_unavailable", map[string]any{"error": err})
		}
	}
	c.Trigger()
}

// Stop cancela timers y pases en curso y espera a que terminen.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.stopTimersLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if c.bg != nil {
		c.bg.Stop()
	}
	c.wg.Wait()
}

func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount es informativo: puede ir un paso atrás del log.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// SetOnline aplica una transición de red. Offline cancela debounce y reintentos.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online

	if !online {
		c.stopTimersLocked()
		c.rerun = false
		if c.state != StateSyncing {
			c.setStateLocked(StateOffline)
		}
		c.mu.Unlock()
		c.logger.Info("connectivity_offline", nil)
		return
	}

	if c.state == StateOffline {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	c.logger.Info("connectivity_online", nil)
	c.Trigger()
}

// Trigger pide un pase ya. Llamadas durante un pase se coalescen en uno solo extra.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.online || c.stopped {
		return
	}
	if c.state == StateSyncing {
		c.rerun = true
		return
	}
	c.setStateLocked(StateSyncing)
	c.wg.Add(1)
	go c.runPasses(c.ctx)
}

// ScheduleDrain agenda un pase con debounce: N enqueues seguidos => un pase.
func (c *Coordinator) ScheduleDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.online || c.stopped {
		return
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.cfg.Debounce, c.Trigger)
}

// Resume se llama cuando hay un token nuevo: levanta la pausa por auth y drena.
func (c *Coordinator) Resume() {
	if c.drainer.Paused() {
		c.logger.Info("sync_resumed", nil)
	}
	c.drainer.Resume()
	c.Trigger()
}

// Observe mantiene el contador de pendientes con los eventos de la cola.
func (c *Coordinator) Observe(ev syncqueue.Event) {
	if ev.Type != syncqueue.EventQueued && ev.Type != syncqueue.EventDiscarded {
		return
	}
	c.mu.Lock()
	c.pending = ev.Pending
	c.mu.Unlock()
	metrics.PendingActions.Set(float64(ev.Pending))
}

func (c *Coordinator) RefreshPending(ctx context.Context) {
	if c.counter == nil {
		return
	}
	n, err := c.counter.Count(ctx)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.pending = n
	c.mu.Unlock()
	metrics.PendingActions.Set(float64(n))
}

type Status struct {
	State      State              `json:"state"`
	Online     bool               `json:"online"`
	Pending    int                `json:"pending"`
	Paused     bool               `json:"paused"`
	LastResult *dispatcher.Result `json:"last_result,omitempty"`
	LastRunAt  *time.Time         `json:"last_run_at,omitempty"`
}

func (c *Coordinator) Status() Status {
	paused := c.drainer.Paused()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, Online: c.online, Pending: c.pending, Paused: paused}
	if c.last != nil {
		r := *c.last
		at := c.lastAt
		st.LastResult = &r
		st.LastRunAt = &at
	}
	return st
}

func (c *Coordinator) runPasses(ctx context.Context) {
	defer c.wg.Done()

	for {
		res := c.drainer.Drain(ctx)
		c.RefreshPending(context.WithoutCancel(ctx))

		c.mu.Lock()
		c.last = &res
		c.lastAt = time.Now().UTC()
		c.afterPassLocked(res)

		if c.rerun && c.online && ctx.Err() == nil {
			c.rerun = false
			c.mu.Unlock()
			continue
		}
		c.rerun = false
		if c.online {
			c.setStateLocked(StateIdle)
		} else {
			c.setStateLocked(StateOffline)
		}
		c.mu.Unlock()
		return
	}
}

// afterPassLocked decide el reintento con backoff.
func (c *Coordinator) afterPassLocked(res dispatcher.Result) {
	// locked: otra instancia está drenando; volvemos a mirar más tarde
	retry := res.Retryable() || res.Reason == dispatcher.ReasonLocked || res.Reason == dispatcher.ReasonStorage

	switch {
	case retry && c.online && !c.stopped:
		wait := c.bo.NextBackOff()
		if c.retry != nil {
			c.retry.Stop()
		}
		c.retry = time.AfterFunc(wait, c.Trigger)
		c.logger.Debug("retry_pass_scheduled", map[string]any{"in": wait.String(), "reason": string(res.Reason), "failed": res.Failed})
	case res.Reason == dispatcher.ReasonCompleted:
		c.bo.Reset()
		if c.retry != nil {
			c.retry.Stop()
			c.retry = nil
		}
	}
}

// setStateLocked requiere c.mu.
func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.events.Publish(syncqueue.Event{Type: syncqueue.EventStateChanged, At: time.Now().UTC(), State: string(s), Pending: c.pending})
}

func (c *Coordinator) stopTimersLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(syncqueue.Event) {}
