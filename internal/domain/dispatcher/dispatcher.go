package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/platform/httpclient"
	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/platform/metrics"
	"pet-health-sync/internal/ports/storage"
)

// Remote es la frontera con la API REST (httpclient.Client).
type Remote interface {
	Do(ctx context.Context, req httpclient.Request) (json.RawMessage, error)
}

// TokenSource entrega el bearer de la sesión actual.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Connectivity interface {
	Online() bool
}

// ResultApplier pliega la respuesta del servidor en el registro optimista (records.Applier).
type ResultApplier interface {
	Apply(ctx context.Context, action syncqueue.Action, response json.RawMessage) error
}

var ErrNoSession = errors.New("no session token")

type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonOffline   Reason = "offline"
	ReasonBusy      Reason = "busy"
	ReasonLocked    Reason = "locked"
	ReasonAuth      Reason = "auth"
	ReasonStorage   Reason = "storage"
	ReasonCanceled  Reason = "canceled"
)

type ActionError struct {
	ActionID int64               `json:"action_id"`
	Type     string              `json:"type"`
	Kind     syncqueue.ErrorKind `json:"kind"`
	Message  string              `json:"message"`
	Terminal bool                `json:"terminal"`
}

// Result resume un pase. Succeeded+Failed+Terminal+Skipped <= acciones leídas.
type Result struct {
	Reason    Reason        `json:"reason"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Terminal  int           `json:"terminal"`
	Skipped   int           `json:"skipped"`
	Errors    []ActionError `json:"errors,omitempty"`
	Err       error         `json:"-"`
}

// Retryable indica que quedaron acciones fallidas que vale la pena reintentar.
func (r Result) Retryable() bool {
	return r.Reason == ReasonCompleted && (r.Failed > 0 || r.Skipped > 0)
}

type Config struct {
	MaxRetries    int
	ActionTimeout time.Duration
	LeaseTTL      time.Duration
	PauseOnAuth   bool
	// RatePerSecond <= 0 => sin pacing.
	RatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = syncqueue.DefaultMaxRetries
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 15 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	return c
}

type Deps struct {
	Log     *syncqueue.Log
	Store   storage.Store
	Remote  Remote
	Tokens  TokenSource
	Conn    Connectivity
	Applier ResultApplier
	Events  syncqueue.Publisher
	Logger  logger.Logger
}

type Dispatcher struct {
	log     *syncqueue.Log
	store   storage.Store
	remote  Remote
	tokens  TokenSource
	conn    Connectivity
	applier ResultApplier
	events  syncqueue.Publisher
	logger  logger.Logger

	cfg     Config
	limiter *rate.Limiter
	owner   string
	now     func() time.Time

	running atomic.Bool
	paused  atomic.Bool
}

func New(deps Deps, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		log:     deps.Log,
		store:   deps.Store,
		remote:  deps.Remote,
		tokens:  deps.Tokens,
		conn:    deps.Conn,
		applier: deps.Applier,
		events:  deps.Events,
		logger:  deps.Logger,
		cfg:     cfg,
		owner:   uuid.NewString(),
		now:     time.Now,
	}
	if d.logger == nil {
		d.logger = logger.Nop()
	}
	d.logger = d.logger.With(map[string]any{"component": "dispatcher"})
	if d.events == nil {
		d.events = nopPublisher{}
	}
	if cfg.RatePerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return d
}

// Running indica que hay un pase en curso en este proceso.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Paused indica que el último 401 detuvo la cola hasta un nuevo token.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Resume levanta la pausa por auth.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Drain reproduce el log pendiente una vez, en orden de id.
func (d *Dispatcher) Drain(ctx context.Context) Result {
	res := d.drain(ctx)
	metrics.DrainPasses.WithLabelValues(string(res.Reason)).Inc()
	return res
}

func (d *Dispatcher) drain(ctx context.Context) Result {
	if d.conn != nil && !d.conn.Online() {
		return Result{Reason: ReasonOffline}
	}
	if d.paused.Load() {
		return Result{Reason: ReasonAuth}
	}
	if !d.running.CompareAndSwap(false, true) {
		return Result{Reason: ReasonBusy}
	}
	defer d.running.Store(false)

	held, ok, err := d.acquireLease(ctx)
	if err != nil {
		d.logger.Warn("lease_acquire_failed", map[string]any{"error": err})
		return Result{Reason: ReasonStorage, Err: err}
	}
	if !ok {
		return Result{Reason: ReasonLocked}
	}
	defer d.releaseLease(context.WithoutCancel(ctx), held)

	start := d.now()
	actions, err := d.log.List(ctx)
	if err != nil {
		return Result{Reason: ReasonStorage, Err: err}
	}

	res := Result{Reason: ReasonCompleted}
	blocked := map[string]struct{}{}

	for _, snap := range actions {
		if ctx.Err() != nil {
			res.Reason = ReasonCanceled
			break
		}
		if d.conn != nil && !d.conn.Online() {
			res.Reason = ReasonOffline
			break
		}
		if !d.renewLease(ctx, held) {
			res.Reason = ReasonLocked
			break
		}

		// el snapshot puede estar viejo: descartes y logout borran acciones durante el pase
		a, ver, err := d.log.Load(ctx, snap.ID)
		if errors.Is(err, syncqueue.ErrNotFound) {
			continue
		}
		if err != nil {
			res.Reason = ReasonStorage
			res.Err = err
			break
		}
		if a.EntityKey != "" {
			if _, skip := blocked[a.EntityKey]; skip {
				res.Skipped++
				continue
			}
		}

		out, err := d.replay(ctx, a, ver, &res)
		if err != nil {
			res.Reason = ReasonStorage
			res.Err = err
			break
		}
		if out.stop != "" {
			res.Reason = out.stop
			break
		}
		// las siguientes acciones de la misma entidad no pueden adelantarse a la fallida
		if out.failed && a.EntityKey != "" {
			blocked[a.EntityKey] = struct{}{}
		}
	}

	if res.Reason == ReasonCompleted {
		metrics.DrainDuration.Observe(d.now().Sub(start).Seconds())
	}
	d.logger.Info("drain_pass_finished", map[string]any{
		"reason":    string(res.Reason),
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"terminal":  res.Terminal,
		"skipped":   res.Skipped,
	})
	return res
}

type outcome struct {
	stop   Reason // no vacío => cortar el pase
	failed bool
}

// replay procesa una acción. Cada transición es un Swap sobre la versión leída,
// así un borrado concurrente gana y la acción nunca se recrea.
// El error sólo se devuelve si el store no pudo registrar el resultado.
func (d *Dispatcher) replay(ctx context.Context, a syncqueue.Action, ver syncqueue.Version, res *Result) (outcome, error) {
	prev := a
	now := d.now().UTC()
	a.Status = syncqueue.StatusSyncing
	a.LastAttemptAt = &now
	ver, ok, err := d.log.Swap(ctx, a.ID, ver, &a)
	if err != nil {
		return outcome{}, err
	}
	if !ok {
		d.vanished(a)
		return outcome{}, nil
	}

	// restore devuelve la acción a como estaba, sin gastar reintento
	restore := func() error {
		_, _, err := d.log.Swap(context.WithoutCancel(ctx), a.ID, ver, &prev)
		return err
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return outcome{stop: ReasonCanceled}, restore()
		}
	}

	token, err := d.token(ctx)
	var resp json.RawMessage
	if err == nil {
		actx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
		resp, err = d.remote.Do(actx, httpclient.Request{
			Method:   a.Method,
			Endpoint: a.Endpoint,
			Token:    token,
			Headers:  map[string]string{"Idempotency-Key": a.IdempotencyKey},
			Body:     a.Payload,
		})
		cancel()
	}

	if err == nil {
		// si ya no está (logout en el medio) el servidor igual la aceptó
		if _, _, err := d.log.Swap(ctx, a.ID, ver, nil); err != nil {
			return outcome{}, err
		}
		res.Succeeded++
		metrics.SyncAttempts.WithLabelValues(a.Type, metrics.OutcomeSuccess).Inc()
		d.apply(ctx, a, resp)
		d.events.Publish(syncqueue.Event{Type: syncqueue.EventSyncSuccess, At: d.now().UTC(), Action: &a, Response: resp})
		return outcome{}, nil
	}

	// apagado del daemon
	if ctx.Err() != nil {
		return outcome{stop: ReasonCanceled}, restore()
	}

	ce := syncqueue.Classify(err)
	if ce.Kind == syncqueue.AuthExpired && d.cfg.PauseOnAuth {
		a.Status = syncqueue.StatusPending
		a.LastError = ce.Error()
		_, ok, err := d.log.Swap(ctx, a.ID, ver, &a)
		if err != nil {
			return outcome{}, err
		}
		if !ok {
			// la sesión se cerró durante el request; no hay nada que pausar
			d.vanished(a)
			return outcome{}, nil
		}
		d.paused.Store(true)
		metrics.SyncAttempts.WithLabelValues(a.Type, metrics.OutcomeAuth).Inc()
		d.logger.Warn("sync_paused_auth", map[string]any{"action_id": a.ID, "type": a.Type})
		d.events.Publish(syncqueue.Event{Type: syncqueue.EventSyncPaused, At: d.now().UTC(), Action: &a, Error: ce.Error()})
		return outcome{stop: ReasonAuth}, nil
	}

	a.RetryCount++
	a.LastError = ce.Error()
	terminal := a.RetryCount >= d.cfg.MaxRetries

	var next *syncqueue.Action
	if !terminal {
		a.Status = syncqueue.StatusFailed
		next = &a
	}
	if _, ok, err := d.log.Swap(ctx, a.ID, ver, next); err != nil {
		return outcome{}, err
	} else if !ok {
		d.vanished(a)
		return outcome{}, nil
	}

	if terminal {
		res.Terminal++
		metrics.SyncAttempts.WithLabelValues(a.Type, metrics.OutcomeTerminal).Inc()
		d.logger.Error("action_dropped", map[string]any{
			"action_id": a.ID,
			"type":      a.Type,
			"endpoint":  a.Endpoint,
			"retries":   a.RetryCount,
			"error":     ce.Error(),
		})
	} else {
		res.Failed++
		metrics.SyncAttempts.WithLabelValues(a.Type, metrics.OutcomeFailed).Inc()
		d.logger.Debug("action_failed", map[string]any{"action_id": a.ID, "retries": a.RetryCount, "error": ce.Error()})
	}

	res.Errors = append(res.Errors, ActionError{
		ActionID: a.ID,
		Type:     a.Type,
		Kind:     ce.Kind,
		Message:  ce.Error(),
		Terminal: terminal,
	})
	d.events.Publish(syncqueue.Event{
		Type:     syncqueue.EventSyncError,
		At:       d.now().UTC(),
		Action:   &a,
		Error:    ce.Error(),
		Terminal: terminal,
	})
	return outcome{failed: true}, nil
}

// vanished registra una acción borrada por otro durante su replay.
func (d *Dispatcher) vanished(a syncqueue.Action) {
	d.logger.Info("action_removed_during_pass", map[string]any{"action_id": a.ID, "type": a.Type})
}

// apply pliega la respuesta en el registro local antes de avisar a la UI.
func (d *Dispatcher) apply(ctx context.Context, a syncqueue.Action, resp json.RawMessage) {
	if d.applier == nil || a.Record == nil {
		return
	}
	if err := d.applier.Apply(context.WithoutCancel(ctx), a, resp); err != nil {
		d.logger.Warn("record_fold_failed", map[string]any{
			"action_id":  a.ID,
			"collection": a.Record.Collection,
			"key":        a.Record.Key,
			"error":      err,
		})
	}
}

func (d *Dispatcher) token(ctx context.Context) (string, error) {
	if d.tokens == nil {
		return "", nil
	}
	tok, err := d.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(tok) == "" {
		// sin sesión el servidor respondería 401; no gastamos el request
		return "", &syncqueue.ClassifiedError{Kind: syncqueue.AuthExpired, StatusCode: 401, Err: ErrNoSession}
	}
	return tok, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(syncqueue.Event) {}
