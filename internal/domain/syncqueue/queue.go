package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/platform/metrics"
)

// Scheduler agenda un drain con debounce (lo implementa el coordinator).
type Scheduler interface {
	ScheduleDrain()
}

// Connectivity reporta el último estado de red conocido.
type Connectivity interface {
	Online() bool
}

type Queue struct {
	log    *Log
	events Publisher
	logger logger.Logger

	conn   Connectivity
	sched  Scheduler
	runner Runner

	now   func() time.Time
	newID func() string
}

type Options struct {
	Events Publisher
	Logger logger.Logger
}

func NewQueue(log *Log, opts Options) *Queue {
	q := &Queue{
		log:    log,
		events: opts.Events,
		logger: opts.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	if q.events == nil {
		q.events = nopPublisher{}
	}
	if q.logger == nil {
		q.logger = logger.Nop()
	}
	return q
}

// Runner reporta si hay un pase drenando en este proceso (dispatcher.Dispatcher).
type Runner interface {
	Running() bool
}

// AttachRunner conecta el dispatcher para saber si una acción "syncing" está realmente en vuelo.
func (q *Queue) AttachRunner(r Runner) {
	q.runner = r
}

// Attach conecta el coordinator una vez construido.
func (q *Queue) Attach(conn Connectivity, sched Scheduler) {
	q.conn = conn
	q.sched = sched
}

var allowedMethods = map[string]struct{}{
	"POST":   {},
	"PUT":    {},
	"PATCH":  {},
	"DELETE": {},
}

// Enqueue persiste la mutación y, si hay red, pide un drain con debounce.
// Nunca hace I/O de red.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (int64, error) {
	typ := strings.TrimSpace(in.Type)
	endpoint := strings.TrimSpace(in.Endpoint)
	method := strings.ToUpper(strings.TrimSpace(in.Method))

	if typ == "" || endpoint == "" || !strings.HasPrefix(endpoint, "/") {
		return 0, ErrInvalidInput
	}
	if _, ok := allowedMethods[method]; !ok {
		return 0, fmt.Errorf("%w: method %q", ErrInvalidInput, in.Method)
	}

	var payload json.RawMessage
	if in.Payload != nil {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return 0, fmt.Errorf("%w: payload: %v", ErrInvalidInput, err)
		}
		payload = b
	}

	a, err := q.log.Append(ctx, Action{
		Type:           typ,
		Endpoint:       endpoint,
		Method:         method,
		Payload:        payload,
		EnqueuedAt:     q.now().UTC(),
		Status:         StatusPending,
		IdempotencyKey: q.newID(),
		EntityKey:      strings.TrimSpace(in.EntityKey),
		Record:         in.Record,
	})
	if err != nil {
		return 0, err
	}

	metrics.ActionsEnqueued.WithLabelValues(a.Type).Inc()
	q.logger.Debug("action_enqueued", map[string]any{"id": a.ID, "type": a.Type, "endpoint": a.Endpoint})

	pending, _ := q.log.Count(ctx)
	q.events.Publish(Event{Type: EventQueued, At: q.now().UTC(), Action: &a, Pending: pending})

	if q.conn != nil && q.sched != nil && q.conn.Online() {
		q.sched.ScheduleDrain()
	}
	return a.ID, nil
}

func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	return q.log.List(ctx)
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.log.Count(ctx)
}

// Remove descarta una acción a pedido del usuario. Sólo se rechaza si está en vuelo
// en un pase vivo; un "syncing" que quedó de un crash se puede descartar.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	a, ver, err := q.log.Load(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == StatusSyncing && q.runner != nil && q.runner.Running() {
		return fmt.Errorf("%w: action %d is syncing", ErrInvalidInput, id)
	}
	_, ok, err := q.log.Swap(ctx, id, ver, nil)
	if err != nil {
		return err
	}
	if !ok {
		// el dispatcher la tomó entre la lectura y el borrado
		return fmt.Errorf("%w: action %d is syncing", ErrInvalidInput, id)
	}

	q.logger.Info("action_discarded", map[string]any{"id": a.ID, "type": a.Type})
	pending, _ := q.log.Count(ctx)
	q.events.Publish(Event{Type: EventDiscarded, At: q.now().UTC(), Action: &a, Terminal: true, Pending: pending})
	return nil
}
