// Package app arma el daemon: store, cola, dispatcher, coordinator y API local.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pet-health-sync/internal/adapters/background"
	"pet-health-sync/internal/adapters/connectivity"
	"pet-health-sync/internal/adapters/storage/memory"
	"pet-health-sync/internal/adapters/storage/pebbledb"
	"pet-health-sync/internal/adapters/storage/postgres"
	"pet-health-sync/internal/adapters/storage/resilient"
	"pet-health-sync/internal/domain/coordinator"
	"pet-health-sync/internal/domain/dispatcher"
	"pet-health-sync/internal/domain/health"
	"pet-health-sync/internal/domain/history"
	"pet-health-sync/internal/domain/pets"
	"pet-health-sync/internal/domain/records"
	"pet-health-sync/internal/domain/session"
	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/middleware"
	"pet-health-sync/internal/platform/config"
	"pet-health-sync/internal/platform/eventbus"
	"pet-health-sync/internal/platform/httpclient"
	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/platform/metrics"
	"pet-health-sync/internal/ports/storage"
	"pet-health-sync/internal/router"
)

const shutdownTimeout = 10 * time.Second

// App agrupa los componentes del daemon y su ciclo de vida.
type App struct {
	cfg *config.Config
	log logger.Logger

	Store       *resilient.Store
	Bus         *eventbus.Bus[syncqueue.Event]
	Queue       *syncqueue.Queue
	Dispatcher  *dispatcher.Dispatcher
	Coordinator *coordinator.Coordinator
	Session     *session.Manager
	Handler     http.Handler

	prober *connectivity.Prober
	unsubs []func()
}

// onlineFunc adapta una función al puerto de conectividad del dispatcher.
type onlineFunc func() bool

func (f onlineFunc) Online() bool { return f() }

type options struct {
	strictStore bool
}

type Option func(*options)

// WithStrictStore hace fallar el arranque si el store durable no abre (p.ej.
// pebble bloqueado por un serve en curso) en vez de degradar a memoria.
func WithStrictStore() Option {
	return func(o *options) { o.strictStore = true }
}

// New abre el store configurado y construye el daemon sin arrancar nada.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*App, error) {
	primary, err := openStore(cfg, storage.DefaultSchema())
	if err != nil {
		return nil, err
	}
	return NewWithStore(ctx, cfg, primary, log, opts...)
}

func openStore(cfg *config.Config, schema storage.Schema) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPebble:
		return pebbledb.NewStore(cfg.StorePath, schema), nil
	case config.DriverMemory:
		return memory.NewStore(schema), nil
	case config.DriverPostgres:
		return postgres.NewStore(cfg.DBDSN, schema), nil
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER: %s", cfg.StoreDriver)
	}
}

// NewWithStore cablea el daemon sobre un store primario ya construido (sin Init).
func NewWithStore(ctx context.Context, cfg *config.Config, primary storage.Store, log logger.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	schema := storage.DefaultSchema()
	bus := eventbus.New[syncqueue.Event]()

	rs := resilient.New(primary, schema, resilient.Options{
		Logger: log,
		Strict: o.strictStore,
		OnWarning: func(w resilient.Warning) {
			metrics.StorageWarnings.WithLabelValues(w.Op).Inc()
			msg := "storage degraded"
			if w.Err != nil {
				msg = w.Err.Error()
			}
			bus.Publish(syncqueue.Event{Type: syncqueue.EventStorageWarning, At: time.Now().UTC(), Error: msg})
		},
	})
	if err := rs.Init(ctx); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	client, err := httpclient.New(cfg.APIBaseURL, cfg.APITimeout)
	if err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("remote api: %w", err)
	}
	syncLog := syncqueue.NewLog(rs)
	queue := syncqueue.NewQueue(syncLog, syncqueue.Options{Events: bus, Logger: log})

	sess := session.NewManager(rs, schema, nil, log)
	applier := records.NewApplier(rs, queue, log)

	// el coordinator se crea después; el dispatcher lo consulta por closure
	var coord *coordinator.Coordinator
	disp := dispatcher.New(dispatcher.Deps{
		Log:     syncLog,
		Store:   rs,
		Remote:  client,
		Tokens:  sess,
		Conn:    onlineFunc(func() bool { return coord.Online() }),
		Applier: applier,
		Events:  bus,
		Logger:  log,
	}, dispatcher.Config{
		MaxRetries:    cfg.SyncMaxRetries,
		ActionTimeout: cfg.SyncActionTimeout,
		LeaseTTL:      cfg.SyncLeaseTTL,
		PauseOnAuth:   cfg.SyncPauseOnAuth,
		RatePerSecond: cfg.SyncRateLimit,
	})

	coord = coordinator.New(coordinator.Deps{
		Drainer:    disp,
		Counter:    queue,
		Background: background.NewCron(cfg.BackgroundSyncCron, log),
		Events:     bus,
		Logger:     log,
	}, coordinator.Config{
		Debounce:  cfg.SyncDebounce,
		RetryBase: cfg.SyncRetryBase,
		RetryMax:  cfg.SyncRetryMax,
	})

	queue.Attach(coord, coord)
	queue.AttachRunner(disp)
	sess.SetSyncControl(coord)

	a := &App{
		cfg:         cfg,
		log:         log,
		Store:       rs,
		Bus:         bus,
		Queue:       queue,
		Dispatcher:  disp,
		Coordinator: coord,
		Session:     sess,
		prober:      connectivity.NewProber(client, cfg.ProbePath, cfg.ProbeInterval, coord, log),
	}
	a.unsubs = append(a.unsubs, bus.Handle(coord.Observe))

	historySvc := history.NewService(history.Deps{
		Store:  rs,
		Remote: client,
		Tokens: sess,
		Queue:  queue,
		Logger: log,
	})

	a.Handler = router.NewRouter(router.Options{
		Auth:           middleware.AuthOptions{Verifier: sess, Session: sess, Dev: cfg.Dev()},
		Logger:         log,
		Session:        sess,
		Pets:           pets.NewService(rs, queue, log),
		Health:         health.NewService(rs, queue, log),
		History:        historySvc,
		Queue:          queue,
		Coordinator:    coord,
		Events:         bus,
		OriginPatterns: cfg.WSOriginPatterns,
	})

	return a, nil
}

// Run arranca el coordinator, el prober y la API local. Bloquea hasta que ctx
// termine o el servidor falle.
func (a *App) Run(ctx context.Context) error {
	a.Coordinator.Start(ctx)
	go a.prober.Run(ctx)

	// sin WriteTimeout: /sync/events es una conexión larga
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http_listening", map[string]any{"addr": a.cfg.HTTPAddr, "store": a.cfg.StoreDriver})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.log.Info("http_shutdown", nil)
	return srv.Shutdown(shutdownCtx)
}

// Pending lista el log sin tocar la red.
func (a *App) Pending(ctx context.Context) ([]syncqueue.Action, error) {
	return a.Queue.Pending(ctx)
}

// DrainOnce sondea el backend y, si responde, corre los pases que haga falta
// hasta vaciar o detenerse. Se usa desde la CLI sin levantar la API.
func (a *App) DrainOnce(ctx context.Context) dispatcher.Result {
	if !a.prober.Probe(ctx) {
		return dispatcher.Result{Reason: dispatcher.ReasonOffline}
	}
	// SetOnline dispara el pase; Stop espera a que termine sin agendar reintentos
	a.Coordinator.SetOnline(true)
	a.Coordinator.Stop()

	st := a.Coordinator.Status()
	if st.LastResult == nil {
		return dispatcher.Result{Reason: dispatcher.ReasonOffline}
	}
	return *st.LastResult
}

// Close corta suscripciones, frena el coordinator y cierra el store.
func (a *App) Close() error {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	a.Coordinator.Stop()
	return a.Store.Close()
}
