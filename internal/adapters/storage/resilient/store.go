// Package resilient envuelve un storage.Store para que el cliente siga funcionando
// aunque el engine durable falle: init fallido => memoria no durable, lecturas => vacío.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pet-health-sync/internal/adapters/storage/memory"
	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/ports/storage"
)

// Warning se emite una sola vez por clase de falla (init, read, write).
type Warning struct {
	Op       string
	Err      error
	Degraded bool
}

type Options struct {
	Logger    logger.Logger
	OnWarning func(Warning)

	// Strict desactiva el fallback: Init y las lecturas devuelven el error del primario.
	// Lo usan herramientas que no deben operar sobre un store vacío (CLI).
	Strict bool
}

type Store struct {
	schema  storage.Schema
	primary storage.Store
	active  atomic.Pointer[storage.Store]

	log    logger.Logger
	onWarn func(Warning)
	strict bool

	degraded  atomic.Bool
	warnInit  sync.Once
	warnRead  sync.Once
	warnWrite sync.Once
}

var _ storage.Store = (*Store)(nil)

func New(primary storage.Store, schema storage.Schema, opts Options) *Store {
	l := opts.Logger
	if l == nil {
		l = logger.Nop()
	}
	s := &Store{
		schema:  schema,
		primary: primary,
		log:     l.With(map[string]any{"component": "storage"}),
		onWarn:  opts.OnWarning,
		strict:  opts.Strict,
	}
	s.active.Store(&primary)
	return s
}

// Degraded indica que se está usando el fallback en memoria.
func (s *Store) Degraded() bool { return s.degraded.Load() }

func (s *Store) Init(ctx context.Context) error {
	err := s.primary.Init(ctx)
	if err == nil {
		return nil
	}
	if s.strict || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Sólo hay un fallback; inits posteriores lo reutilizan.
	if s.degraded.Load() {
		return nil
	}

	fb := storage.Store(memory.NewStore(s.schema))
	if ferr := fb.Init(ctx); ferr != nil {
		return fmt.Errorf("fallback store: %w", ferr)
	}
	s.active.Store(&fb)
	s.degraded.Store(true)

	s.warnInit.Do(func() {
		s.log.Warn("storage_degraded_to_memory", map[string]any{"error": err})
		s.emit(Warning{Op: "init", Err: err, Degraded: true})
	})
	return nil
}

func (s *Store) store() storage.Store { return *s.active.Load() }

func (s *Store) Get(ctx context.Context, collection, key string) (storage.Record, error) {
	rec, err := s.store().Get(ctx, collection, key)
	if err == nil || errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrUnknownCollection) {
		return rec, err
	}
	if s.strict {
		return storage.Record{}, err
	}
	s.readFailed(err)
	return storage.Record{}, storage.ErrNotFound
}

func (s *Store) GetAll(ctx context.Context, collection string, q storage.Query) ([]storage.Record, error) {
	recs, err := s.store().GetAll(ctx, collection, q)
	if err == nil || errors.Is(err, storage.ErrUnknownCollection) {
		return recs, err
	}
	if s.strict {
		return nil, err
	}
	s.readFailed(err)
	return []storage.Record{}, nil
}

func (s *Store) Put(ctx context.Context, collection string, rec storage.Record) error {
	return s.write(s.store().Put(ctx, collection, rec))
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return s.write(s.store().Delete(ctx, collection, key))
}

func (s *Store) Clear(ctx context.Context, collection string) error {
	return s.write(s.store().Clear(ctx, collection))
}

func (s *Store) NextID(ctx context.Context, collection string) (int64, error) {
	id, err := s.store().NextID(ctx, collection)
	return id, s.write(err)
}

func (s *Store) CompareAndSwap(ctx context.Context, collection, key string, expected []byte, next *storage.Record) (bool, error) {
	ok, err := s.store().CompareAndSwap(ctx, collection, key, expected, next)
	return ok, s.write(err)
}

func (s *Store) Close() error {
	return s.store().Close()
}

func (s *Store) readFailed(err error) {
	s.warnRead.Do(func() {
		s.log.Warn("storage_read_failed", map[string]any{"error": err})
		s.emit(Warning{Op: "read", Err: err, Degraded: s.Degraded()})
	})
}

// write normaliza errores de engine a ErrStorageUnavailable.
func (s *Store) write(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrUnknownCollection) {
		return err
	}
	if !errors.Is(err, storage.ErrStorageUnavailable) {
		// validaciones del adapter (p.ej. key vacía) no son fallas del engine
		return err
	}
	s.warnWrite.Do(func() {
		s.log.Warn("storage_write_failed", map[string]any{"error": err})
		s.emit(Warning{Op: "write", Err: err, Degraded: s.Degraded()})
	})
	return err
}

func (s *Store) emit(w Warning) {
	if s.onWarn != nil {
		s.onWarn(w)
	}
}
