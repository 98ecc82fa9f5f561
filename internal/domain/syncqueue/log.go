package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pet-health-sync/internal/ports/storage"
)

// Log es la cola persistida en la colección pending_sync.
// Las claves se rellenan con ceros para que el orden por clave sea el orden por id.
type Log struct {
	store storage.Store
}

func NewLog(store storage.Store) *Log {
	return &Log{store: store}
}

func actionKey(id int64) string { return fmt.Sprintf("%020d", id) }

// Append asigna el id monotónico y persiste la acción.
func (l *Log) Append(ctx context.Context, a Action) (Action, error) {
	id, err := l.store.NextID(ctx, storage.CollectionPendingSync)
	if err != nil {
		return Action{}, err
	}
	a.ID = id
	if err := l.put(ctx, a); err != nil {
		return Action{}, err
	}
	return a, nil
}

func (l *Log) Get(ctx context.Context, id int64) (Action, error) {
	rec, err := l.store.Get(ctx, storage.CollectionPendingSync, actionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Action{}, ErrNotFound
	}
	if err != nil {
		return Action{}, err
	}
	var a Action
	if err := rec.Unmarshal(&a); err != nil {
		return Action{}, err
	}
	return a, nil
}

// List devuelve todas las acciones ordenadas por id (FIFO).
func (l *Log) List(ctx context.Context) ([]Action, error) {
	recs, err := l.store.GetAll(ctx, storage.CollectionPendingSync, storage.Query{})
	if err != nil {
		return nil, err
	}
	return decodeActions(recs)
}

// ListByStatus usa el índice status.
func (l *Log) ListByStatus(ctx context.Context, st Status) ([]Action, error) {
	recs, err := l.store.GetAll(ctx, storage.CollectionPendingSync, storage.Query{Index: storage.IndexStatus, Value: string(st)})
	if err != nil {
		return nil, err
	}
	return decodeActions(recs)
}

// Version es el documento tal como está persistido; Swap lo usa de guarda.
type Version []byte

// Load lee la acción junto con su versión actual.
func (l *Log) Load(ctx context.Context, id int64) (Action, Version, error) {
	rec, err := l.store.Get(ctx, storage.CollectionPendingSync, actionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Action{}, nil, ErrNotFound
	}
	if err != nil {
		return Action{}, nil, err
	}
	var a Action
	if err := rec.Unmarshal(&a); err != nil {
		return Action{}, nil, err
	}
	return a, Version(rec.Value), nil
}

// Swap reemplaza la acción sólo si sigue en la versión expected; next == nil la borra.
// ok == false significa que alguien la borró o la cambió en el medio: nunca se recrea.
func (l *Log) Swap(ctx context.Context, id int64, expected Version, next *Action) (Version, bool, error) {
	if id <= 0 || expected == nil {
		return nil, false, ErrInvalidInput
	}
	if next == nil {
		ok, err := l.store.CompareAndSwap(ctx, storage.CollectionPendingSync, actionKey(id), expected, nil)
		return nil, ok, err
	}
	next.ID = id
	rec, err := record(*next)
	if err != nil {
		return nil, false, err
	}
	ok, err := l.store.CompareAndSwap(ctx, storage.CollectionPendingSync, rec.Key, expected, &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return Version(rec.Value), true, nil
}

func (l *Log) Update(ctx context.Context, a Action) error {
	if a.ID <= 0 {
		return ErrInvalidInput
	}
	return l.put(ctx, a)
}

func (l *Log) Remove(ctx context.Context, id int64) error {
	return l.store.Delete(ctx, storage.CollectionPendingSync, actionKey(id))
}

func (l *Log) Count(ctx context.Context) (int, error) {
	recs, err := l.store.GetAll(ctx, storage.CollectionPendingSync, storage.Query{})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (l *Log) put(ctx context.Context, a Action) error {
	rec, err := record(a)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, storage.CollectionPendingSync, rec)
}

func record(a Action) (storage.Record, error) {
	return storage.Marshal(actionKey(a.ID), map[string]string{storage.IndexStatus: string(a.Status)}, a)
}

func decodeActions(recs []storage.Record) ([]Action, error) {
	out := make([]Action, 0, len(recs))
	for _, rec := range recs {
		var a Action
		if err := rec.Unmarshal(&a); err != nil {
			return nil, fmt.Errorf("decode action %s: %w", rec.Key, err)
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
