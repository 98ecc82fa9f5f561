package memory

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"pet-health-sync/internal/ports/storage"
)

// Store es un storage.Store en memoria. Sirve para tests y como fallback no durable.
type Store struct {
	mu     sync.RWMutex
	schema storage.Schema
	once   storage.Once
	ready  atomic.Bool

	data map[string]map[string]storage.Record
	seq  map[string]int64
}

func NewStore(schema storage.Schema) *Store {
	return &Store{
		schema: schema,
		data:   make(map[string]map[string]storage.Record),
		seq:    make(map[string]int64),
	}
}

func (s *Store) Init(ctx context.Context) error {
	return s.once.Do(func() error {
		if err := s.schema.Validate(); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.schema.Collections {
			if _, ok := s.data[c.Name]; !ok {
				s.data[c.Name] = make(map[string]storage.Record)
			}
		}
		s.ready.Store(true)
		return nil
	})
}

func (s *Store) Get(ctx context.Context, collection, key string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, err := s.collection(collection)
	if err != nil {
		return storage.Record{}, err
	}
	rec, ok := coll[key]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *Store) GetAll(ctx context.Context, collection string, q storage.Query) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	out := make([]storage.Record, 0, len(coll))
	for _, rec := range coll {
		if q.Index != "" && rec.Indexes[q.Index] != q.Value {
			continue
		}
		out = append(out, copyRecord(rec))
	}

	// Orden por clave, igual que los engines ordenados (pebble/postgres)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Put(ctx context.Context, collection string, rec storage.Record) error {
	if strings.TrimSpace(rec.Key) == "" {
		return errors.New("record key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.collection(collection)
	if err != nil {
		return err
	}
	coll[rec.Key] = copyRecord(rec)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.collection(collection)
	if err != nil {
		return err
	}
	delete(coll, key)
	return nil
}

func (s *Store) Clear(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.collection(collection); err != nil {
		return err
	}
	s.data[collection] = make(map[string]storage.Record)
	return nil
}

func (s *Store) NextID(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.collection(collection); err != nil {
		return 0, err
	}
	s.seq[collection]++
	return s.seq[collection], nil
}

func (s *Store) CompareAndSwap(ctx context.Context, collection, key string, expected []byte, next *storage.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.collection(collection)
	if err != nil {
		return false, err
	}

	cur, exists := coll[key]
	switch {
	case expected == nil && exists:
		return false, nil
	case expected != nil && (!exists || !bytes.Equal(cur.Value, expected)):
		return false, nil
	}

	if next == nil {
		delete(coll, key)
		return true, nil
	}
	rec := copyRecord(*next)
	rec.Key = key
	coll[key] = rec
	return true, nil
}

func (s *Store) Close() error { return nil }

// collection requiere s.mu tomado.
func (s *Store) collection(name string) (map[string]storage.Record, error) {
	if !s.ready.Load() {
		return nil, storage.ErrStorageUnavailable
	}
	coll, ok := s.data[name]
	if !ok {
		return nil, storage.ErrUnknownCollection
	}
	return coll, nil
}

func copyRecord(r storage.Record) storage.Record {
	out := storage.Record{Key: r.Key}
	if r.Value != nil {
		out.Value = append([]byte(nil), r.Value...)
	}
	if r.Indexes != nil {
		out.Indexes = make(map[string]string, len(r.Indexes))
		for k, v := range r.Indexes {
			out.Indexes[k] = v
		}
	}
	return out
}
