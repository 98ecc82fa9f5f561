package pebbledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"pet-health-sync/internal/ports/storage"
)

// Layout de claves (sep = 0x00):
//
//	r <coll> <key>                   -> envelope JSON
//	x <coll> <index> <value> <key>   -> vacío
//	s <coll>                         -> secuencia uint64 big endian
//	m schema_version                 -> versión en decimal
const sep = "\x00"

var metaVersionKey = []byte("m" + sep + "schema_version")

type envelope struct {
	Indexes map[string]string `json:"i,omitempty"`
	Value   json.RawMessage   `json:"v"`
}

// Store implementa storage.Store sobre Pebble. Una base por perfil (path).
type Store struct {
	path   string
	schema storage.Schema
	once   storage.Once
	ready  atomic.Bool

	// wmu serializa las escrituras read-modify-write (índices, secuencias, CAS).
	wmu sync.Mutex
	db  *pebble.DB
}

func NewStore(path string, schema storage.Schema) *Store {
	return &Store{path: path, schema: schema}
}

func (s *Store) Init(ctx context.Context) error {
	return s.once.Do(func() error {
		if err := s.schema.Validate(); err != nil {
			return err
		}
		if strings.TrimSpace(s.path) == "" {
			return fmt.Errorf("%w: empty pebble path", storage.ErrStorageUnavailable)
		}

		db, err := pebble.Open(s.path, &pebble.Options{})
		if err != nil {
			return unavailable(err)
		}

		stored, err := readVersion(db)
		if err != nil {
			_ = db.Close()
			return unavailable(err)
		}
		if stored > s.schema.Version {
			_ = db.Close()
			return fmt.Errorf("%w: schema version %d is newer than %d", storage.ErrStorageUnavailable, stored, s.schema.Version)
		}
		if stored < s.schema.Version {
			// Las colecciones son prefijos: subir de versión solo registra la nueva.
			v := []byte(strconv.Itoa(s.schema.Version))
			if err := db.Set(metaVersionKey, v, pebble.Sync); err != nil {
				_ = db.Close()
				return unavailable(err)
			}
		}

		s.db = db
		s.ready.Store(true)
		return nil
	})
}

func (s *Store) Get(ctx context.Context, collection, key string) (storage.Record, error) {
	if err := s.check(collection); err != nil {
		return storage.Record{}, err
	}
	env, ok, err := s.load(collection, key)
	if err != nil {
		return storage.Record{}, err
	}
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return env.record(key), nil
}

func (s *Store) GetAll(ctx context.Context, collection string, q storage.Query) ([]storage.Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}
	if q.Index != "" {
		return s.getByIndex(ctx, collection, q)
	}

	prefix := recordPrefix(collection)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, unavailable(err)
	}
	defer iter.Close()

	out := make([]storage.Record, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(prefix):])
		var env envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("pebble: decode %s/%s: %w", collection, key, err)
		}
		out = append(out, env.record(key))
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (s *Store) getByIndex(ctx context.Context, collection string, q storage.Query) ([]storage.Record, error) {
	prefix := indexPrefix(collection, q.Index, q.Value)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, unavailable(err)
	}

	keys := make([]string, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	iterErr := iter.Error()
	_ = iter.Close()
	if iterErr != nil {
		return nil, unavailable(iterErr)
	}

	out := make([]storage.Record, 0, len(keys))
	for _, k := range keys {
		env, ok, err := s.load(collection, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			// índice huérfano (no debería pasar con escrituras en batch)
			continue
		}
		out = append(out, env.record(k))
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, collection string, rec storage.Record) error {
	if err := s.check(collection); err != nil {
		return err
	}
	if err := validRecord(rec); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.putLocked(collection, rec)
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := s.check(collection); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.deleteLocked(collection, key)
}

func (s *Store) Clear(ctx context.Context, collection string) error {
	if err := s.check(collection); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	rp := recordPrefix(collection)
	xp := []byte("x" + sep + collection + sep)
	if err := b.DeleteRange(rp, prefixEnd(rp), nil); err != nil {
		return unavailable(err)
	}
	if err := b.DeleteRange(xp, prefixEnd(xp), nil); err != nil {
		return unavailable(err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) NextID(ctx context.Context, collection string) (int64, error) {
	if err := s.check(collection); err != nil {
		return 0, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	key := []byte("s" + sep + collection)
	var cur uint64
	v, closer, err := s.db.Get(key)
	switch {
	case err == nil:
		if len(v) == 8 {
			cur = binary.BigEndian.Uint64(v)
		}
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return 0, unavailable(err)
	}

	cur++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur)
	if err := s.db.Set(key, buf, pebble.Sync); err != nil {
		return 0, unavailable(err)
	}
	return int64(cur), nil
}

func (s *Store) CompareAndSwap(ctx context.Context, collection, key string, expected []byte, next *storage.Record) (bool, error) {
	if err := s.check(collection); err != nil {
		return false, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	env, exists, err := s.load(collection, key)
	if err != nil {
		return false, err
	}
	switch {
	case expected == nil && exists:
		return false, nil
	case expected != nil && (!exists || !bytes.Equal(env.Value, expected)):
		return false, nil
	}

	if next == nil {
		return true, s.deleteLocked(collection, key)
	}
	rec := *next
	rec.Key = key
	if err := validRecord(rec); err != nil {
		return false, err
	}
	return true, s.putLocked(collection, rec)
}

func (s *Store) Close() error {
	if !s.ready.Load() {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.ready.Store(false)
	return s.db.Close()
}

// putLocked requiere wmu.
func (s *Store) putLocked(collection string, rec storage.Record) error {
	old, exists, err := s.load(collection, rec.Key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(envelope{Indexes: rec.Indexes, Value: rec.Value})
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	if exists {
		for ix, val := range old.Indexes {
			if err := b.Delete(indexKey(collection, ix, val, rec.Key), nil); err != nil {
				return unavailable(err)
			}
		}
	}
	if err := b.Set(recordKey(collection, rec.Key), data, nil); err != nil {
		return unavailable(err)
	}
	for ix, val := range rec.Indexes {
		if err := b.Set(indexKey(collection, ix, val, rec.Key), nil, nil); err != nil {
			return unavailable(err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return unavailable(err)
	}
	return nil
}

// deleteLocked requiere wmu.
func (s *Store) deleteLocked(collection, key string) error {
	old, exists, err := s.load(collection, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	for ix, val := range old.Indexes {
		if err := b.Delete(indexKey(collection, ix, val, key), nil); err != nil {
			return unavailable(err)
		}
	}
	if err := b.Delete(recordKey(collection, key), nil); err != nil {
		return unavailable(err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) load(collection, key string) (envelope, bool, error) {
	v, closer, err := s.db.Get(recordKey(collection, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return envelope{}, false, nil
	}
	if err != nil {
		return envelope{}, false, unavailable(err)
	}
	defer closer.Close()

	var env envelope
	if err := json.Unmarshal(v, &env); err != nil {
		return envelope{}, false, fmt.Errorf("pebble: decode %s/%s: %w", collection, key, err)
	}
	// Value apunta al buffer de pebble; copiar antes de cerrar.
	env.Value = append(json.RawMessage(nil), env.Value...)
	return env, true, nil
}

func (s *Store) check(collection string) error {
	if !s.ready.Load() {
		return storage.ErrStorageUnavailable
	}
	if _, ok := s.schema.Lookup(collection); !ok {
		return storage.ErrUnknownCollection
	}
	return nil
}

func (e envelope) record(key string) storage.Record {
	return storage.Record{Key: key, Indexes: e.Indexes, Value: e.Value}
}

func readVersion(db *pebble.DB) (int, error) {
	v, closer, err := db.Get(metaVersionKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return strconv.Atoi(string(v))
}

func validRecord(rec storage.Record) error {
	if strings.TrimSpace(rec.Key) == "" {
		return errors.New("record key required")
	}
	if strings.Contains(rec.Key, sep) {
		return errors.New("record key contains reserved byte")
	}
	for ix, val := range rec.Indexes {
		if strings.Contains(ix, sep) || strings.Contains(val, sep) {
			return errors.New("index contains reserved byte")
		}
	}
	return nil
}

func recordPrefix(collection string) []byte {
	return []byte("r" + sep + collection + sep)
}

func recordKey(collection, key string) []byte {
	return []byte("r" + sep + collection + sep + key)
}

func indexPrefix(collection, index, value string) []byte {
	return []byte("x" + sep + collection + sep + index + sep + value + sep)
}

func indexKey(collection, index, value, key string) []byte {
	return []byte("x" + sep + collection + sep + index + sep + value + sep + key)
}

// prefixEnd devuelve la menor clave mayor que todas las que empiezan con prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
}
