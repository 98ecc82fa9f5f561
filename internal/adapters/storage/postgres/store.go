package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"pet-health-sync/internal/ports/storage"
)

const ddl = `
CREATE TABLE IF NOT EXISTS local_schema (
	id      SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS local_records (
	collection TEXT  NOT NULL,
	key        TEXT  NOT NULL,
	indexes    JSONB NOT NULL DEFAULT '{}'::jsonb,
	value      BYTEA NOT NULL,
	PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS local_records_indexes_gin ON local_records USING GIN (indexes);
CREATE TABLE IF NOT EXISTS local_sequences (
	collection TEXT   PRIMARY KEY,
	value      BIGINT NOT NULL
);
`

// Store guarda las colecciones en una tabla genérica (collection, key).
// Pensado para instalaciones de clínica con un Postgres local.
type Store struct {
	dsn    string
	schema storage.Schema
	once   storage.Once
	ready  atomic.Bool

	mu sync.Mutex
	db *sql.DB
}

func NewStore(dsn string, schema storage.Schema) *Store {
	return &Store{dsn: dsn, schema: schema}
}

// NewStoreWithDB reutiliza un pool ya abierto (tests, wiring compartido).
func NewStoreWithDB(db *sql.DB, schema storage.Schema) *Store {
	return &Store{db: db, schema: schema}
}

func (s *Store) Init(ctx context.Context) error {
	return s.once.Do(func() error {
		if err := s.schema.Validate(); err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.db == nil {
			db, err := Open(ctx, s.dsn)
			if err != nil {
				return unavailable(err)
			}
			s.db = db
		}

		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return unavailable(err)
		}

		var stored int
		err := s.db.QueryRowContext(ctx, `SELECT version FROM local_schema WHERE id = 1`).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return unavailable(err)
		}
		if stored > s.schema.Version {
			return fmt.Errorf("%w: schema version %d is newer than %d", storage.ErrStorageUnavailable, stored, s.schema.Version)
		}
		if stored < s.schema.Version {
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO local_schema (id, version) VALUES (1, $1)
				ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version
			`, s.schema.Version); err != nil {
				return unavailable(err)
			}
		}

		s.ready.Store(true)
		return nil
	})
}

func (s *Store) Get(ctx context.Context, collection, key string) (storage.Record, error) {
	if err := s.check(collection); err != nil {
		return storage.Record{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT key, indexes, value FROM local_records
		WHERE collection = $1 AND key = $2
	`, collection, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, unavailable(err)
	}
	return rec, nil
}

func (s *Store) GetAll(ctx context.Context, collection string, q storage.Query) ([]storage.Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if q.Index == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT key, indexes, value FROM local_records
			WHERE collection = $1
			ORDER BY key COLLATE "C" ASC
		`, collection)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT key, indexes, value FROM local_records
			WHERE collection = $1 AND indexes->>$2 = $3
			ORDER BY key COLLATE "C" ASC
		`, collection, q.Index, q.Value)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := make([]storage.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, collection string, rec storage.Record) error {
	if err := s.check(collection); err != nil {
		return err
	}
	if strings.TrimSpace(rec.Key) == "" {
		return errors.New("record key required")
	}

	ix, err := encodeIndexes(rec.Indexes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO local_records (collection, key, indexes, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, key) DO UPDATE
		SET indexes = EXCLUDED.indexes, value = EXCLUDED.value
	`, collection, rec.Key, ix, valueBytes(rec.Value))
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_records WHERE collection = $1 AND key = $2`, collection, key); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, collection string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_records WHERE collection = $1`, collection); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) NextID(ctx context.Context, collection string) (int64, error) {
	if err := s.check(collection); err != nil {
		return 0, err
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO local_sequences (collection, value) VALUES ($1, 1)
		ON CONFLICT (collection) DO UPDATE SET value = local_sequences.value + 1
		RETURNING value
	`, collection).Scan(&id)
	if err != nil {
		return 0, unavailable(err)
	}
	return id, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, collection, key string, expected []byte, next *storage.Record) (bool, error) {
	if err := s.check(collection); err != nil {
		return false, err
	}

	var (
		res sql.Result
		err error
	)
	switch {
	case expected == nil && next == nil:
		var exists bool
		err = s.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM local_records WHERE collection = $1 AND key = $2)
		`, collection, key).Scan(&exists)
		if err != nil {
			return false, unavailable(err)
		}
		return !exists, nil

	case expected == nil:
		ix, encErr := encodeIndexes(next.Indexes)
		if encErr != nil {
			return false, encErr
		}
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO local_records (collection, key, indexes, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (collection, key) DO NOTHING
		`, collection, key, ix, valueBytes(next.Value))

	case next == nil:
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM local_records WHERE collection = $1 AND key = $2 AND value = $3
		`, collection, key, expected)

	default:
		ix, encErr := encodeIndexes(next.Indexes)
		if encErr != nil {
			return false, encErr
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE local_records SET indexes = $3, value = $4
			WHERE collection = $1 AND key = $2 AND value = $5
		`, collection, key, ix, valueBytes(next.Value), expected)
	}
	if err != nil {
		return false, unavailable(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready.Store(false)
	if s.db == nil {
		return nil
	}
	return s.db.Close()
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

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (storage.Record, error) {
	var (
		rec storage.Record
		ix  []byte
		val []byte
	)
	if err := sc.Scan(&rec.Key, &ix, &val); err != nil {
		return storage.Record{}, err
	}
	if len(ix) > 0 {
		var m map[string]string
		if err := json.Unmarshal(ix, &m); err != nil {
			return storage.Record{}, err
		}
		if len(m) > 0 {
			rec.Indexes = m
		}
	}
	rec.Value = val
	return rec, nil
}

func encodeIndexes(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func valueBytes(v json.RawMessage) []byte {
	if v == nil {
		return []byte("null")
	}
	return v
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
}
