package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrUnknownCollection  = errors.New("unknown collection")
)

// Record es la unidad que guarda el store: clave primaria, valores de índices
// secundarios y el documento JSON de la entidad.
type Record struct {
	Key     string
	Indexes map[string]string
	Value   json.RawMessage
}

// Query filtra GetAll por un índice secundario. Vacío => colección completa.
type Query struct {
	Index string
	Value string
}

// Store es el contrato del almacenamiento local durable.
// Todas las operaciones reciben ctx; los adapters deben ser seguros para uso concurrente.
type Store interface {
	Init(ctx context.Context) error

	Get(ctx context.Context, collection, key string) (Record, error)
	GetAll(ctx context.Context, collection string, q Query) ([]Record, error)
	Put(ctx context.Context, collection string, rec Record) error
	Delete(ctx context.Context, collection, key string) error
	Clear(ctx context.Context, collection string) error

	// NextID devuelve el siguiente valor de la secuencia persistida de la colección.
	NextID(ctx context.Context, collection string) (int64, error)

	// CompareAndSwap reemplaza el registro key solo si su valor actual es expected.
	// expected == nil significa "no existe". next == nil borra el registro.
	CompareAndSwap(ctx context.Context, collection, key string, expected []byte, next *Record) (bool, error)

	Close() error
}

// Once provisiona el store una sola vez. Los llamadores concurrentes esperan
// a la misma inicialización; si falla, el siguiente llamador reintenta.
type Once struct {
	mu   sync.Mutex
	done bool
}

func (o *Once) Do(fn func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.done {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	o.done = true
	return nil
}

// Marshal arma un Record a partir de una entidad.
func Marshal(key string, indexes map[string]string, v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: key, Indexes: indexes, Value: b}, nil
}

// Unmarshal decodifica el valor del registro en out.
func (r Record) Unmarshal(out any) error {
	return json.Unmarshal(r.Value, out)
}
